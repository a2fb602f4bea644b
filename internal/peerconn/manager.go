package peerconn

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MaxReconnectAttempts bounds transport recreation after transient
// disconnects. The counter resets once the connection reaches connected.
const MaxReconnectAttempts = 3

var ErrClosed = errors.New("peer connection manager is closed")

// Handler receives Manager callbacks. Callbacks are invoked without the
// Manager's lock held, so implementations may call back into the Manager.
type Handler interface {
	// LocalCandidate fires for every discovered local candidate; the session
	// owner sends it to the remote user immediately, no batching.
	LocalCandidate(cand webrtc.ICECandidateInit)
	RemoteTrack(track *webrtc.TrackRemote)
	StateChanged(state webrtc.PeerConnectionState)
	// RenegotiationNeeded fires after the transport was recreated for a
	// reconnection attempt; the owner must run a fresh offer/answer cycle.
	RenegotiationNeeded(attempt int)
	// ConnectionLost fires when the transport failed outright or the
	// reconnection budget is exhausted.
	ConnectionLost()
}

// Manager owns one Transport and enforces the negotiation ordering rules:
// remote candidates are buffered until the remote description is applied,
// then flushed exactly once in arrival order; duplicates are never applied
// twice; transient disconnects recreate the transport within a bounded
// budget.
type Manager struct {
	factory TransportFactory
	handler Handler
	logger  *slog.Logger

	mu            sync.Mutex
	transport     Transport
	generation    int
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	seen          map[string]struct{}
	localTracks   []webrtc.TrackLocal
	attempts      int
	closed        bool
	lost          bool
}

func NewManager(factory TransportFactory, handler Handler, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		factory: factory,
		handler: handler,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}

	transport, err := factory()
	if err != nil {
		return nil, err
	}
	m.transport = transport
	m.wireEventsLocked()
	return m, nil
}

// wireEventsLocked subscribes to the current transport under a fresh
// generation so events from a replaced transport are discarded.
func (m *Manager) wireEventsLocked() {
	m.generation++
	gen := m.generation
	m.transport.OnEvent(func(ev Event) {
		m.handleEvent(gen, ev)
	})
}

// AddLocalTrack attaches a capture track and remembers it for reattachment
// after a reconnection recreates the transport.
func (m *Manager) AddLocalTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	transport := m.transport
	m.localTracks = append(m.localTracks, track)
	m.mu.Unlock()

	return transport.AddTrack(track)
}

// CreateOffer creates and applies the local offer, returning it for the
// signaling layer to send.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	transport, err := m.currentTransport()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := transport.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := transport.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer creates and applies the local answer. The remote offer must
// already have been applied via SetRemoteDescription.
func (m *Manager) CreateAnswer() (webrtc.SessionDescription, error) {
	transport, err := m.currentTransport()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := transport.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription applies the remote offer or answer, then flushes the
// candidate buffer in arrival order. The flush runs exactly once: later
// candidates apply directly and a repeated call finds an empty buffer.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	transport, err := m.currentTransport()
	if err != nil {
		return err
	}
	if err := transport.SetRemoteDescription(desc); err != nil {
		return err
	}

	m.mu.Lock()
	m.remoteDescSet = true
	buffered := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, cand := range buffered {
		if err := transport.AddICECandidate(cand); err != nil {
			m.logger.Warn("failed to apply buffered candidate", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, buffering it when the remote
// description is not in place yet. Duplicates are dropped.
func (m *Manager) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, dup := m.seen[cand.Candidate]; dup {
		m.mu.Unlock()
		return nil
	}
	m.seen[cand.Candidate] = struct{}{}

	if !m.remoteDescSet {
		m.pending = append(m.pending, cand)
		m.mu.Unlock()
		return nil
	}
	transport := m.transport
	m.mu.Unlock()

	return transport.AddICECandidate(cand)
}

// BufferedCandidates reports how many candidates await the remote
// description.
func (m *Manager) BufferedCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) currentTransport() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.transport, nil
}

func (m *Manager) handleEvent(gen int, ev Event) {
	m.mu.Lock()
	if m.closed || m.lost || gen != m.generation {
		// Event from a replaced or torn-down transport.
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventLocalCandidate:
		m.mu.Unlock()
		m.handler.LocalCandidate(ev.Candidate)
	case EventRemoteTrack:
		m.mu.Unlock()
		m.handler.RemoteTrack(ev.Track)
	case EventConnectionState:
		m.handleConnectionStateLocked(ev.ConnectionState)
	case EventICEState, EventSignalingState:
		m.mu.Unlock()
		m.logger.Debug("transport state", "kind", ev.Kind.String(), "ice", ev.ICEState, "signaling", ev.SignalingState)
	default:
		m.mu.Unlock()
	}
}

// handleConnectionStateLocked is entered with the lock held and releases it
// before invoking any handler callback.
func (m *Manager) handleConnectionStateLocked(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.attempts = 0
		m.mu.Unlock()
		m.handler.StateChanged(state)

	case webrtc.PeerConnectionStateFailed:
		m.lost = true
		m.mu.Unlock()
		m.handler.StateChanged(state)
		m.handler.ConnectionLost()

	case webrtc.PeerConnectionStateDisconnected:
		if m.attempts >= MaxReconnectAttempts {
			m.lost = true
			m.mu.Unlock()
			m.handler.StateChanged(state)
			m.handler.ConnectionLost()
			return
		}
		m.attempts++
		attempt := m.attempts
		if err := m.recreateTransportLocked(); err != nil {
			m.lost = true
			m.mu.Unlock()
			m.logger.Warn("transport recreation failed", "attempt", attempt, "err", err)
			m.handler.StateChanged(state)
			m.handler.ConnectionLost()
			return
		}
		m.mu.Unlock()
		m.logger.Info("transport recreated after disconnect", "attempt", attempt)
		m.handler.StateChanged(state)
		m.handler.RenegotiationNeeded(attempt)

	default:
		m.mu.Unlock()
		m.handler.StateChanged(state)
	}
}

// recreateTransportLocked replaces the transport for a reconnection attempt:
// fresh object, local tracks reattached, negotiation state reset so the next
// offer/answer cycle starts from scratch.
func (m *Manager) recreateTransportLocked() error {
	old := m.transport
	transport, err := m.factory()
	if err != nil {
		return err
	}
	_ = old.Close()

	m.transport = transport
	m.remoteDescSet = false
	m.pending = nil
	m.seen = make(map[string]struct{})
	m.wireEventsLocked()

	for _, track := range m.localTracks {
		if err := transport.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down the transport and clears the candidate buffer.
// Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transport := m.transport
	m.pending = nil
	m.seen = nil
	m.localTracks = nil
	m.mu.Unlock()

	return transport.Close()
}
