package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kaungkhant-thar/chat-app/internal/media"
	"github.com/kaungkhant-thar/chat-app/internal/peerconn"
	"github.com/kaungkhant-thar/chat-app/internal/signaling"
)

var (
	ErrBusy       = errors.New("another call session is in progress")
	ErrWrongState = errors.New("operation not valid in current state")
)

// DefaultRingTimeout bounds how long an unanswered call rings on either side.
const DefaultRingTimeout = 45 * time.Second

// Signaler is the outbound half of the signaling connection. Implemented by
// signaling.Client.
type Signaler interface {
	StartCall(toUserID string, offer webrtc.SessionDescription, kind signaling.MediaKind) error
	AnswerCall(toUserID string, answer webrtc.SessionDescription) error
	SendCandidate(toUserID string, cand webrtc.ICECandidateInit) error
	EndCall(toUserID string) error
}

// MediaSource acquires local capture tracks. Implemented by media.Manager.
type MediaSource interface {
	Acquire(kind media.Kind) (*media.Stream, error)
}

// PeerManager is the per-session peer connection surface. Implemented by
// peerconn.Manager.
type PeerManager interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(cand webrtc.ICECandidateInit) error
	Close() error
}

// PeerFactory builds a PeerManager wired to the given event handler. One is
// created per session, and again internally after transport recreation.
type PeerFactory func(handler peerconn.Handler) (PeerManager, error)

// Snapshot is the externally visible view of the current session. All
// UI-facing flags derive from it; there is no separate boolean state.
type Snapshot struct {
	State        State
	RemoteUserID string
	Role         Role
	MediaKind    media.Kind
	Reason       EndReason
}

type stopper interface{ Stop() bool }

type timerFactory func(d time.Duration, fn func()) stopper

func realTimer(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

// session is one call from creation to Ended. The Coordinator holds at most
// one live session; async completions compare pointers so a result for a
// discarded session is dropped instead of applied.
type session struct {
	remoteUserID string
	role         Role
	mediaKind    media.Kind
	state        State
	reason       EndReason

	pendingOffer    *webrtc.SessionDescription
	earlyCandidates []webrtc.ICECandidateInit
	// replaying holds inbound candidates on earlyCandidates while Accept
	// replays the parked ones, so arrival order survives the handoff.
	replaying bool

	stream    *media.Stream
	peer      PeerManager
	ringTimer stopper
}

// Options configures a Coordinator. Media and NewPeer are required; the
// Signaler may be bound later via SetSignaler when the signaling client is
// dialed with the Coordinator as its handler.
type Options struct {
	LocalUserID string
	Signaler    Signaler
	Media       MediaSource
	NewPeer     PeerFactory
	Logger      *slog.Logger
	RingTimeout time.Duration

	// OnStateChange fires after every observable transition, without the
	// coordinator's lock held.
	OnStateChange func(Snapshot)
	// OnRemoteTrack fires when the remote peer's media arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Coordinator drives the call state machine. It implements
// signaling.ClientHandler so it can be handed directly to signaling.Dial.
type Coordinator struct {
	localUserID   string
	signaler      Signaler
	media         MediaSource
	newPeer       PeerFactory
	logger        *slog.Logger
	ringTimeout   time.Duration
	newTimer      timerFactory
	onStateChange func(Snapshot)
	onRemoteTrack func(track *webrtc.TrackRemote)

	mu      sync.Mutex
	session *session
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Media == nil || opts.NewPeer == nil {
		return nil, fmt.Errorf("media source and peer factory are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ringTimeout := opts.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		localUserID:   opts.LocalUserID,
		signaler:      opts.Signaler,
		media:         opts.Media,
		newPeer:       opts.NewPeer,
		logger:        logger,
		ringTimeout:   ringTimeout,
		newTimer:      realTimer,
		onStateChange: opts.OnStateChange,
		onRemoteTrack: opts.OnRemoteTrack,
	}, nil
}

// SetSignaler binds the outbound signaling connection. The Coordinator is the
// connection's inbound handler, so the client can only be dialed after the
// Coordinator exists; bind before any call traffic flows.
func (c *Coordinator) SetSignaler(s Signaler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signaler = s
}

func (c *Coordinator) sig() Signaler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaler
}

// Snapshot returns the current session view, or an Idle snapshot when no
// session exists.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	if c.session == nil {
		return Snapshot{State: StateIdle}
	}
	s := c.session
	return Snapshot{
		State:        s.state,
		RemoteUserID: s.remoteUserID,
		Role:         s.role,
		MediaKind:    s.mediaKind,
		Reason:       s.reason,
	}
}

func (c *Coordinator) notifyState(snap Snapshot) {
	if c.onStateChange != nil {
		c.onStateChange(snap)
	}
}

// StartCall places an outgoing call. The full setup sequence runs here:
// acquire media, create the peer connection, attach tracks, create and apply
// the local offer, send it. Any failure rolls everything back to Idle with no
// partial state retained.
func (c *Coordinator) StartCall(remoteUserID string, kind media.Kind) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	s := &session{
		remoteUserID: remoteUserID,
		role:         RoleCaller,
		mediaKind:    kind,
		state:        StateOutgoing,
	}
	c.session = s
	c.mu.Unlock()

	if err := c.setupAndOffer(s); err != nil {
		c.rollback(s)
		return err
	}

	c.mu.Lock()
	if c.session != s {
		// The session ended while setup was in flight. Anything acquired
		// after that teardown is released here; the release is idempotent.
		c.mu.Unlock()
		c.releaseSession(s)
		return nil
	}
	s.ringTimer = c.newTimer(c.ringTimeout, func() { c.ringExpired(s) })
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyState(snap)
	return nil
}

// setupAndOffer runs the blocking half of StartCall without the lock held.
func (c *Coordinator) setupAndOffer(s *session) error {
	stream, err := c.media.Acquire(s.mediaKind)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	c.mu.Lock()
	s.stream = stream
	c.mu.Unlock()

	peer, err := c.newPeer(&sessionEvents{c: c, s: s})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.mu.Lock()
	s.peer = peer
	c.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := peer.AddLocalTrack(track.Local()); err != nil {
			return fmt.Errorf("attach local track: %w", err)
		}
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	sig := c.sig()
	if sig == nil {
		return fmt.Errorf("no signaling connection")
	}
	if err := sig.StartCall(s.remoteUserID, offer, toSignalingKind(s.mediaKind)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// rollback releases everything a failed setup acquired and returns the
// coordinator to Idle, unless the session was already replaced or ended.
func (c *Coordinator) rollback(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	c.releaseSession(s)
	c.notifyState(Snapshot{State: StateIdle})
}

// releaseSession stops the timer and closes peer and stream. Fields are
// snapshotted and cleared under the lock, so a second release finds nothing
// to do and a concurrent setup step never races the teardown.
func (c *Coordinator) releaseSession(s *session) {
	c.mu.Lock()
	timer, peer, stream := s.ringTimer, s.peer, s.stream
	s.ringTimer, s.peer, s.stream = nil, nil, nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			c.logger.Warn("peer connection close failed", "err", err)
		}
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Warn("media release failed", "err", err)
		}
	}
}

// Accept answers the pending incoming call. Media is acquired only now, so
// the device prompt appears on accept rather than on ring.
func (c *Coordinator) Accept() error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.state != StateIncomingPending {
		c.mu.Unlock()
		return ErrWrongState
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	offer := *s.pendingOffer
	c.mu.Unlock()

	if err := c.answer(s, offer); err != nil {
		if isMediaError(err) {
			// Capture is unavailable; the call is declined rather than
			// failed, so the session is simply discarded.
			c.rollback(s)
			return err
		}
		c.endSession(s, ReasonNegotiationFailed, false)
		return err
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		c.releaseSession(s)
		return nil
	}
	s.state = StateActive
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyState(snap)
	return nil
}

// answer runs the blocking half of Accept. Candidates that arrived before
// accept are handed to the peer manager first, so they land in its buffer and
// flush in original order once the offer is applied. The session keeps
// parking new candidates until the drain loop sees it empty, so a candidate
// arriving mid-replay cannot overtake an earlier one.
func (c *Coordinator) answer(s *session, offer webrtc.SessionDescription) error {
	stream, err := c.media.Acquire(s.mediaKind)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	c.mu.Lock()
	s.stream = stream
	c.mu.Unlock()

	peer, err := c.newPeer(&sessionEvents{c: c, s: s})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.mu.Lock()
	s.peer = peer
	s.replaying = true
	c.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := peer.AddLocalTrack(track.Local()); err != nil {
			return fmt.Errorf("attach local track: %w", err)
		}
	}
	for {
		c.mu.Lock()
		batch := s.earlyCandidates
		s.earlyCandidates = nil
		if len(batch) == 0 {
			s.replaying = false
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		for _, cand := range batch {
			if err := peer.AddRemoteCandidate(cand); err != nil {
				c.logger.Warn("buffering early candidate failed", "err", err)
			}
		}
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sig := c.sig()
	if sig == nil {
		return fmt.Errorf("no signaling connection")
	}
	if err := sig.AnswerCall(s.remoteUserID, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// Reject discards the pending incoming call. No signal is sent; the caller's
// ringing timeout recovers.
func (c *Coordinator) Reject() error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.state != StateIncomingPending {
		c.mu.Unlock()
		return ErrWrongState
	}
	c.session = nil
	c.mu.Unlock()

	c.releaseSession(s)
	c.notifyState(Snapshot{State: StateIdle})
	return nil
}

// End hangs up the current session. From Outgoing or Active the remote user
// is told via EndCall; ending an IncomingPending session is a reject.
func (c *Coordinator) End() error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrWrongState
	}
	if s.state == StateIncomingPending {
		c.mu.Unlock()
		return c.Reject()
	}
	c.mu.Unlock()

	c.endSession(s, ReasonLocalHangup, true)
	return nil
}

// SetMuted flips the audio tracks' enabled flag. Video is never touched.
func (c *Coordinator) SetMuted(muted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.stream == nil {
		return false
	}
	return c.session.stream.SetAudioEnabled(!muted)
}

// Muted derives the mute flag from the live stream.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.stream == nil {
		return false
	}
	return !c.session.stream.AudioEnabled()
}

// endSession moves s to Ended, releases its resources and optionally sends
// EndCall. Safe to call for a session that was already replaced; it then only
// releases.
func (c *Coordinator) endSession(s *session, reason EndReason, sendEnd bool) {
	c.mu.Lock()
	current := c.session == s
	if current {
		c.session = nil
	}
	alreadyEnded := s.state == StateEnded
	s.state = StateEnded
	s.reason = reason
	c.mu.Unlock()

	if alreadyEnded {
		return
	}
	c.releaseSession(s)
	if sendEnd {
		if sig := c.sig(); sig != nil {
			if err := sig.EndCall(s.remoteUserID); err != nil {
				c.logger.Warn("end-call send failed", "to", s.remoteUserID, "err", err)
			}
		}
	}
	if current {
		c.notifyState(Snapshot{
			State:        StateEnded,
			RemoteUserID: s.remoteUserID,
			Role:         s.role,
			MediaKind:    s.mediaKind,
			Reason:       reason,
		})
	}
}

// ringExpired fires from the ring timer. An unanswered outgoing call ends
// with NoAnswer and tells the remote side to stop ringing; an unaccepted
// incoming call is discarded as missed.
func (c *Coordinator) ringExpired(s *session) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	state := s.state
	c.mu.Unlock()

	switch state {
	case StateOutgoing:
		c.logger.Info("call unanswered", "to", s.remoteUserID)
		c.endSession(s, ReasonNoAnswer, true)
	case StateIncomingPending:
		c.logger.Info("incoming call missed", "from", s.remoteUserID)
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()
		c.releaseSession(s)
		c.notifyState(Snapshot{State: StateIdle})
	}
}

// HandleIncomingCall implements signaling.ClientHandler. A fresh offer while
// Idle rings; an offer from the current peer while Active is a renegotiation
// after transport recreation; anything else gets an immediate EndCall back,
// the busy signal of this protocol.
func (c *Coordinator) HandleIncomingCall(fromUserID string, offer webrtc.SessionDescription, kind signaling.MediaKind) {
	c.mu.Lock()
	s := c.session

	if s != nil && s.state == StateActive && s.remoteUserID == fromUserID {
		peer := s.peer
		c.mu.Unlock()
		c.renegotiate(s, peer, offer)
		return
	}
	if s != nil {
		c.mu.Unlock()
		c.logger.Info("busy, declining call", "from", fromUserID)
		if sig := c.sig(); sig != nil {
			if err := sig.EndCall(fromUserID); err != nil {
				c.logger.Warn("busy decline failed", "to", fromUserID, "err", err)
			}
		}
		return
	}

	ns := &session{
		remoteUserID: fromUserID,
		role:         RoleCallee,
		mediaKind:    fromSignalingKind(kind),
		state:        StateIncomingPending,
		pendingOffer: &offer,
	}
	ns.ringTimer = c.newTimer(c.ringTimeout, func() { c.ringExpired(ns) })
	c.session = ns
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyState(snap)
}

// renegotiate answers a fresh offer on an already active session.
func (c *Coordinator) renegotiate(s *session, peer PeerManager, offer webrtc.SessionDescription) {
	if peer == nil {
		return
	}
	if err := peer.SetRemoteDescription(offer); err != nil {
		c.logger.Warn("renegotiation offer rejected", "err", err)
		c.endSession(s, ReasonNegotiationFailed, true)
		return
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		c.logger.Warn("renegotiation answer failed", "err", err)
		c.endSession(s, ReasonNegotiationFailed, true)
		return
	}
	if sig := c.sig(); sig != nil {
		if err := sig.AnswerCall(s.remoteUserID, answer); err != nil {
			c.logger.Warn("renegotiation answer send failed", "err", err)
		}
	}
}

// HandleCallAnswered implements signaling.ClientHandler. Applying the answer
// triggers the peer manager's one-time candidate flush.
func (c *Coordinator) HandleCallAnswered(fromUserID string, answer webrtc.SessionDescription) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.remoteUserID != fromUserID {
		c.mu.Unlock()
		c.logger.Debug("answer from unexpected user dropped", "from", fromUserID)
		return
	}
	if s.state != StateOutgoing && s.state != StateActive {
		c.mu.Unlock()
		c.logger.Debug("answer in unexpected state dropped", "state", s.state.String())
		return
	}
	renegotiation := s.state == StateActive
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	peer := s.peer
	c.mu.Unlock()
	if peer == nil {
		return
	}

	if err := peer.SetRemoteDescription(answer); err != nil {
		c.logger.Warn("remote answer rejected", "err", err)
		c.endSession(s, ReasonNegotiationFailed, true)
		return
	}

	if renegotiation {
		return
	}
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	s.state = StateActive
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notifyState(snap)
}

// HandleRemoteCandidate implements signaling.ClientHandler. Before accept the
// callee has no peer connection yet, so candidates park on the session and
// are replayed into the peer manager's buffer during Accept.
func (c *Coordinator) HandleRemoteCandidate(fromUserID string, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.remoteUserID != fromUserID || s.state == StateEnded {
		c.mu.Unlock()
		c.logger.Debug("candidate without matching session dropped", "from", fromUserID)
		return
	}
	if s.peer == nil || s.replaying {
		s.earlyCandidates = append(s.earlyCandidates, cand)
		c.mu.Unlock()
		return
	}
	peer := s.peer
	c.mu.Unlock()

	if err := peer.AddRemoteCandidate(cand); err != nil {
		c.logger.Warn("remote candidate rejected", "err", err)
	}
}

// HandleEndCall implements signaling.ClientHandler.
func (c *Coordinator) HandleEndCall(fromUserID string) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.remoteUserID != fromUserID {
		c.mu.Unlock()
		return
	}
	if s.state == StateIncomingPending {
		// Caller hung up before we answered.
		c.session = nil
		c.mu.Unlock()
		c.releaseSession(s)
		c.notifyState(Snapshot{State: StateIdle})
		return
	}
	c.mu.Unlock()
	c.endSession(s, ReasonRemoteHangup, false)
}

// HandleUserStatus implements signaling.ClientHandler.
func (c *Coordinator) HandleUserStatus(userID, status string) {
	c.logger.Debug("presence update", "user", userID, "status", status)
}

// HandleChat implements signaling.ClientHandler. Chat payloads are outside
// the call lifecycle; they are logged and otherwise ignored here.
func (c *Coordinator) HandleChat(event signaling.Event, payload json.RawMessage) {
	c.logger.Debug("chat event", "event", string(event), "bytes", len(payload))
}

// HandleDisconnect implements signaling.ClientHandler. An established call
// keeps flowing peer to peer, so the session survives a signaling drop; only
// further call control is unavailable.
func (c *Coordinator) HandleDisconnect(err error) {
	if err != nil {
		c.logger.Warn("signaling connection lost", "err", err)
	}
}

// sessionEvents adapts peer connection events for one session; every callback
// verifies the session is still current before acting.
type sessionEvents struct {
	c *Coordinator
	s *session
}

func (e *sessionEvents) current() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.c.session == e.s
}

func (e *sessionEvents) LocalCandidate(cand webrtc.ICECandidateInit) {
	if !e.current() {
		return
	}
	sig := e.c.sig()
	if sig == nil {
		return
	}
	if err := sig.SendCandidate(e.s.remoteUserID, cand); err != nil {
		e.c.logger.Warn("candidate send failed", "to", e.s.remoteUserID, "err", err)
	}
}

func (e *sessionEvents) RemoteTrack(track *webrtc.TrackRemote) {
	if !e.current() {
		return
	}
	if e.c.onRemoteTrack != nil {
		e.c.onRemoteTrack(track)
	}
}

func (e *sessionEvents) StateChanged(state webrtc.PeerConnectionState) {
	e.c.logger.Debug("peer connection state", "state", state.String(), "remote", e.s.remoteUserID)
}

// RenegotiationNeeded follows a transport recreation after a transient
// disconnect. Only the caller side sends the fresh offer; the callee's own
// recreated transport waits for it, which keeps the two sides from offering
// at each other simultaneously.
func (e *sessionEvents) RenegotiationNeeded(attempt int) {
	c, s := e.c, e.s
	c.mu.Lock()
	if c.session != s || s.state != StateActive || s.role != RoleCaller {
		c.mu.Unlock()
		return
	}
	peer := s.peer
	c.mu.Unlock()
	if peer == nil {
		return
	}

	c.logger.Info("renegotiating after reconnect", "attempt", attempt, "remote", s.remoteUserID)
	offer, err := peer.CreateOffer()
	if err != nil {
		c.logger.Warn("renegotiation offer failed", "err", err)
		c.endSession(s, ReasonNegotiationFailed, true)
		return
	}
	if sig := c.sig(); sig != nil {
		if err := sig.StartCall(s.remoteUserID, offer, toSignalingKind(s.mediaKind)); err != nil {
			c.logger.Warn("renegotiation offer send failed", "err", err)
		}
	}
}

func (e *sessionEvents) ConnectionLost() {
	if !e.current() {
		return
	}
	e.c.endSession(e.s, ReasonConnectionLost, false)
}

func toSignalingKind(kind media.Kind) signaling.MediaKind {
	if kind == media.KindAudio {
		return signaling.MediaKindAudio
	}
	return signaling.MediaKindVideo
}

func fromSignalingKind(kind signaling.MediaKind) media.Kind {
	if kind == signaling.MediaKindAudio {
		return media.KindAudio
	}
	return media.KindVideo
}

func isMediaError(err error) bool {
	var me *media.Error
	return errors.As(err, &me)
}
