package peerconn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeTransport struct {
	mu         sync.Mutex
	emit       func(Event)
	remoteDesc *webrtc.SessionDescription
	localDesc  *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool

	failRemoteDesc error
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemoteDesc != nil {
		return f.failRemoteDesc
	}
	f.remoteDesc = &desc
	return nil
}

func (f *fakeTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cand)
	return nil
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeTransport) OnEvent(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fire(ev Event) {
	f.mu.Lock()
	fn := f.emit
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeTransport) connState(state webrtc.PeerConnectionState) {
	f.fire(Event{Kind: EventConnectionState, ConnectionState: state})
}

func (f *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingHandler struct {
	mu             sync.Mutex
	candidates     []webrtc.ICECandidateInit
	states         []webrtc.PeerConnectionState
	renegotiations []int
	lost           int
}

func (h *recordingHandler) LocalCandidate(cand webrtc.ICECandidateInit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates = append(h.candidates, cand)
}

func (h *recordingHandler) RemoteTrack(*webrtc.TrackRemote) {}

func (h *recordingHandler) StateChanged(state webrtc.PeerConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func (h *recordingHandler) RenegotiationNeeded(attempt int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renegotiations = append(h.renegotiations, attempt)
}

func (h *recordingHandler) ConnectionLost() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost++
}

func (h *recordingHandler) lostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

// testHarness tracks every transport the factory produced so tests can reach
// the one currently owned by the Manager after reconnections.
type testHarness struct {
	mu         sync.Mutex
	transports []*fakeTransport
	factoryErr error
}

func (h *testHarness) factory() (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factoryErr != nil {
		return nil, h.factoryErr
	}
	ft := &fakeTransport{}
	h.transports = append(h.transports, ft)
	return ft, nil
}

func (h *testHarness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *testHarness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func newTestManager(t *testing.T) (*Manager, *testHarness, *recordingHandler) {
	t.Helper()
	harness := &testHarness{}
	handler := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(harness.factory, handler, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, harness, handler
}

func cand(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.%d 50000 typ host", n, n)}
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, harness, _ := newTestManager(t)

	for i := 1; i <= 3; i++ {
		if err := m.AddRemoteCandidate(cand(i)); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}
	if got := harness.transport(0).appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}
	if m.BufferedCandidates() != 3 {
		t.Fatalf("buffered = %d, want 3", m.BufferedCandidates())
	}

	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	got := harness.transport(0).appliedCandidates()
	if len(got) != 3 {
		t.Fatalf("applied %d candidates, want 3", len(got))
	}
	for i, c := range got {
		if c.Candidate != cand(i+1).Candidate {
			t.Fatalf("candidate %d out of order: got %q", i, c.Candidate)
		}
	}
	if m.BufferedCandidates() != 0 {
		t.Fatalf("buffer not cleared after flush")
	}
}

func TestFlushRunsOnce(t *testing.T) {
	m, harness, _ := newTestManager(t)

	if err := m.AddRemoteCandidate(cand(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	// Applying another description finds an empty buffer; nothing is
	// replayed.
	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("second SetRemoteDescription: %v", err)
	}
	if got := harness.transport(0).appliedCandidates(); len(got) != 1 {
		t.Fatalf("applied %d candidates, want 1", len(got))
	}
}

func TestCandidatesApplyDirectlyAfterRemoteDescription(t *testing.T) {
	m, harness, _ := newTestManager(t)

	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if err := m.AddRemoteCandidate(cand(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if got := harness.transport(0).appliedCandidates(); len(got) != 1 {
		t.Fatalf("applied %d candidates, want 1", len(got))
	}
	if m.BufferedCandidates() != 0 {
		t.Fatalf("candidate buffered after remote description was set")
	}
}

func TestDuplicateCandidatesDropped(t *testing.T) {
	m, harness, _ := newTestManager(t)

	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.AddRemoteCandidate(cand(7)); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}
	if got := harness.transport(0).appliedCandidates(); len(got) != 1 {
		t.Fatalf("duplicate applied: %d candidates", len(got))
	}
}

func TestSetRemoteDescriptionFailureKeepsBuffer(t *testing.T) {
	m, harness, _ := newTestManager(t)

	if err := m.AddRemoteCandidate(cand(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	harness.transport(0).failRemoteDesc = errors.New("bad sdp")
	if err := m.SetRemoteDescription(remoteOffer()); err == nil {
		t.Fatalf("expected SetRemoteDescription error")
	}
	if m.BufferedCandidates() != 1 {
		t.Fatalf("buffer lost on failed remote description")
	}
}

func TestLocalCandidateForwarded(t *testing.T) {
	m, harness, handler := newTestManager(t)
	_ = m

	want := cand(9)
	harness.transport(0).fire(Event{Kind: EventLocalCandidate, Candidate: want})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.candidates) != 1 || handler.candidates[0].Candidate != want.Candidate {
		t.Fatalf("local candidate not forwarded: %v", handler.candidates)
	}
}

func TestFailedStateIsTerminal(t *testing.T) {
	m, harness, handler := newTestManager(t)

	harness.transport(0).connState(webrtc.PeerConnectionStateFailed)
	if handler.lostCount() != 1 {
		t.Fatalf("lost = %d, want 1", handler.lostCount())
	}
	if harness.count() != 1 {
		t.Fatalf("transport recreated after failed state")
	}
	// Later events from the dead transport are discarded.
	harness.transport(0).connState(webrtc.PeerConnectionStateDisconnected)
	if handler.lostCount() != 1 {
		t.Fatalf("event processed after connection was lost")
	}
	_ = m
}

func TestDisconnectRecreatesTransportWithinBudget(t *testing.T) {
	m, harness, handler := newTestManager(t)

	track := &webrtc.TrackLocalStaticSample{}
	if err := m.AddLocalTrack(track); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := m.AddRemoteCandidate(cand(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if err := m.SetRemoteDescription(remoteOffer()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	harness.transport(0).connState(webrtc.PeerConnectionStateDisconnected)

	if harness.count() != 2 {
		t.Fatalf("transport count = %d, want 2", harness.count())
	}
	if !harness.transport(0).isClosed() {
		t.Fatalf("old transport not closed")
	}
	fresh := harness.transport(1)
	fresh.mu.Lock()
	tracks := len(fresh.tracks)
	fresh.mu.Unlock()
	if tracks != 1 {
		t.Fatalf("local tracks not reattached: %d", tracks)
	}

	handler.mu.Lock()
	renegs := append([]int(nil), handler.renegotiations...)
	handler.mu.Unlock()
	if len(renegs) != 1 || renegs[0] != 1 {
		t.Fatalf("renegotiations = %v, want [1]", renegs)
	}

	// Negotiation state is reset: the same candidate buffers again until the
	// fresh remote description arrives.
	if err := m.AddRemoteCandidate(cand(1)); err != nil {
		t.Fatalf("AddRemoteCandidate after reconnect: %v", err)
	}
	if m.BufferedCandidates() != 1 {
		t.Fatalf("candidate not rebuffered after reconnect")
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	_, harness, handler := newTestManager(t)

	for i := 0; i < MaxReconnectAttempts; i++ {
		harness.transport(i).connState(webrtc.PeerConnectionStateDisconnected)
	}
	if handler.lostCount() != 0 {
		t.Fatalf("lost before budget exhausted")
	}
	if harness.count() != MaxReconnectAttempts+1 {
		t.Fatalf("transport count = %d, want %d", harness.count(), MaxReconnectAttempts+1)
	}

	harness.transport(MaxReconnectAttempts).connState(webrtc.PeerConnectionStateDisconnected)
	if handler.lostCount() != 1 {
		t.Fatalf("lost = %d, want 1 after budget exhausted", handler.lostCount())
	}
	if harness.count() != MaxReconnectAttempts+1 {
		t.Fatalf("transport recreated beyond budget")
	}
}

func TestConnectedResetsAttemptCounter(t *testing.T) {
	_, harness, handler := newTestManager(t)

	for i := 0; i < MaxReconnectAttempts; i++ {
		harness.transport(i).connState(webrtc.PeerConnectionStateDisconnected)
	}
	harness.transport(MaxReconnectAttempts).connState(webrtc.PeerConnectionStateConnected)

	// A fresh disconnect after connected uses a reset budget.
	harness.transport(MaxReconnectAttempts).connState(webrtc.PeerConnectionStateDisconnected)
	if handler.lostCount() != 0 {
		t.Fatalf("counter not reset on connected")
	}
	handler.mu.Lock()
	last := handler.renegotiations[len(handler.renegotiations)-1]
	handler.mu.Unlock()
	if last != 1 {
		t.Fatalf("attempt after reset = %d, want 1", last)
	}
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	_, harness, handler := newTestManager(t)

	old := harness.transport(0)
	old.connState(webrtc.PeerConnectionStateDisconnected)

	// The replaced transport keeps firing; nothing reaches the handler.
	old.fire(Event{Kind: EventLocalCandidate, Candidate: cand(1)})
	old.connState(webrtc.PeerConnectionStateFailed)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.candidates) != 0 {
		t.Fatalf("stale candidate forwarded")
	}
	if handler.lost != 0 {
		t.Fatalf("stale failed state processed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, harness, _ := newTestManager(t)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !harness.transport(0).isClosed() {
		t.Fatalf("transport not closed")
	}
	if err := m.AddRemoteCandidate(cand(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddRemoteCandidate after close: %v", err)
	}
	if _, err := m.CreateOffer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateOffer after close: %v", err)
	}
}

func TestFactoryFailureOnReconnectLosesConnection(t *testing.T) {
	_, harness, handler := newTestManager(t)

	harness.mu.Lock()
	harness.factoryErr = errors.New("no transport")
	harness.mu.Unlock()

	harness.transport(0).connState(webrtc.PeerConnectionStateDisconnected)
	if handler.lostCount() != 1 {
		t.Fatalf("factory failure did not surface as connection loss")
	}
}
