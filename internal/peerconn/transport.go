package peerconn

import (
	"github.com/pion/webrtc/v4"
)

// Transport abstracts one peer-to-peer connection object. The production
// implementation wraps a pion PeerConnection; tests substitute fakes to drive
// the Manager deterministically.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	// OnEvent registers the single event sink. Must be called before any
	// negotiation so no early candidate is lost.
	OnEvent(fn func(Event))
	Close() error
}

// TransportFactory creates a fresh Transport. The Manager calls it once at
// construction and again for every reconnection attempt.
type TransportFactory func() (Transport, error)

// NewPionFactory returns a TransportFactory producing pion-backed transports
// configured with the given ICE servers.
func NewPionFactory(api *webrtc.API, iceServers []webrtc.ICEServer) TransportFactory {
	return func() (Transport, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc}, nil
	}
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(cand)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *pionTransport) OnEvent(fn func(Event)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-gathering marker, not a candidate.
			return
		}
		fn(Event{Kind: EventLocalCandidate, Candidate: c.ToJSON()})
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(Event{Kind: EventRemoteTrack, Track: track})
	})
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(Event{Kind: EventConnectionState, ConnectionState: state})
	})
	t.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		fn(Event{Kind: EventICEState, ICEState: state})
	})
	t.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		fn(Event{Kind: EventSignalingState, SignalingState: state})
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
