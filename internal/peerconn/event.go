package peerconn

import "github.com/pion/webrtc/v4"

// EventKind folds the transport's five callback sinks into one stream so the
// Manager observes everything in a single place.
type EventKind int

const (
	EventLocalCandidate EventKind = iota
	EventRemoteTrack
	EventConnectionState
	EventICEState
	EventSignalingState
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local-candidate"
	case EventRemoteTrack:
		return "remote-track"
	case EventConnectionState:
		return "connection-state"
	case EventICEState:
		return "ice-state"
	case EventSignalingState:
		return "signaling-state"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Only the field matching Kind is set.
type Event struct {
	Kind EventKind

	Candidate       webrtc.ICECandidateInit
	Track           *webrtc.TrackRemote
	ConnectionState webrtc.PeerConnectionState
	ICEState        webrtc.ICEConnectionState
	SignalingState  webrtc.SignalingState
}
