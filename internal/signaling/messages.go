package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Event is the wire-level variant tag. Client → server events name the
// desired action; server → client events name what happened. The server
// injects fromUserId on relayed events and never trusts it from the payload.
type Event string

const (
	// Client → server.
	EventStartCall  Event = "start-call"
	EventAnswerCall Event = "answer-call"
	EventEndCall    Event = "end-call"

	// Both directions.
	EventICECandidate Event = "webrtc-ice-candidate"

	// Server → client.
	EventIncomingCall Event = "incoming-call"
	EventCallAnswered Event = "call-answered"
	EventUserStatus   Event = "user-status"
	EventChatMessage  Event = "chat-message"
	EventChatReaction Event = "chat-reaction"
	EventError        Event = "error"
)

// MediaKind distinguishes audio-only from audio+video calls. It rides in the
// envelope's "type" field on start-call and incoming-call.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the single wire message shape. Which fields are legal depends
// on Event; Validate enforces that per variant so malformed traffic is
// rejected at the edge instead of surfacing inside the relay or coordinator.
type Envelope struct {
	Event Event `json:"event"`

	ToUserID   string `json:"toUserId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	// Media kind for start-call/incoming-call.
	Kind MediaKind `json:"type,omitempty"`

	// user-status broadcast.
	UserID string `json:"userId,omitempty"`
	Status string `json:"status,omitempty"`

	// Opaque chat payload pushed on behalf of the chat service.
	Payload json.RawMessage `json:"payload,omitempty"`

	// error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates a wire message. Unknown fields and
// trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Event {
	case EventStartCall, EventIncomingCall:
		if e.Offer == nil {
			return fmt.Errorf("%s missing offer", e.Event)
		}
		if e.Offer.Type != "offer" || e.Offer.SDP == "" {
			return fmt.Errorf("%s has invalid offer", e.Event)
		}
		if !e.Kind.Valid() {
			return fmt.Errorf("%s has invalid media kind %q", e.Event, e.Kind)
		}
		if e.Answer != nil || e.Candidate != nil || e.UserID != "" || e.Status != "" || e.Payload != nil || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		return e.validateDirection()
	case EventAnswerCall, EventCallAnswered:
		if e.Answer == nil {
			return fmt.Errorf("%s missing answer", e.Event)
		}
		if e.Answer.Type != "answer" || e.Answer.SDP == "" {
			return fmt.Errorf("%s has invalid answer", e.Event)
		}
		if e.Offer != nil || e.Candidate != nil || e.Kind != "" || e.UserID != "" || e.Status != "" || e.Payload != nil || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		return e.validateDirection()
	case EventICECandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%s missing candidate", e.Event)
		}
		if e.Offer != nil || e.Answer != nil || e.Kind != "" || e.UserID != "" || e.Status != "" || e.Payload != nil || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		if e.ToUserID == "" && e.FromUserID == "" {
			return fmt.Errorf("%s missing toUserId", e.Event)
		}
		return nil
	case EventEndCall:
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Kind != "" || e.UserID != "" || e.Status != "" || e.Payload != nil || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		// Inbound end-call needs a target; the relayed copy may carry only the
		// injected sender.
		if e.ToUserID == "" && e.FromUserID == "" {
			return fmt.Errorf("%s missing toUserId", e.Event)
		}
		return nil
	case EventUserStatus:
		if e.UserID == "" {
			return fmt.Errorf("%s missing userId", e.Event)
		}
		if e.Status != StatusOnline && e.Status != StatusOffline {
			return fmt.Errorf("%s has invalid status %q", e.Event, e.Status)
		}
		if e.ToUserID != "" || e.FromUserID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Kind != "" || e.Payload != nil || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		return nil
	case EventChatMessage, EventChatReaction:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s missing payload", e.Event)
		}
		if e.ToUserID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Kind != "" || e.UserID != "" || e.Status != "" || e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		return nil
	case EventError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("%s missing code/message", e.Event)
		}
		if e.ToUserID != "" || e.FromUserID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Kind != "" || e.UserID != "" || e.Status != "" || e.Payload != nil {
			return fmt.Errorf("%s has unexpected fields", e.Event)
		}
		return nil
	default:
		return fmt.Errorf("unsupported event %q", e.Event)
	}
}

// validateDirection: call events carry exactly one of toUserId (inbound, from
// a client) or fromUserId (outbound, injected by the relay).
func (e Envelope) validateDirection() error {
	if e.ToUserID == "" && e.FromUserID == "" {
		return fmt.Errorf("%s missing toUserId", e.Event)
	}
	return nil
}

// IsCallEvent reports whether the event is one of the four relayed call
// signaling kinds (client → server direction).
func (e Event) IsCallEvent() bool {
	switch e {
	case EventStartCall, EventAnswerCall, EventICECandidate, EventEndCall:
		return true
	default:
		return false
	}
}

// Relayed returns the server → client event corresponding to an inbound call
// event.
func (e Event) Relayed() Event {
	switch e {
	case EventStartCall:
		return EventIncomingCall
	case EventAnswerCall:
		return EventCallAnswered
	default:
		return e
	}
}
