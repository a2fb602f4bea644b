package call

// State is the lifecycle of one call session. A session only moves forward;
// Ended is terminal and a later call builds a fresh session.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncomingPending
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncomingPending:
		return "incoming-pending"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role records which side created the session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// EndReason explains why a session reached Ended.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonLocalHangup
	ReasonRemoteHangup
	ReasonNoAnswer
	ReasonNegotiationFailed
	ReasonConnectionLost
)

func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalHangup:
		return "local-hangup"
	case ReasonRemoteHangup:
		return "remote-hangup"
	case ReasonNoAnswer:
		return "no-answer"
	case ReasonNegotiationFailed:
		return "negotiation-failed"
	case ReasonConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}
