package session

// State is the position of a session in its connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreamNegotiating
	StateSecurityPending
	StateAuthenticating
	StateSessionBinding
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreamNegotiating:
		return "stream-negotiating"
	case StateSecurityPending:
		return "security-pending"
	case StateAuthenticating:
		return "authenticating"
	case StateSessionBinding:
		return "session-binding"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen without
// a new Connect.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// acceptsConnect reports whether Connect may start an attempt from s.
func (s State) acceptsConnect() bool {
	return s == StateIdle || s.Terminal()
}
