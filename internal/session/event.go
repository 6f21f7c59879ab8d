package session

import (
	ncerr "jabconn/internal/errors"
	"jabconn/internal/sasl"
	"jabconn/internal/security"
)

// EventKind tags an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventStateChanged
	EventSecurityActivated
	EventTrustDecisionRequired
	EventNeedCredentials
	EventAuthenticated
	EventConnectionClosed
	EventCloseFinished
	EventWarning
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStateChanged:
		return "state-changed"
	case EventSecurityActivated:
		return "security-activated"
	case EventTrustDecisionRequired:
		return "trust-decision-required"
	case EventNeedCredentials:
		return "need-credentials"
	case EventAuthenticated:
		return "authenticated"
	case EventConnectionClosed:
		return "connection-closed"
	case EventCloseFinished:
		return "close-finished"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// WarningKind names a non-fatal protocol anomaly.
type WarningKind int

const (
	// WarnOldVersion: the server stream carries no version 1.0, so
	// authentication falls back to the legacy handshake.
	WarnOldVersion WarningKind = iota + 1
	// WarnNoTLS: STARTTLS was requested but the server does not offer it.
	WarnNoTLS
)

func (k WarningKind) String() string {
	switch k {
	case WarnOldVersion:
		return "old-version"
	case WarnNoTLS:
		return "no-tls"
	default:
		return "unknown"
	}
}

// Warning is raised before the session stalls for ContinueAfterWarning.
type Warning struct {
	Kind   WarningKind
	Detail string
}

// Event is delivered to the session handler.  Only the fields that
// belong to Kind are set.
type Event struct {
	Kind    EventKind
	Attempt string

	State State                  // StateChanged
	Info  string                 // SecurityActivated
	Trust *security.TrustRequest // TrustDecisionRequired
	Need  sasl.Need              // NeedCredentials
	JID   string                 // Authenticated

	Warning Warning // Warning

	Err   error                // Error
	Class ncerr.Classification // Error
}
