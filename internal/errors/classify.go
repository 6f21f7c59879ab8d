package errors

import (
	"errors"
	"io"
)

// Kind is the consumer-facing failure taxonomy.
type Kind int

const (
	NetworkUnreachable Kind = iota + 1
	ProxyRejected
	TLSTrustRejected
	TLSProtocolError
	AuthFailed
	AuthParamsMissing
	SessionBindFailed
	PeerClosed
	ProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case NetworkUnreachable:
		return "network-unreachable"
	case ProxyRejected:
		return "proxy-rejected"
	case TLSTrustRejected:
		return "tls-trust-rejected"
	case TLSProtocolError:
		return "tls-protocol-error"
	case AuthFailed:
		return "auth-failed"
	case AuthParamsMissing:
		return "auth-params-missing"
	case SessionBindFailed:
		return "session-bind-failed"
	case PeerClosed:
		return "peer-closed"
	case ProtocolViolation:
		return "protocol-violation"
	default:
		return "unknown"
	}
}

// Classification is the verdict handed to the consumer together with
// the terminal error.
type Classification struct {
	Kind             Kind
	ReconnectAdvised bool
}

// transientConditions are stream error conditions that describe the
// server going away rather than the client doing something wrong.
var transientConditions = map[string]bool{
	"system-shutdown":          true,
	"connection-timeout":       true,
	"remote-connection-failed": true,
	"reset":                    true,
}

// Classify maps err onto the taxonomy.  It performs no I/O and depends
// only on err, so equal inputs always yield equal outputs.
func Classify(err error) Classification {
	var (
		te  *TransportError
		tle *TLSError
		ae  *AuthError
		sbe *SessionBindError
		pe  *ProtocolError
		ce  *ConfigError
	)
	switch {
	case err == nil:
		return Classification{}
	case errors.As(err, &tle):
		if tle.Rejected {
			return Classification{Kind: TLSTrustRejected}
		}
		return Classification{Kind: TLSProtocolError}
	case errors.As(err, &te):
		if te.Kind == KindProxyRejected {
			return Classification{Kind: ProxyRejected}
		}
		if te.Kind == KindPoll && te.Status >= 400 && te.Status < 500 {
			return Classification{Kind: ProxyRejected}
		}
		return Classification{Kind: NetworkUnreachable, ReconnectAdvised: true}
	case errors.As(err, &ae):
		if len(ae.Missing) > 0 {
			return Classification{Kind: AuthParamsMissing}
		}
		return Classification{Kind: AuthFailed}
	case errors.As(err, &sbe):
		return Classification{Kind: SessionBindFailed, ReconnectAdvised: true}
	case errors.Is(err, ErrPeerClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Classification{Kind: PeerClosed, ReconnectAdvised: true}
	case errors.As(err, &pe):
		return Classification{Kind: ProtocolViolation, ReconnectAdvised: transientConditions[pe.Condition]}
	case errors.As(err, &ce):
		return Classification{Kind: ProtocolViolation}
	default:
		return Classification{Kind: NetworkUnreachable, ReconnectAdvised: true}
	}
}

// IsRetryable reports whether reconnecting after err is worthwhile.
func IsRetryable(err error) bool {
	return Classify(err).ReconnectAdvised
}
