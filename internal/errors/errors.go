// Package errors provides domain-specific error types for jabconn.
//
// These types carry structured context (phase, address, sub-reason) that
// the classifier in classify.go turns into a stable taxonomy plus a
// reconnect verdict.  Callers inspect them with As/Is.
package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected = errors.New("not connected")
	ErrBusy         = errors.New("connection attempt already in progress")
	ErrPeerClosed   = errors.New("peer closed the stream")
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailed   = errors.New("authentication failed")
)

// ── Transport ────────────────────────────────────────────────────────

// TransportKind narrows down why a transport could not be established.
type TransportKind int

const (
	KindUnknown TransportKind = iota
	KindRefused
	KindDNS
	KindUnreachable
	KindTimeout
	KindProxyRejected
	KindPoll
	KindClosed
)

func (k TransportKind) String() string {
	switch k {
	case KindRefused:
		return "connection refused"
	case KindDNS:
		return "dns failure"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindProxyRejected:
		return "proxy rejected"
	case KindPoll:
		return "poll endpoint error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportError represents a failure to reach the server, either
// directly or through a proxy.
type TransportError struct {
	Kind   TransportKind
	Op     string // "dial", "connect", "socks", "poll", "ssh"
	Addr   string
	Status int // HTTP status for proxy and poll failures, 0 otherwise
	Err    error
}

func (e *TransportError) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Op, e.Addr, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TransportError) Unwrap() error { return e.Err }

// Wrap creates a TransportError, detecting the kind from the
// underlying error.
func Wrap(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Kind: transportKind(err), Err: err}
}

// NewProxyRejected creates a TransportError for a proxy that answered but
// refused to relay.
func NewProxyRejected(op, addr string, status int, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Kind: KindProxyRejected, Status: status, Err: err}
}

// transportKind inspects standard library error types.
func transportKind(err error) TransportKind {
	if err == nil {
		return KindUnknown
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return KindClosed
	}
	return KindUnreachable
}

// ── TLS ──────────────────────────────────────────────────────────────

// TLSReason preserves the sub-reason of a TLS failure.
type TLSReason string

const (
	TLSHandshake     TLSReason = "handshake"
	TLSExpired       TLSReason = "expired"
	TLSSelfSigned    TLSReason = "self-signed"
	TLSHostMismatch  TLSReason = "host-mismatch"
	TLSUnknownIssuer TLSReason = "unknown-issuer"
	TLSRevoked       TLSReason = "revoked"
	TLSUnknown       TLSReason = "unknown"
)

// TLSError represents a handshake failure or a rejected certificate.
type TLSError struct {
	Host     string
	Reason   TLSReason
	Rejected bool // true when the trust decision said no
	Err      error
}

func (e *TLSError) Error() string {
	what := "tls handshake"
	if e.Rejected {
		what = "tls trust rejected"
	}
	s := fmt.Sprintf("%s %s: %s", what, e.Host, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TLSError) Unwrap() error { return e.Err }

// ── Protocol ─────────────────────────────────────────────────────────

// ProtocolError represents malformed or unexpected stream data, or a
// stream-level error condition sent by the peer.
type ProtocolError struct {
	Condition string // stream error condition, e.g. "system-shutdown"
	Text      string
	Err       error
}

func (e *ProtocolError) Error() string {
	s := "protocol"
	if e.Condition != "" {
		s += " " + e.Condition
	}
	if e.Text != "" {
		s += ": " + e.Text
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ── Authentication ───────────────────────────────────────────────────

// AuthError represents a credential rejection or missing credential
// fields.  Missing is non-empty only for the latter.
type AuthError struct {
	Mechanism string
	Condition string
	Missing   []string
}

func (e *AuthError) Error() string {
	if len(e.Missing) > 0 {
		return "auth: missing " + strings.Join(e.Missing, ", ")
	}
	s := "auth"
	if e.Mechanism != "" {
		s += " " + e.Mechanism
	}
	if e.Condition != "" {
		return s + ": " + e.Condition
	}
	return s + ": " + ErrAuthFailed.Error()
}

func (e *AuthError) Unwrap() error {
	if len(e.Missing) > 0 {
		return nil
	}
	return ErrAuthFailed
}

// SessionBindError represents a failed session establishment after
// authentication.  Kept apart from AuthError on purpose: the credentials
// were accepted.
type SessionBindError struct {
	Condition string
	Err       error
}

func (e *SessionBindError) Error() string {
	s := "session bind failed"
	if e.Condition != "" {
		s += ": " + e.Condition
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *SessionBindError) Unwrap() error { return e.Err }

// ── Configuration ────────────────────────────────────────────────────

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use jabconn/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
