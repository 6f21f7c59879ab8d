package errors

import (
	"fmt"
	"io"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		reconnect bool
	}{
		{"refused", &TransportError{Kind: KindRefused}, NetworkUnreachable, true},
		{"dns", &TransportError{Kind: KindDNS}, NetworkUnreachable, true},
		{"proxy 407", NewProxyRejected("connect", "proxy:3128", 407, nil), ProxyRejected, false},
		{"poll 403", &TransportError{Kind: KindPoll, Status: 403}, ProxyRejected, false},
		{"poll 502", &TransportError{Kind: KindPoll, Status: 502}, NetworkUnreachable, true},
		{"trust rejected", &TLSError{Reason: TLSExpired, Rejected: true}, TLSTrustRejected, false},
		{"handshake", &TLSError{Reason: TLSHandshake}, TLSProtocolError, false},
		{"auth failed", &AuthError{Condition: "not-authorized"}, AuthFailed, false},
		{"auth missing", &AuthError{Missing: []string{"realm"}}, AuthParamsMissing, false},
		{"session bind", &SessionBindError{Condition: "internal-server-error"}, SessionBindFailed, true},
		{"peer closed", ErrPeerClosed, PeerClosed, true},
		{"eof", io.EOF, PeerClosed, true},
		{"wrapped peer closed", fmt.Errorf("read: %w", ErrPeerClosed), PeerClosed, true},
		{"stream shutdown", &ProtocolError{Condition: "system-shutdown"}, ProtocolViolation, true},
		{"stream conflict", &ProtocolError{Condition: "conflict"}, ProtocolViolation, false},
		{"config", &ConfigError{Field: "jid", Message: "x"}, ProtocolViolation, false},
		{"unknown", fmt.Errorf("boom"), NetworkUnreachable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.ReconnectAdvised != tt.reconnect {
				t.Errorf("ReconnectAdvised = %v, want %v", got.ReconnectAdvised, tt.reconnect)
			}
		})
	}
}

// TestClassify_Stable verifies the classifier is a pure function of
// its input.
func TestClassify_Stable(t *testing.T) {
	inputs := []error{
		&TransportError{Kind: KindTimeout},
		&TLSError{Reason: TLSSelfSigned, Rejected: true},
		&AuthError{Missing: []string{"password"}},
		&ProtocolError{Condition: "reset"},
		ErrPeerClosed,
	}
	for _, err := range inputs {
		first := Classify(err)
		for i := 0; i < 50; i++ {
			if got := Classify(err); got != first {
				t.Fatalf("Classify(%v) changed: %+v then %+v", err, first, got)
			}
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != (Classification{}) {
		t.Errorf("Classify(nil) = %+v, want zero", got)
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestKind_String(t *testing.T) {
	if got := TLSTrustRejected.String(); got != "tls-trust-rejected" {
		t.Errorf("got %q", got)
	}
	if got := Kind(0).String(); got != "unknown" {
		t.Errorf("got %q", got)
	}
}
