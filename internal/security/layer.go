package security

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// Reason explains a trust verdict.
type Reason int

const (
	ReasonValid Reason = iota
	ReasonExpired
	ReasonSelfSigned
	ReasonHostMismatch
	ReasonUnknownIssuer
	ReasonRevoked
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonValid:
		return "valid"
	case ReasonExpired:
		return "expired"
	case ReasonSelfSigned:
		return "self-signed"
	case ReasonHostMismatch:
		return "host-mismatch"
	case ReasonUnknownIssuer:
		return "unknown-issuer"
	case ReasonRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// TLSReason maps r onto the error package's sub-reason.
func (r Reason) TLSReason() ncerr.TLSReason {
	switch r {
	case ReasonExpired:
		return ncerr.TLSExpired
	case ReasonSelfSigned:
		return ncerr.TLSSelfSigned
	case ReasonHostMismatch:
		return ncerr.TLSHostMismatch
	case ReasonUnknownIssuer:
		return ncerr.TLSUnknownIssuer
	case ReasonRevoked:
		return ncerr.TLSRevoked
	default:
		return ncerr.TLSUnknown
	}
}

// Verdict is the outcome of checking a chain.
type Verdict struct {
	Reason Reason
	Detail string
}

// Valid reports whether the chain needs no trust decision.
func (v Verdict) Valid() bool { return v.Reason == ReasonValid }

func (v Verdict) String() string {
	if v.Detail == "" {
		return v.Reason.String()
	}
	return v.Reason.String() + ": " + v.Detail
}

// TrustRequest is what a decider is asked about.
type TrustRequest struct {
	Host    string
	Chain   []*x509.Certificate
	Verdict Verdict
}

// Result is a completed handshake.  The connection must not carry
// stream data until the verdict is valid or a decider accepted it.
type Result struct {
	Conn    *tls.Conn
	Host    string
	Chain   []*x509.Certificate
	Verdict Verdict
	State   tls.ConnectionState
}

// Request returns the trust request for r.
func (r *Result) Request() TrustRequest {
	return TrustRequest{Host: r.Host, Chain: r.Chain, Verdict: r.Verdict}
}

// Info is a one-line summary for logs and events.
func (r *Result) Info() string {
	return fmt.Sprintf("%s %s", tls.VersionName(r.State.Version), tls.CipherSuiteName(r.State.CipherSuite))
}

// Layer performs TLS handshakes against a shared root store.
type Layer struct {
	roots   RootStore
	revoked map[string]bool
	now     func() time.Time
	logger  *util.Logger
}

// Option configures a Layer.
type Option func(*Layer)

// WithRevoked marks certificate serial numbers (hex, case and colons
// ignored) as revoked.
func WithRevoked(serials ...string) Option {
	return func(l *Layer) {
		for _, s := range serials {
			if s = normalizeSerial(s); s != "" {
				l.revoked[s] = true
			}
		}
	}
}

// WithLogger sets the layer's logger.
func WithLogger(lg *util.Logger) Option {
	return func(l *Layer) { l.logger = lg }
}

// WithClock overrides the time used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// NewLayer returns a Layer verifying against roots.
func NewLayer(roots RootStore, opts ...Option) *Layer {
	l := &Layer{roots: roots, revoked: make(map[string]bool), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handshake runs a TLS client handshake over conn and evaluates the
// peer chain for serverName.  Built-in verification is disabled so an
// untrusted chain still yields a Result; the caller decides what to do
// with a non-valid verdict.  On error conn is left open.
func (l *Layer) Handshake(ctx context.Context, conn net.Conn, serverName string) (*Result, error) {
	tc := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // verified below against the root store
		MinVersion:         tls.VersionTLS12,
	})
	l.logger.Debug("tls: handshake with %s", serverName)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, &ncerr.TLSError{Host: serverName, Reason: ncerr.TLSHandshake, Err: err}
	}

	state := tc.ConnectionState()
	res := &Result{
		Conn:  tc,
		Host:  serverName,
		Chain: state.PeerCertificates,
		State: state,
	}
	res.Verdict = l.Evaluate(state.PeerCertificates, serverName)
	l.logger.Verbose("tls: %s, certificate %s", res.Info(), res.Verdict)
	return res, nil
}

// Evaluate checks chain against the current roots, the revocation list
// and the expected host.
func (l *Layer) Evaluate(chain []*x509.Certificate, host string) Verdict {
	if len(chain) == 0 {
		return Verdict{Reason: ReasonUnknown, Detail: "no peer certificate"}
	}
	for _, c := range chain {
		if l.revoked[normalizeSerial(c.SerialNumber.Text(16))] {
			return Verdict{Reason: ReasonRevoked, Detail: "serial " + c.SerialNumber.Text(16)}
		}
	}

	leaf := chain[0]
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	var roots *x509.CertPool
	if l.roots != nil {
		roots = l.roots.Roots()
	}
	if roots == nil {
		roots = x509.NewCertPool()
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   l.now(),
	})
	if err == nil {
		return Verdict{Reason: ReasonValid}
	}
	return Verdict{Reason: reasonFor(err, leaf), Detail: err.Error()}
}

func reasonFor(err error, leaf *x509.Certificate) Reason {
	var (
		invalid x509.CertificateInvalidError
		hostErr x509.HostnameError
		authErr x509.UnknownAuthorityError
	)
	switch {
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return ReasonExpired
		}
		return ReasonUnknown
	case errors.As(err, &hostErr):
		return ReasonHostMismatch
	case errors.As(err, &authErr):
		if selfSigned(leaf) {
			return ReasonSelfSigned
		}
		return ReasonUnknownIssuer
	default:
		return ReasonUnknown
	}
}

func selfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}

func normalizeSerial(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	return strings.TrimLeft(s, "0")
}
