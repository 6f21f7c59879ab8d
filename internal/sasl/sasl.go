// Package sasl implements the client side of the SASL mechanisms an
// XMPP server commonly offers.  Mechanisms are single-use.
package sasl

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// Mechanism names.
const (
	ScramSHA1 = "SCRAM-SHA-1"
	DigestMD5 = "DIGEST-MD5"
	Plain     = "PLAIN"
	Anonymous = "ANONYMOUS"
)

// ErrNoMechanism is returned when nothing offered is usable.
var ErrNoMechanism = errors.New("sasl: no usable mechanism offered")

// Mechanism drives one SASL exchange.
type Mechanism interface {
	Name() string
	// Start returns the initial response, nil for none.
	Start() ([]byte, error)
	// Next answers a server challenge.
	Next(challenge []byte) ([]byte, error)
	// Finish checks the additional data sent with success.
	Finish(data []byte) error
}

// Need names the credential fields a mechanism requires.
type Need struct {
	User     bool
	Password bool
	Realm    bool
}

// Any reports whether any field is needed.
func (n Need) Any() bool { return n.User || n.Password || n.Realm }

// Credentials feed a mechanism.  Host is the server domain, used in
// digest URIs together with Service ("xmpp" when empty).
type Credentials struct {
	Username string
	Password string
	Realm    string
	Host     string
	Service  string

	// Nonce overrides the client nonce; tests only.
	Nonce func() string
}

func (c Credentials) nonce() string {
	if c.Nonce != nil {
		return c.Nonce()
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("sasl: nonce: %v", err))
	}
	return hex.EncodeToString(b)
}

// Preferences steer Choose.
type Preferences struct {
	// Secure is true when the stream runs over TLS.
	Secure bool
	// AllowPlain permits PLAIN on an insecure stream.
	AllowPlain bool
	// Anonymous requests ANONYMOUS.
	Anonymous bool
}

var preference = []string{ScramSHA1, DigestMD5, Plain}

// Choose picks the strongest usable mechanism among offered.
func Choose(offered []string, p Preferences) (string, error) {
	if p.Anonymous {
		if slices.Contains(offered, Anonymous) {
			return Anonymous, nil
		}
		return "", ErrNoMechanism
	}
	for _, m := range preference {
		if !slices.Contains(offered, m) {
			continue
		}
		if m == Plain && !p.Secure && !p.AllowPlain {
			continue
		}
		return m, nil
	}
	return "", ErrNoMechanism
}

// Requirements returns what mechanism needs from the credentials.
func Requirements(mechanism string) Need {
	switch mechanism {
	case ScramSHA1, Plain:
		return Need{User: true, Password: true}
	case DigestMD5:
		return Need{User: true, Password: true, Realm: true}
	default:
		return Need{}
	}
}

// New returns a fresh mechanism.
func New(mechanism string, c Credentials) (Mechanism, error) {
	switch mechanism {
	case ScramSHA1:
		return &scram{creds: c}, nil
	case DigestMD5:
		return &digest{creds: c}, nil
	case Plain:
		return &plain{creds: c}, nil
	case Anonymous:
		return anonymous{}, nil
	default:
		return nil, fmt.Errorf("sasl: unsupported mechanism %q", mechanism)
	}
}

// ── PLAIN ────────────────────────────────────────────────────────────

type plain struct{ creds Credentials }

func (p *plain) Name() string { return Plain }

func (p *plain) Start() ([]byte, error) {
	return []byte("\x00" + p.creds.Username + "\x00" + p.creds.Password), nil
}

func (p *plain) Next([]byte) ([]byte, error) {
	return nil, errors.New("sasl: PLAIN got an unexpected challenge")
}

func (p *plain) Finish([]byte) error { return nil }

// ── ANONYMOUS ────────────────────────────────────────────────────────

type anonymous struct{}

func (anonymous) Name() string                { return Anonymous }
func (anonymous) Start() ([]byte, error)      { return nil, nil }
func (anonymous) Next([]byte) ([]byte, error) { return []byte{}, nil }
func (anonymous) Finish([]byte) error         { return nil }
