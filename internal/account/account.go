// Package account holds the identity and addressing inputs of a
// connection attempt.  Values here are plain data: the resolver and
// the session copy them and never write back.
package account

import (
	"jabconn/config"
)

// Mode selects between the two handshake variants of the protocol.
type Mode int

const (
	// ModeModern negotiates stream features, SASL and resource binding.
	ModeModern Mode = iota
	// ModeLegacy uses pre-1.0 streams with jabber:iq:auth.
	ModeLegacy
)

func (m Mode) String() string {
	if m == ModeLegacy {
		return "legacy"
	}
	return "modern"
}

// JID is an account identity.
type JID struct {
	User     string
	Domain   string
	Resource string
}

// ParseJID parses "user@domain/resource".
func ParseJID(s string) (JID, error) {
	user, domain, resource, err := config.SplitJID(s)
	if err != nil {
		return JID{}, err
	}
	return JID{User: user, Domain: domain, Resource: resource}, nil
}

// Bare returns user@domain.
func (j JID) Bare() string {
	if j.User == "" {
		return j.Domain
	}
	return j.User + "@" + j.Domain
}

func (j JID) String() string {
	if j.Resource == "" {
		return j.Bare()
	}
	return j.Bare() + "/" + j.Resource
}

// Address is everything needed to decide where and how to connect.
type Address struct {
	JID JID

	// Host and Port override DNS-derived addressing when Host is set.
	Host string
	Port int

	LegacySSLProbe bool
	DirectSSL      bool
	StartTLS       bool
	AllowPlain     bool
	Mode           Mode
}

// Credentials are supplied by the consumer and consulted only for the
// fields the server asks for.
type Credentials struct {
	Username string
	Password string
	Realm    string
}
