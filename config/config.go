// Package config defines the runtime configuration for jabconn and
// provides the proxy registry and its validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	ncerr "jabconn/internal/errors"
)

// Config holds every tuneable for a single jabconn run.
type Config struct {
	// ── Account ──────────────────────────────────────────────────────
	JID            string // user@domain[/resource]
	Password       string
	Realm          string
	PromptPassword bool
	Anonymous      bool

	// ── Connection ───────────────────────────────────────────────────
	Host           string // explicit host override
	Port           int
	LegacySSLProbe bool
	DirectSSL      bool
	StartTLS       bool
	Legacy         bool // legacy (pre-1.0) protocol mode
	AllowPlain     bool
	Timeout        time.Duration

	// ── Proxy ────────────────────────────────────────────────────────
	ProxyFile  string
	ProxyIndex int // 1-based index into the registry, 0 = none

	// ── Trust ────────────────────────────────────────────────────────
	Trust          string // ask, accept, reject
	CAFile         string
	CADir          string
	WatchCA        bool
	RevokedSerials []string

	// ── Reconnect ────────────────────────────────────────────────────
	Reconnect        bool
	MaxReconnects    int
	ReconnectBackoff time.Duration

	// ── Output ───────────────────────────────────────────────────────
	MetricsListen string
	Verbose       int
}

// Trust policies accepted by --trust.
const (
	TrustAsk    = "ask"
	TrustAccept = "accept"
	TrustReject = "reject"
)

// ── Proxy registry types ─────────────────────────────────────────────

// ProxyKind selects one transport variant.
type ProxyKind string

const (
	ProxyNone   ProxyKind = ""
	ProxyHTTP   ProxyKind = "http"
	ProxySOCKS  ProxyKind = "socks"
	ProxyPoll   ProxyKind = "poll"
	ProxySSH    ProxyKind = "ssh"
	proxyNoneKw ProxyKind = "none"
)

// ProxySpec describes how to reach the server through an intermediary.
// Exactly one Kind is active per attempt.
type ProxySpec struct {
	Name         string        `yaml:"name"`
	Kind         ProxyKind     `yaml:"type"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	URL          string        `yaml:"url,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	User         string        `yaml:"user,omitempty"`
	Pass         string        `yaml:"pass,omitempty"`

	// SSH gateway options.
	KeyPath    string `yaml:"key,omitempty"`
	UseAgent   bool   `yaml:"agent,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

// UseAuth reports whether proxy credentials should be sent.
func (p ProxySpec) UseAuth() bool { return p.User != "" }

// Validate checks the variant-specific fields.
func (p ProxySpec) Validate() error {
	switch p.Kind {
	case ProxyNone, proxyNoneKw:
		return nil
	case ProxyHTTP, ProxySOCKS, ProxySSH:
		if p.Host == "" {
			return &ncerr.ConfigError{Field: "proxy", Value: p.Name, Message: string(p.Kind) + " proxy needs a host"}
		}
		if p.Port < 1 || p.Port > 65535 {
			return &ncerr.ConfigError{Field: "proxy", Value: p.Port, Message: "proxy port out of range 1-65535"}
		}
		return nil
	case ProxyPoll:
		if p.URL == "" {
			return &ncerr.ConfigError{Field: "proxy", Value: p.Name, Message: "poll proxy needs a url"}
		}
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &ncerr.ConfigError{Field: "proxy", Value: p.URL, Message: "poll url must be http or https"}
		}
		if p.PollInterval < 0 {
			return &ncerr.ConfigError{Field: "proxy", Value: p.PollInterval, Message: "poll interval must not be negative"}
		}
		return nil
	default:
		return &ncerr.ConfigError{
			Field:   "proxy",
			Value:   p.Kind,
			Message: "unknown proxy type",
			Hint:    "use one of http, socks, poll, ssh",
		}
	}
}

// IsNone reports whether p selects a direct connection.
func (p ProxySpec) IsNone() bool { return p.Kind == ProxyNone || p.Kind == proxyNoneKw }

func (p ProxySpec) String() string {
	if p.IsNone() {
		return "direct"
	}
	if p.Kind == ProxyPoll {
		return fmt.Sprintf("poll %s", p.URL)
	}
	return fmt.Sprintf("%s %s:%d", p.Kind, p.Host, p.Port)
}

// ── JID helpers ──────────────────────────────────────────────────────

// SplitJID breaks "user@domain/resource" into its parts.  The user and
// resource are optional.
func SplitJID(s string) (user, domain, resource string, err error) {
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		resource = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		user = rest[:i]
		rest = rest[i+1:]
	}
	domain = strings.ToLower(rest)
	if domain == "" {
		return "", "", "", &ncerr.ConfigError{Field: "jid", Value: s, Message: "domain is required", Hint: "use user@example.com[/resource]"}
	}
	return user, domain, resource, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.JID == "" {
		return &ncerr.ConfigError{Field: "jid", Message: "account JID is required (use --help for usage)"}
	}
	if _, _, _, err := SplitJID(c.JID); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ncerr.ConfigError{Field: "port", Value: c.Port, Message: "out of range 0-65535"}
	}
	if c.Port != 0 && c.Host == "" {
		return &ncerr.ConfigError{Field: "port", Value: c.Port, Message: "requires --host"}
	}
	if c.DirectSSL && c.StartTLS {
		return &ncerr.ConfigError{Field: "starttls", Message: "--direct-ssl and --starttls are mutually exclusive"}
	}
	if c.Anonymous && (c.Password != "" || c.PromptPassword) {
		return &ncerr.ConfigError{Field: "anonymous", Message: "anonymous login takes no password"}
	}
	switch c.Trust {
	case "", TrustAsk, TrustAccept, TrustReject:
	default:
		return &ncerr.ConfigError{Field: "trust", Value: c.Trust, Message: "unknown trust policy", Hint: "use ask, accept or reject"}
	}
	if c.ProxyIndex < 0 {
		return &ncerr.ConfigError{Field: "proxy", Value: c.ProxyIndex, Message: "index must be 0 (none) or positive"}
	}
	if c.ProxyIndex > 0 && c.ProxyFile == "" {
		return &ncerr.ConfigError{Field: "proxy", Value: c.ProxyIndex, Message: "requires --proxy-file"}
	}
	return nil
}
