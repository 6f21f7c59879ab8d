package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the proxy registry, and environment variable
// loading.

const (
	// DefaultClientPort is the standard XMPP client port.
	DefaultClientPort = 5222

	// DefaultLegacySSLPort is the port used for direct TLS connections.
	DefaultLegacySSLPort = 5223

	// DefaultPollInterval is the delay between HTTP poll requests.
	DefaultPollInterval = 2 * time.Second

	// DefaultConnTimeout is the TCP dial timeout.  Handshake phases have
	// no timeout of their own.
	DefaultConnTimeout = 30 * time.Second

	// DefaultMaxReconnectAttempts is how many times to reconnect after a
	// failure the classifier marks as retryable.
	DefaultMaxReconnectAttempts = 10

	// DefaultReconnectBackoff is the initial delay between reconnects.
	DefaultReconnectBackoff = 2 * time.Second

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// reconnection attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second

	// DefaultResource is used when the JID carries no resource.
	DefaultResource = "jabconn"
)
