package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the JABCONN_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("JABCONN_JID"); v != "" {
		cfg.JID = v
	}
	if v := os.Getenv("JABCONN_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("JABCONN_REALM"); v != "" {
		cfg.Realm = v
	}
	if v := os.Getenv("JABCONN_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("JABCONN_PORT"); v > 0 {
		cfg.Port = v
	}
	if envBool("JABCONN_LEGACY") {
		cfg.Legacy = true
	}
	if envBool("JABCONN_DIRECT_SSL") {
		cfg.DirectSSL = true
	}
	if envBool("JABCONN_STARTTLS") {
		cfg.StartTLS = true
	}
	if envBool("JABCONN_SSL_PROBE") {
		cfg.LegacySSLProbe = true
	}
	if v := envInt("JABCONN_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}

	// Proxy
	if v := os.Getenv("JABCONN_PROXY_FILE"); v != "" {
		cfg.ProxyFile = v
	}
	if v := envInt("JABCONN_PROXY"); v > 0 {
		cfg.ProxyIndex = v
	}

	// Trust
	if v := os.Getenv("JABCONN_TRUST"); v != "" {
		cfg.Trust = strings.ToLower(v)
	}
	if v := os.Getenv("JABCONN_CA_FILE"); v != "" {
		cfg.CAFile = v
	}
	if v := os.Getenv("JABCONN_CA_DIR"); v != "" {
		cfg.CADir = v
	}

	// Reconnect
	if envBool("JABCONN_RECONNECT") {
		cfg.Reconnect = true
	}
	if v := envInt("JABCONN_MAX_RECONNECTS"); v > 0 {
		cfg.MaxReconnects = v
	}

	// Output
	if v := os.Getenv("JABCONN_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := envInt("JABCONN_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
