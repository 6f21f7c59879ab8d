// Package resolver turns an account address and a proxy selection into
// a concrete transport plan.  It performs no network I/O.
package resolver

import (
	"net/url"
	"strconv"

	"jabconn/config"
	"jabconn/internal/account"
	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// Plan is the resolved transport for one connection attempt.
type Plan struct {
	Host  string
	Port  int
	Proxy config.ProxySpec

	// UseHost is true when an explicit host override is in effect.
	UseHost bool

	// DirectTLS requests a TLS handshake before the stream opens.
	DirectTLS bool

	// PollURL is the effective polling endpoint for poll proxies.
	PollURL string
}

// Target returns "host:port" of the XMPP server.
func (p Plan) Target() string { return util.FormatAddr(p.Host, p.Port) }

// Resolve derives the plan for addr through proxy under mode.  Inputs
// are taken by value and never modified.
//
// An explicit host override wins unless the legacy mode is combined with
// the legacy SSL probe: probing has to work out the host itself, so the
// override is dropped and the host comes from the account domain.
func Resolve(addr account.Address, proxy config.ProxySpec, mode account.Mode) (Plan, error) {
	if addr.JID.Domain == "" {
		return Plan{}, &ncerr.ConfigError{Field: "jid", Message: "domain is required"}
	}
	if addr.Port < 0 || addr.Port > 65535 {
		return Plan{}, &ncerr.ConfigError{Field: "port", Value: addr.Port, Message: "out of range 0-65535"}
	}
	if err := proxy.Validate(); err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Proxy:     proxy,
		DirectTLS: addr.DirectSSL || addr.LegacySSLProbe,
	}

	probeOverrides := mode == account.ModeLegacy && addr.LegacySSLProbe
	if addr.Host != "" && !probeOverrides {
		plan.UseHost = true
		plan.Host = addr.Host
		plan.Port = addr.Port
		if plan.Port == 0 {
			plan.Port = defaultPort(plan.DirectTLS)
		}
	} else {
		plan.Host = addr.JID.Domain
		plan.Port = defaultPort(plan.DirectTLS)
	}

	if proxy.Kind == config.ProxyPoll {
		u, err := PollURL(proxy.URL, plan.Host, plan.Port)
		if err != nil {
			return Plan{}, err
		}
		plan.PollURL = u
		if plan.Proxy.PollInterval == 0 {
			plan.Proxy.PollInterval = config.DefaultPollInterval
		}
	}
	return plan, nil
}

// PollURL adds server=host:port to raw when it carries no query
// parameters yet.
func PollURL(raw, host string, port int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ncerr.ConfigError{Field: "proxy", Value: raw, Message: "invalid poll url"}
	}
	if len(u.Query()) == 0 {
		u.RawQuery = "server=" + url.QueryEscape(host) + ":" + strconv.Itoa(port)
	}
	return u.String(), nil
}

func defaultPort(directTLS bool) int {
	if directTLS {
		return config.DefaultLegacySSLPort
	}
	return config.DefaultClientPort
}
