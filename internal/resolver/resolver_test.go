package resolver

import (
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"jabconn/config"
	"jabconn/internal/account"
	ncerr "jabconn/internal/errors"
)

func addr(host string, port int) account.Address {
	return account.Address{
		JID:  account.JID{User: "alice", Domain: "example.com"},
		Host: host,
		Port: port,
	}
}

func TestResolve_HostSelection(t *testing.T) {
	tests := []struct {
		name     string
		addr     account.Address
		mode     account.Mode
		wantHost string
		wantPort int
		wantUse  bool
		wantTLS  bool
	}{
		{"domain default", addr("", 0), account.ModeModern, "example.com", 5222, false, false},
		{"override modern", addr("xmpp.example.net", 5269), account.ModeModern, "xmpp.example.net", 5269, true, false},
		{"override legacy no probe", addr("xmpp.example.net", 5000), account.ModeLegacy, "xmpp.example.net", 5000, true, false},
		{"override without port", addr("xmpp.example.net", 0), account.ModeModern, "xmpp.example.net", 5222, true, false},
		{
			"direct ssl domain",
			account.Address{JID: account.JID{Domain: "example.com"}, DirectSSL: true},
			account.ModeModern, "example.com", 5223, false, true,
		},
		{
			"probe modern keeps override",
			account.Address{JID: account.JID{Domain: "example.com"}, Host: "h", Port: 443, LegacySSLProbe: true},
			account.ModeModern, "h", 443, true, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(tt.addr, config.ProxySpec{}, tt.mode)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if plan.Host != tt.wantHost || plan.Port != tt.wantPort {
				t.Errorf("target = %s:%d, want %s:%d", plan.Host, plan.Port, tt.wantHost, tt.wantPort)
			}
			if plan.UseHost != tt.wantUse {
				t.Errorf("UseHost = %v, want %v", plan.UseHost, tt.wantUse)
			}
			if plan.DirectTLS != tt.wantTLS {
				t.Errorf("DirectTLS = %v, want %v", plan.DirectTLS, tt.wantTLS)
			}
		})
	}
}

// TestResolve_LegacyProbeIgnoresOverride pins the asymmetry: in legacy
// mode the probe always drops an explicit host override.
func TestResolve_LegacyProbeIgnoresOverride(t *testing.T) {
	for _, port := range []int{0, 443, 5222, 5223} {
		for _, direct := range []bool{false, true} {
			a := addr("override.example.net", port)
			a.LegacySSLProbe = true
			a.DirectSSL = direct

			plan, err := Resolve(a, config.ProxySpec{}, account.ModeLegacy)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if plan.UseHost {
				t.Errorf("port=%d direct=%v: override should be ignored", port, direct)
			}
			if plan.Host != "example.com" || plan.Port != 5223 {
				t.Errorf("port=%d direct=%v: got %s, want example.com:5223", port, direct, plan.Target())
			}
		}
	}
}

func TestResolve_EmptyDomain(t *testing.T) {
	_, err := Resolve(account.Address{Host: "h"}, config.ProxySpec{}, account.ModeModern)
	var ce *ncerr.ConfigError
	if !ncerr.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestResolve_InvalidProxy(t *testing.T) {
	_, err := Resolve(addr("", 0), config.ProxySpec{Kind: config.ProxyHTTP}, account.ModeModern)
	if err == nil {
		t.Fatal("expected error for proxy without host")
	}
}

func TestResolve_PollURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no query", "http://proxy.example.com/http-poll/", "http://proxy.example.com/http-poll/?server=example.com:5222"},
		{"existing query", "http://proxy.example.com/poll?server=other:1", "http://proxy.example.com/poll?server=other:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := config.ProxySpec{Kind: config.ProxyPoll, Host: "proxy.example.com", Port: 80, URL: tt.url}
			plan, err := Resolve(addr("", 0), proxy, account.ModeModern)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if plan.PollURL != tt.want {
				t.Errorf("PollURL = %q, want %q", plan.PollURL, tt.want)
			}
			if !strings.Contains(plan.PollURL, "server=") {
				t.Error("poll url lacks server parameter")
			}
			if plan.Proxy.PollInterval != config.DefaultPollInterval {
				t.Errorf("PollInterval = %v, want default", plan.Proxy.PollInterval)
			}
		})
	}
}

func TestPollURL_ServerParam(t *testing.T) {
	got, err := PollURL("https://p.example/poll", "xmpp.example.com", 5223)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if s := u.Query().Get("server"); s != "xmpp.example.com:5223" {
		t.Errorf("server = %q", s)
	}
}

// TestResolve_DoesNotMutateInputs covers every proxy variant.
func TestResolve_DoesNotMutateInputs(t *testing.T) {
	proxies := []config.ProxySpec{
		{},
		{Kind: config.ProxyHTTP, Host: "p", Port: 3128, User: "u", Pass: "p"},
		{Kind: config.ProxySOCKS, Host: "p", Port: 1080},
		{Kind: config.ProxyPoll, Host: "p", Port: 80, URL: "http://p/poll"},
		{Kind: config.ProxyPoll, Host: "p", Port: 80, URL: "http://p/poll?a=b", PollInterval: time.Second},
		{Kind: config.ProxySSH, Host: "gw", Port: 22, User: "ops"},
	}
	addrs := []account.Address{
		addr("", 0),
		addr("h", 5223),
		{JID: account.JID{User: "a", Domain: "d", Resource: "r"}, Host: "h", Port: 1, LegacySSLProbe: true, DirectSSL: true},
	}

	for _, p := range proxies {
		for _, a := range addrs {
			for _, mode := range []account.Mode{account.ModeModern, account.ModeLegacy} {
				pCopy, aCopy := p, a
				if _, err := Resolve(a, p, mode); err != nil {
					t.Fatalf("Resolve(%v, %v): %v", a, p, err)
				}
				if !reflect.DeepEqual(p, pCopy) || !reflect.DeepEqual(a, aCopy) {
					t.Errorf("inputs mutated for proxy %v", p)
				}
			}
		}
	}
}
