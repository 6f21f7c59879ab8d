package config

// proxies.go - the proxy registry file.
//
// The registry is a YAML document listing proxies; an account selects
// one by its 1-based position, 0 meaning a direct connection:
//
//	proxies:
//	  - name: office
//	    type: http
//	    host: proxy.example.com
//	    port: 3128
//	    user: alice
//	    pass: secret
//	  - name: poller
//	    type: poll
//	    host: proxy.example.com
//	    port: 80
//	    url: http://proxy.example.com/http-poll/
//	    poll_interval: 2s

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	ncerr "jabconn/internal/errors"
)

// Registry holds the proxies available to a run.
type Registry struct {
	Proxies []ProxySpec `yaml:"proxies"`
}

// LoadRegistry reads and validates a registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxy registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes registry YAML and fills per-kind defaults.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, &ncerr.ConfigError{Field: "proxy-file", Message: err.Error()}
	}
	for i := range reg.Proxies {
		p := &reg.Proxies[i]
		if p.Kind == proxyNoneKw {
			p.Kind = ProxyNone
		}
		if p.Kind == ProxyPoll && p.PollInterval == 0 {
			p.PollInterval = DefaultPollInterval
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("proxy %d (%s): %w", i+1, p.Name, err)
		}
	}
	return &reg, nil
}

// Get returns the proxy at the 1-based index; 0 selects no proxy.
func (r *Registry) Get(index int) (ProxySpec, error) {
	if index == 0 {
		return ProxySpec{}, nil
	}
	if r == nil || index < 0 || index > len(r.Proxies) {
		n := 0
		if r != nil {
			n = len(r.Proxies)
		}
		return ProxySpec{}, &ncerr.ConfigError{
			Field:   "proxy",
			Value:   index,
			Message: fmt.Sprintf("no such proxy (registry has %d)", n),
		}
	}
	return r.Proxies[index-1], nil
}
