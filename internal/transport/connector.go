package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"jabconn/config"
	"jabconn/internal/resolver"
	"jabconn/util"
)

// Connector turns a resolved plan into a connected byte stream.
type Connector struct {
	Timeout time.Duration
	Logger  *util.Logger

	// PollClient overrides the HTTP client used by poll transports.
	PollClient *http.Client

	// Passphrase unlocks encrypted SSH gateway keys.
	Passphrase PassphraseFunc
}

// Connect opens the stream described by plan.  Poll transports return
// immediately; their first round trip happens with the first write.
func (c *Connector) Connect(ctx context.Context, plan resolver.Plan) (net.Conn, error) {
	target := plan.Target()
	p := plan.Proxy
	direct := &TCPDialer{Timeout: c.Timeout}

	switch p.Kind {
	case config.ProxyHTTP:
		d := &HTTPConnectDialer{
			ProxyAddr: util.FormatAddr(p.Host, p.Port),
			User:      p.User,
			Pass:      p.Pass,
			Forward:   direct,
			Logger:    c.Logger,
		}
		return d.Dial(ctx, "tcp", target)

	case config.ProxySOCKS:
		d := &SOCKSDialer{
			ProxyAddr: util.FormatAddr(p.Host, p.Port),
			User:      p.User,
			Pass:      p.Pass,
			Timeout:   c.Timeout,
			Logger:    c.Logger,
		}
		return d.Dial(ctx, "tcp", target)

	case config.ProxySSH:
		d := NewSSHDialer(&SSHConfig{
			User:        p.User,
			Host:        p.Host,
			Port:        p.Port,
			Password:    p.Pass,
			KeyPath:     p.KeyPath,
			UseAgent:    p.UseAgent,
			KnownHosts:  p.KnownHosts,
			ConnTimeout: c.Timeout,
			Passphrase:  c.Passphrase,
		}, c.Logger)
		conn, err := d.Dial(ctx, "tcp", target)
		if err != nil {
			d.Close()
			return nil, err
		}
		return &closerConn{Conn: conn, dialer: d}, nil

	case config.ProxyPoll:
		c.Logger.Verbose("poll: %s every %s", plan.PollURL, p.PollInterval)
		pc, err := NewPollConn(PollOptions{
			URL:       plan.PollURL,
			Interval:  p.PollInterval,
			ProxyHost: p.Host,
			ProxyPort: p.Port,
			User:      p.User,
			Pass:      p.Pass,
			Client:    c.PollClient,
			Logger:    c.Logger,
		})
		if err != nil {
			return nil, err
		}
		return pc, nil

	default:
		c.Logger.Verbose("connecting to %s", target)
		return direct.Dial(ctx, "tcp", target)
	}
}
