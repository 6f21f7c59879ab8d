package transport

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// SOCKSDialer relays through a SOCKS5 proxy, with optional
// username/password authentication.
type SOCKSDialer struct {
	ProxyAddr string
	User      string
	Pass      string
	Timeout   time.Duration
	Logger    *util.Logger
}

// Dial performs method negotiation, authentication and the CONNECT
// request for address.
func (d *SOCKSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.User != "" {
		auth = &proxy.Auth{User: d.User, Password: d.Pass}
	}

	fwd := &reachDialer{d: net.Dialer{Timeout: d.Timeout}}
	pd, err := proxy.SOCKS5("tcp", d.ProxyAddr, auth, fwd)
	if err != nil {
		return nil, ncerr.Wrap("socks", d.ProxyAddr, err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, ncerr.Wrap("socks", d.ProxyAddr, ncerr.New("socks dialer lacks context support"))
	}

	d.Logger.Debug("proxy: SOCKS5 connect %s via %s", address, d.ProxyAddr)
	conn, err := cd.DialContext(ctx, network, address)
	if err != nil {
		// The proxy answered but refused; anything earlier is a plain
		// network failure.
		if fwd.reached.Load() && ctx.Err() == nil {
			return nil, ncerr.NewProxyRejected("socks", d.ProxyAddr, 0, err)
		}
		return nil, ncerr.Wrap("socks", d.ProxyAddr, err)
	}
	d.Logger.Verbose("proxy: SOCKS5 tunnel to %s established", address)
	return conn, nil
}

// Close is a no-op; SOCKS dialers hold no state between dials.
func (d *SOCKSDialer) Close() error { return nil }

// reachDialer records whether the TCP connection to the proxy itself
// succeeded, so failures can be attributed to the proxy or the network.
type reachDialer struct {
	d       net.Dialer
	reached atomic.Bool
}

func (r *reachDialer) Dial(network, addr string) (net.Conn, error) {
	return r.DialContext(context.Background(), network, addr)
}

func (r *reachDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := r.d.DialContext(ctx, network, addr)
	if err == nil {
		r.reached.Store(true)
	}
	return conn, err
}
