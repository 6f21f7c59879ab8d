package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// HTTPConnectDialer tunnels TCP through an HTTP proxy with the CONNECT
// method.  Any response other than 2xx is fatal.
type HTTPConnectDialer struct {
	ProxyAddr string
	User      string
	Pass      string
	Forward   Dialer
	Logger    *util.Logger
}

// Dial opens the proxy connection and asks it to relay to address.
func (d *HTTPConnectDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.Forward.Dial(ctx, network, d.ProxyAddr)
	if err != nil {
		return nil, err
	}

	// The handshake honours ctx even though conn I/O does not.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) }) //nolint:errcheck
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	req.Header.Set("User-Agent", "jabconn")
	if d.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.User + ":" + d.Pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	d.Logger.Debug("proxy: CONNECT %s via %s", address, d.ProxyAddr)
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, ncerr.Wrap("connect", d.ProxyAddr, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, ncerr.Wrap("connect", d.ProxyAddr, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		conn.Close()
		return nil, ncerr.NewProxyRejected("connect", d.ProxyAddr, resp.StatusCode,
			fmt.Errorf("proxy answered %q", resp.Status))
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, ncerr.Wrap("connect", d.ProxyAddr, err)
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	d.Logger.Verbose("proxy: tunnel to %s established", address)
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// Close releases the forward dialer.
func (d *HTTPConnectDialer) Close() error { return d.Forward.Close() }

// bufferedConn serves bytes the proxy sent right after its response
// header before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
