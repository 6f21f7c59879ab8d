// Package transport establishes the byte stream to the server.  Each
// transport variant (direct TCP, HTTP CONNECT, SOCKS5, HTTP polling and
// an SSH gateway) yields a net.Conn; what travels over it is the
// session's business.
//
// Nothing here retries: every failure is returned as an
// *errors.TransportError and retry policy belongs to the caller.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// plain TCP, proxy dialers that relay through an intermediary, and an
// SSH-tunnelled dialer that routes traffic through an encrypted gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// closerConn ties the lifetime of a dialer to the connection it
// produced, so closing the connection also releases the dialer.
type closerConn struct {
	net.Conn
	dialer Dialer
}

func (c *closerConn) Close() error {
	err := c.Conn.Close()
	if derr := c.dialer.Close(); err == nil {
		err = derr
	}
	return err
}
