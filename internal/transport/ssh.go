package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User        string
	Host        string
	Port        int
	Password    string
	KeyPath     string
	UseAgent    bool
	KnownHosts  string // path, "" for ~/.ssh/known_hosts, "insecure" to skip
	ConnTimeout time.Duration

	// Passphrase unlocks an encrypted KeyPath.  Nil makes such keys fail.
	Passphrase PassphraseFunc
}

// SSHDialer routes connections through an SSH gateway.  The SSH client
// is connected lazily on the first Dial call and torn down on Close.
type SSHDialer struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH gateway.  Nothing is dialed until the first Dial.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHDialer{config: cfg, logger: logger}
}

// connect dials the gateway and completes the SSH handshake if not
// already connected.
func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	authMethods, err := gatewayAuth(d.config)
	if err != nil {
		return nil, ncerr.Wrap("ssh", d.addr(), err)
	}
	hkCallback, err := gatewayHostKeys(d.config, d.logger)
	if err != nil {
		return nil, ncerr.Wrap("ssh", d.addr(), err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            d.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         d.config.ConnTimeout,
	}

	addr := d.addr()
	d.logger.Debug("ssh: dialing %s as %s", addr, d.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("ssh", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		// The gateway answered; a failed handshake is a refusal.
		return nil, ncerr.NewProxyRejected("ssh", addr, 0, err)
	}

	d.client = ssh.NewClient(sshConn, chans, reqs)
	d.logger.Verbose("ssh: gateway %s established", addr)
	return d.client, nil
}

// Dial forwards a connection through the gateway, establishing it on
// the first call.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("ssh: forwarding %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.NewProxyRejected("ssh", d.addr(), 0, fmt.Errorf("forward %s: %w", address, err))
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	return nil
}

func (d *SSHDialer) addr() string { return util.FormatAddr(d.config.Host, d.config.Port) }
