package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"jabconn/config"
	"jabconn/internal/account"
	"jabconn/internal/metrics"
	"jabconn/internal/retry"
	"jabconn/internal/session"
	"jabconn/util"
)

// closeGrace is how long an interrupted run waits for the server to
// acknowledge the stream close before tearing the transport down.
const closeGrace = 3 * time.Second

// client runs session attempts on behalf of the CLI and turns their
// events into output.
type client struct {
	cfg     *config.Config
	logger  *util.Logger
	metrics *metrics.Collector
	out     io.Writer

	addr  account.Address
	proxy config.ProxySpec
	creds account.Credentials
	check bool

	sess *session.Session
	// results carries the outcome of the running attempt: nil once the
	// stream closed, the failure otherwise.
	results chan error
}

func newClient(cfg *config.Config, logger *util.Logger, m *metrics.Collector) *client {
	return &client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		out:     stdout,
		results: make(chan error, 1),
	}
}

func (c *client) start(opts session.Options) {
	c.sess = session.New(c.handle, opts)
}

func (c *client) stop() {
	if c.sess != nil {
		c.sess.Shutdown()
	}
}

// run performs one attempt, or with reconnect enabled keeps attempting
// while failures are classified as worth retrying.
func (c *client) run(ctx context.Context) error {
	if !c.cfg.Reconnect {
		return c.attempt(ctx)
	}

	b := retry.ReconnectBackoff(c.cfg.ReconnectBackoff, c.cfg.MaxReconnects)
	b.OnRetry = func(n int, err error, wait time.Duration) {
		c.logger.Warn("attempt %d failed: %v; reconnecting in %v", n, err, wait.Truncate(time.Millisecond))
		c.metrics.Reconnect()
	}
	cb := retry.NewBreaker(retry.BreakerConfig{
		Cooldown: config.DefaultMaxReconnectBackoff,
		OnStateChange: func(from, to retry.State) {
			c.logger.Verbose("reconnect circuit %s -> %s", from, to)
		},
	})

	err := b.Do(ctx, func(int) error {
		return cb.Execute(func() error { return c.attempt(ctx) })
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// attempt connects once and waits for the stream to end.
func (c *client) attempt(ctx context.Context) error {
	if err := c.sess.Connect(c.addr, c.proxy, c.creds); err != nil {
		return retry.Permanent(err)
	}
	select {
	case err := <-c.results:
		return err
	case <-ctx.Done():
		c.logger.Info("interrupted, closing stream")
		c.sess.Close()
		select {
		case <-c.results:
		case <-time.After(closeGrace):
			c.logger.Warn("server did not acknowledge the close")
			c.sess.Reset()
		}
		return nil
	}
}

// finish reports the attempt outcome.  Each attempt ends exactly once.
func (c *client) finish(err error) {
	select {
	case c.results <- err:
	default:
		c.logger.Debug("dropped duplicate result: %v", err)
	}
}

// handle runs on the session's dispatch goroutine.
func (c *client) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventConnected:
		c.logger.Info("transport connected via %s", c.proxy)
	case session.EventStateChanged:
		c.logger.Verbose("state: %s", ev.State)
		if ev.State == session.StateActive && c.check {
			c.sess.Close()
		}
	case session.EventSecurityActivated:
		c.logger.Info("TLS active: %s", ev.Info)
	case session.EventTrustDecisionRequired:
		c.logger.Warn("certificate for %s is not trusted: %s", ev.Trust.Host, ev.Trust.Verdict)
	case session.EventNeedCredentials:
		c.logger.Verbose("server asks for %s", describeNeed(ev))
	case session.EventAuthenticated:
		fmt.Fprintf(c.out, "authenticated as %s\n", ev.JID)
	case session.EventWarning:
		c.logger.Warn("%s: %s; continuing", ev.Warning.Kind, ev.Warning.Detail)
		c.sess.ContinueAfterWarning()
	case session.EventConnectionClosed:
		fmt.Fprintln(c.out, "connection closed")
		c.finish(nil)
	case session.EventCloseFinished:
		c.logger.Verbose("server acknowledged the close")
	case session.EventError:
		c.finish(fmt.Errorf("%s: %w", ev.Class.Kind, ev.Err))
	}
}

func describeNeed(ev session.Event) string {
	var fields []string
	if ev.Need.User {
		fields = append(fields, "username")
	}
	if ev.Need.Password {
		fields = append(fields, "password")
	}
	if ev.Need.Realm {
		fields = append(fields, "realm")
	}
	return fmt.Sprint(fields)
}
