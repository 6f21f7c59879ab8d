package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by the polling key sequence
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ncerr "jabconn/internal/errors"
	"jabconn/util"
)

// pollKeys is the length of one key chain before rekeying.
const pollKeys = 32

// PollOptions configures a [PollConn].
type PollOptions struct {
	URL      string
	Interval time.Duration

	// ProxyHost/ProxyPort name an HTTP proxy the poll requests go
	// through; empty means the endpoint is contacted directly.
	ProxyHost string
	ProxyPort int
	User      string
	Pass      string

	Client *http.Client // overrides the client built from the fields above
	Logger *util.Logger
}

// PollConn emulates a byte stream over periodic HTTP requests using the
// XMPP HTTP polling scheme: each POST carries "id;key,payload", the
// server hands out the session id in an ID cookie, and every request
// proves continuity with the next key of a SHA-1 hash chain.
//
// Writes are queued and flushed by the next request, which is sent
// immediately when data is pending and otherwise every Interval.  Only
// one request is in flight at a time.
type PollConn struct {
	url      string
	interval time.Duration
	client   *http.Client
	user     string
	pass     string
	logger   *util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	inbound  bytes.Buffer
	outbound bytes.Buffer
	err      error
	closed   bool

	// Written only by the loop goroutine (id under mu).
	id   string
	keys *keyChain
}

// NewPollConn starts the poll loop.  The first request goes out with
// the first Write; the conn is usable immediately.
func NewPollConn(opts PollOptions) (*PollConn, error) {
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, &ncerr.ConfigError{Field: "proxy", Value: opts.URL, Message: "invalid poll url"}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	keys, err := newKeyChain(pollKeys)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ProxyHost != "" {
			pu := &url.URL{Scheme: "http", Host: util.FormatAddr(opts.ProxyHost, opts.ProxyPort)}
			if opts.User != "" {
				pu.User = url.UserPassword(opts.User, opts.Pass)
			}
			tr.Proxy = http.ProxyURL(pu)
		}
		client = &http.Client{Transport: tr}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &PollConn{
		url:      opts.URL,
		interval: interval,
		client:   client,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		keys:     keys,
	}
	if opts.ProxyHost == "" {
		c.user, c.pass = opts.User, opts.Pass
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

func (c *PollConn) loop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-timer.C:
		}

		data := c.takeOutbound()
		if c.id != "" || len(data) > 0 {
			in, err := c.exchange(data)
			if err != nil {
				c.fail(err)
				return
			}
			c.deliver(in)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.interval)
	}
}

// exchange performs one request/response round.
func (c *PollConn) exchange(data []byte) ([]byte, error) {
	key, rekey := c.keys.next()
	id := c.id
	if id == "" {
		id = "0"
	}

	var body bytes.Buffer
	body.WriteString(id)
	body.WriteByte(';')
	body.WriteString(key)
	if rekey != "" {
		body.WriteByte(';')
		body.WriteString(rekey)
	}
	body.WriteByte(',')
	body.Write(data)

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, ncerr.Wrap("poll", c.url, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	c.logger.Debug("poll: POST %s (%d bytes)", c.url, len(data))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ncerr.Wrap("poll", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ncerr.TransportError{
			Kind: ncerr.KindPoll, Op: "poll", Addr: c.url, Status: resp.StatusCode,
			Err: fmt.Errorf("endpoint answered %q", resp.Status),
		}
	}

	newID := ""
	for _, ck := range resp.Cookies() {
		if ck.Name == "ID" {
			newID = ck.Value
		}
	}
	if strings.HasSuffix(newID, ":0") {
		return nil, &ncerr.TransportError{
			Kind: ncerr.KindPoll, Op: "poll", Addr: c.url,
			Err: fmt.Errorf("server error id %s", newID),
		}
	}
	if newID == "" && c.id == "" {
		return nil, &ncerr.TransportError{
			Kind: ncerr.KindPoll, Op: "poll", Addr: c.url,
			Err: ncerr.New("no session id in response"),
		}
	}
	if newID != "" {
		c.mu.Lock()
		c.id = newID
		c.mu.Unlock()
	}

	in := util.GetBuffer()
	defer util.PutBuffer(in)
	if _, err := in.ReadFrom(resp.Body); err != nil {
		return nil, ncerr.Wrap("poll", c.url, err)
	}
	return bytes.Clone(in.Bytes()), nil
}

func (c *PollConn) takeOutbound() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbound.Len() == 0 {
		return nil
	}
	data := bytes.Clone(c.outbound.Bytes())
	c.outbound.Reset()
	return data
}

func (c *PollConn) deliver(in []byte) {
	if len(in) == 0 {
		return
	}
	c.mu.Lock()
	c.inbound.Write(in)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PollConn) fail(err error) {
	c.mu.Lock()
	if !c.closed {
		c.err = err
		c.logger.Debug("poll: %v", err)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Read blocks until inbound data arrives, the loop fails or the conn
// is closed.
func (c *PollConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inbound.Len() == 0 && c.err == nil && !c.closed {
		c.cond.Wait()
	}
	if c.inbound.Len() > 0 {
		return c.inbound.Read(p)
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	return 0, c.err
}

// Write queues p for the next request and wakes the loop.
func (c *PollConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return 0, net.ErrClosed
	case c.err != nil:
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	c.outbound.Write(p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Close stops the loop, aborting any request in flight.
func (c *PollConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.cond.Broadcast()
		c.wg.Wait()
	})
	return nil
}

// SessionID returns the id handed out by the server, "" before the
// first response.
func (c *PollConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *PollConn) LocalAddr() net.Addr  { return pollAddr("local") }
func (c *PollConn) RemoteAddr() net.Addr { return pollAddr(c.url) }

// Deadlines are meaningless for a polled stream.
func (c *PollConn) SetDeadline(time.Time) error      { return nil }
func (c *PollConn) SetReadDeadline(time.Time) error  { return nil }
func (c *PollConn) SetWriteDeadline(time.Time) error { return nil }

type pollAddr string

func (a pollAddr) Network() string { return "http-poll" }
func (a pollAddr) String() string  { return string(a) }

// ── key chain ────────────────────────────────────────────────────────

// keyChain hands out K(n), K(n-1), … K(0) where K(i) = base64(sha1(K(i-1))).
// The server checks each key hashes to the previous one.
type keyChain struct {
	keys []string
	idx  int
}

func newKeyChain(n int) (*keyChain, error) {
	seed := make([]byte, 20)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("poll key seed: %w", err)
	}
	keys := make([]string, n+1)
	keys[0] = base64.StdEncoding.EncodeToString(seed)
	for i := 1; i <= n; i++ {
		keys[i] = hashKey(keys[i-1])
	}
	return &keyChain{keys: keys, idx: n}, nil
}

// next returns the key for the coming request.  When the chain runs out
// it also returns the head of a fresh chain, to be sent alongside.
func (k *keyChain) next() (key, rekey string) {
	key = k.keys[k.idx]
	k.idx--
	if k.idx < 0 {
		fresh, err := newKeyChain(len(k.keys) - 1)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		rekey = fresh.keys[fresh.idx]
		fresh.idx--
		*k = *fresh
	}
	return key, rekey
}

func hashKey(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}
