// Package session drives one client-to-server XMPP stream from the
// transport connect through TLS, authentication and session binding.
//
// A Session is event-driven.  Public methods never block on the
// network: they queue work for a single dispatch goroutine which
// applies transitions one at a time and calls the handler in order.
// Network reads, dials, TLS handshakes and trust decisions run in
// their own goroutines and post their results back to the queue,
// tagged with the generation of the attempt that started them.  Reset
// bumps the generation, so anything still in flight for the previous
// attempt is dropped on arrival.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"jabconn/config"
	"jabconn/internal/account"
	ncerr "jabconn/internal/errors"
	"jabconn/internal/metrics"
	"jabconn/internal/resolver"
	"jabconn/internal/sasl"
	"jabconn/internal/security"
	"jabconn/internal/transport"
	"jabconn/internal/xmpp"
	"jabconn/util"
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("session: shut down")

// Connector opens the transport for a plan.  *transport.Connector is
// the production implementation.
type Connector interface {
	Connect(ctx context.Context, plan resolver.Plan) (net.Conn, error)
}

// Options wire a Session to its collaborators.  Every field is
// optional.
type Options struct {
	Connector Connector
	// Layer performs TLS handshakes.  Defaults to a layer over the
	// system roots.
	Layer *security.Layer
	// Decider settles untrusted certificates.  Without one the session
	// waits in SecurityPending for ContinueAfterTrustDecision.
	Decider security.Decider
	Logger  *util.Logger
	Metrics *metrics.Collector
	// NewID generates attempt ids.  Defaults to ULIDs.
	NewID func() string
}

// Session is a single connection state machine.  It is safe for
// concurrent use; the handler is only ever called from the dispatch
// goroutine.
type Session struct {
	handler func(Event)
	conn    Connector
	layer   *security.Layer
	decider security.Decider
	logger  *util.Logger
	metrics *metrics.Collector
	newID   func() string

	mu    sync.Mutex
	cond  *sync.Cond
	queue []task
	gen   uint64
	state State
	att   *attempt
	done  bool
}

type task struct {
	gen uint64
	fn  func()
}

// New returns an idle session and starts its dispatch goroutine.
// Call Shutdown to stop it.
func New(handler func(Event), opts Options) *Session {
	s := &Session{
		handler: handler,
		conn:    opts.Connector,
		layer:   opts.Layer,
		decider: opts.Decider,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		newID:   opts.NewID,
	}
	if s.handler == nil {
		s.handler = func(Event) {}
	}
	if s.conn == nil {
		s.conn = &transport.Connector{Logger: s.logger}
	}
	if s.layer == nil {
		s.layer = security.NewLayer(security.NewPool(), security.WithLogger(s.logger))
	}
	if s.newID == nil {
		s.newID = newULID
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ── Public API ───────────────────────────────────────────────────────

// Connect starts an attempt to reach addr through proxy.  Invalid
// input is reported here, before any I/O, as *errors.ConfigError.
// Connect returns errors.ErrBusy unless the session is idle, closed or
// in error.  Inputs are copied.
func (s *Session) Connect(addr account.Address, proxy config.ProxySpec, creds account.Credentials) error {
	plan, err := resolver.Resolve(addr, proxy, addr.Mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrShutdown
	}
	if !s.state.acceptsConnect() {
		return ncerr.ErrBusy
	}

	s.gen++
	a := s.newAttempt(s.gen, addr, plan, creds)
	s.att = a
	s.state = StateConnecting
	s.pushLocked(a.gen, func() { s.start(a) })
	return nil
}

// Close requests a graceful shutdown of the stream.  A second Close
// while waiting for the peer forces the session to Closed.
func (s *Session) Close() {
	s.post(s.currentGen(), func() {
		if a := s.current(); a != nil {
			s.close(a)
		}
	})
}

// Reset cancels the current attempt from any state.  Pending callbacks
// are discarded, the transport and TLS layer are released and the
// session returns to Idle, ready for Connect.
//
// Reset does not wait for the dispatch goroutine, so it may be called
// from the handler.  An event whose delivery had already begun when
// Reset was called can therefore still reach the handler after Reset
// returns; no later event of the cancelled attempt is delivered.
func (s *Session) Reset() {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	a := s.att
	s.att = nil
	s.state = StateIdle
	s.mu.Unlock()

	if a != nil {
		a.log.Verbose("reset")
		s.release(a)
	}
}

// ContinueAfterWarning acknowledges the pending warning and lets the
// stream make progress again.  Without a pending warning it does
// nothing.
func (s *Session) ContinueAfterWarning() {
	s.post(s.currentGen(), func() {
		if a := s.current(); a != nil {
			s.resumeAfterWarning(a)
		}
	})
}

// ContinueAfterTrustDecision settles a pending trust decision.  It is
// ignored unless the session is waiting for one.
func (s *Session) ContinueAfterTrustDecision(accept bool) {
	s.post(s.currentGen(), func() {
		if a := s.current(); a != nil {
			s.trustDecided(a, accept, nil)
		}
	})
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shutdown resets the session and stops the dispatch goroutine.  The
// session cannot be used afterwards.
func (s *Session) Shutdown() {
	s.Reset()
	s.mu.Lock()
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ── Dispatch ─────────────────────────────────────────────────────────

func (s *Session) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = task{}
		s.queue = s.queue[1:]
		stale := t.gen != s.gen
		s.mu.Unlock()

		if !stale {
			t.fn()
		}
	}
}

// post queues fn for generation gen.  It reports false when gen is
// stale, in which case fn will never run.
func (s *Session) post(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.done {
		return false
	}
	s.pushLocked(gen, fn)
	return true
}

func (s *Session) pushLocked(gen uint64, fn func()) {
	s.queue = append(s.queue, task{gen: gen, fn: fn})
	s.cond.Signal()
}

func (s *Session) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) current() *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.att
}

// live reports whether a is still the current attempt.
func (s *Session) live(a *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.gen == s.gen
}

func (s *Session) stateOf(a *attempt) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, a.gen == s.gen
}

// emit calls the handler unless a has been superseded.  A Reset racing
// with the call is not waited for; see Reset.
func (s *Session) emit(a *attempt, ev Event) {
	if !s.live(a) {
		return
	}
	ev.Attempt = a.id
	s.handler(ev)
}

// setState records st for a and announces it.  It reports false when
// a is stale.
func (s *Session) setState(a *attempt, st State) bool {
	s.mu.Lock()
	if a.gen != s.gen {
		s.mu.Unlock()
		return false
	}
	if s.state == st {
		s.mu.Unlock()
		return true
	}
	s.state = st
	s.mu.Unlock()

	a.log.Verbose("state %s", st)
	s.emit(a, Event{Kind: EventStateChanged, State: st})
	return true
}

// ── Attempt ──────────────────────────────────────────────────────────

// attempt holds everything owned by one Connect.  Apart from the
// fields guarded by connMu it is only touched by the dispatch
// goroutine.
type attempt struct {
	gen   uint64
	id    string
	log   *util.Logger
	addr  account.Address
	plan  resolver.Plan
	creds account.Credentials
	mode  account.Mode

	ctx    context.Context
	cancel context.CancelFunc

	connMu   sync.Mutex
	conn     net.Conn
	released bool

	br      *bufio.Reader
	secure  bool
	pending *security.Result
	active  atomic.Bool

	step      step
	header    xmpp.Header
	features  xmpp.Features
	mech      string
	auth      sasl.Mechanism
	authed    bool
	anonymous bool
	jid       string
	iqID      string
	seq       int
	warnedTLS bool

	warning *pendingWarning
	held    []*xmpp.Frame
	closing bool
}

type pendingWarning struct {
	resume func()
}

func (s *Session) newAttempt(gen uint64, addr account.Address, plan resolver.Plan, creds account.Credentials) *attempt {
	id := s.newID()
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		gen:    gen,
		id:     id,
		log:    s.logger.With("attempt=" + id),
		addr:   addr,
		plan:   plan,
		creds:  creds,
		mode:   addr.Mode,
		ctx:    ctx,
		cancel: cancel,
	}
}

// setConn installs c as the live connection.  After release it closes
// c instead and reports false.
func (a *attempt) setConn(c net.Conn) bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.released {
		c.Close()
		return false
	}
	a.conn = c
	return true
}

func (s *Session) release(a *attempt) {
	a.cancel()
	a.connMu.Lock()
	conn := a.conn
	a.released = true
	a.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if a.active.CompareAndSwap(true, false) {
		s.metrics.SessionEnded()
	}
}

// ── Terminal transitions ─────────────────────────────────────────────

// fail moves a to Error.  Only the first failure of an attempt is
// reported.
func (s *Session) fail(a *attempt, err error) {
	st, ok := s.stateOf(a)
	if !ok || st.Terminal() {
		return
	}
	s.release(a)
	a.creds.Password = ""

	class := ncerr.Classify(err)
	a.log.Warn("failed in %s: %v (%s, reconnect advised: %v)", st, err, class.Kind, class.ReconnectAdvised)
	s.metrics.RecordError(err.Error())
	s.metrics.Outcome(class.Kind.String())

	if s.setState(a, StateError) {
		s.emit(a, Event{Kind: EventError, Err: err, Class: class})
	}
}

// finishClose ends a graceful close once the peer acknowledged it.
func (s *Session) finishClose(a *attempt, acknowledged bool) {
	st, ok := s.stateOf(a)
	if !ok || st.Terminal() {
		return
	}
	s.release(a)
	a.creds.Password = ""
	s.metrics.Outcome("closed")
	a.log.Info("connection closed")

	if !s.setState(a, StateClosed) {
		return
	}
	s.emit(a, Event{Kind: EventConnectionClosed})
	if acknowledged {
		s.emit(a, Event{Kind: EventCloseFinished})
	}
}

func (s *Session) close(a *attempt) {
	st, ok := s.stateOf(a)
	if !ok || st == StateIdle || st.Terminal() {
		return
	}
	// Nothing may be written before the stream is usable.
	if st == StateClosing || st == StateConnecting || st == StateSecurityPending || a.conn == nil {
		s.finishClose(a, false)
		return
	}
	a.closing = true
	if !s.setState(a, StateClosing) {
		return
	}
	a.log.Verbose("closing stream")
	s.send(a, xmpp.CloseStream)
}
