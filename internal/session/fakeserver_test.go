package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jabconn/config"
	"jabconn/internal/account"
	"jabconn/internal/resolver"
	"jabconn/internal/xmpp"
	"jabconn/util"
)

// ── Fake server ──────────────────────────────────────────────────────

// peer is the server end of one client connection.  Its helpers stop
// the script goroutine on any mismatch.
type peer struct {
	t       *testing.T
	conn    net.Conn
	br      *bufio.Reader
	r       *xmpp.Reader
	stopped *atomic.Bool
}

func (p *peer) fatalf(format string, args ...interface{}) {
	if !p.stopped.Load() {
		p.t.Errorf("server: "+format, args...)
	}
	runtime.Goexit()
}

func (p *peer) next() *xmpp.Frame {
	f, err := p.r.Next()
	if err != nil {
		p.fatalf("read: %v", err)
	}
	return f
}

func (p *peer) send(s string) {
	if _, err := io.WriteString(p.conn, s); err != nil {
		p.fatalf("write: %v", err)
	}
}

// openStream waits for the client header and answers it.
func (p *peer) openStream(modern bool) xmpp.Header {
	f := p.next()
	if f.Kind != xmpp.FrameHeader {
		p.fatalf("got frame kind %d, want header", f.Kind)
	}
	p.send(serverHeader("s1", modern))
	return f.Header
}

func (p *peer) expect(local string) *xmpp.Node {
	f := p.next()
	if f.Kind != xmpp.FrameElement || f.Node.XMLName.Local != local {
		p.fatalf("got %+v, want <%s>", f, local)
	}
	return f.Node
}

// restart starts a fresh decoder after a stream restart.
func (p *peer) restart() { p.r = xmpp.NewReader(p.br) }

// upgrade runs the server side of a TLS handshake.
func (p *peer) upgrade(cfg *tls.Config) {
	tc := tls.Server(p.conn, cfg)
	if err := tc.Handshake(); err != nil {
		p.fatalf("tls handshake: %v", err)
	}
	p.conn = tc
	p.br = bufio.NewReader(tc)
	p.r = xmpp.NewReader(p.br)
}

// drain reads until the client goes away.
func (p *peer) drain() {
	for {
		if _, err := p.r.Next(); err != nil {
			return
		}
	}
}

// serve accepts one connection on a loopback listener and runs script
// on it.
func serve(t *testing.T, script func(p *peer)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var (
		stopped atomic.Bool
		mu      sync.Mutex
		conn    net.Conn
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		conn = c
		mu.Unlock()
		defer c.Close()

		br := bufio.NewReader(c)
		script(&peer{t: t, conn: c, br: br, r: xmpp.NewReader(br), stopped: &stopped})
	}()

	t.Cleanup(func() {
		stopped.Store(true)
		ln.Close()
		mu.Lock()
		if conn != nil {
			conn.Close()
		}
		mu.Unlock()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server script did not finish")
		}
	})

	host, port, err := util.SplitAddr(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func serverHeader(id string, modern bool) string {
	version := ""
	if modern {
		version = " version='1.0'"
	}
	return "<?xml version='1.0'?><stream:stream xmlns='jabber:client'" +
		" xmlns:stream='http://etherx.jabber.org/streams' id='" + id + "' from='example.com'" + version + ">"
}

func features(inner ...string) string {
	return "<stream:features>" + strings.Join(inner, "") + "</stream:features>"
}

func mechanisms(names ...string) string {
	var b strings.Builder
	b.WriteString("<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>")
	for _, n := range names {
		b.WriteString("<mechanism>" + n + "</mechanism>")
	}
	b.WriteString("</mechanisms>")
	return b.String()
}

const (
	featStartTLS = "<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>"
	featBind     = "<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>"
	featSession  = "<session xmlns='urn:ietf:params:xml:ns:xmpp-session'/>"

	saslSuccess = "<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>"
	tlsProceed  = "<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>"
)

func iqResult(id, inner string) string {
	return "<iq type='result' id='" + id + "'>" + inner + "</iq>"
}

func iqError(id, condition string) string {
	return "<iq type='error' id='" + id + "'><error type='cancel'><" + condition +
		" xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>"
}

// tryOpenStream is openStream for a client that may hang up first.
func (p *peer) tryOpenStream(modern bool) bool {
	f, err := p.r.Next()
	if err != nil || f.Kind != xmpp.FrameHeader {
		return false
	}
	p.send(serverHeader("s1", modern))
	return true
}

// loginPlain runs SASL PLAIN and resource binding on a fresh stream.
// With session set it also requires session establishment.
func loginPlain(p *peer, session bool) {
	p.openStream(true)
	plainAuth(p, session)
}

// plainAuth is loginPlain after the stream header.
func plainAuth(p *peer, session bool) {
	p.send(features(mechanisms("PLAIN"), featBind))
	auth := p.expect("auth")
	if got := auth.Attr("mechanism"); got != "PLAIN" {
		p.fatalf("mechanism = %q", got)
	}
	if data, _ := xmpp.Decode64(auth.Text); string(data) != "\x00user\x00secret" {
		p.fatalf("PLAIN payload = %q", data)
	}
	p.send(saslSuccess)
	p.restart()
	bindAndSession(p, session)
}

// bindAndSession serves the restarted stream after authentication.
func bindAndSession(p *peer, session bool) {
	p.openStream(true)
	if session {
		p.send(features(featBind, featSession))
	} else {
		p.send(features(featBind))
	}
	iq := p.expect("iq")
	if iq.Child(xmpp.NsBind, "bind") == nil {
		p.fatalf("iq without bind")
	}
	p.send(iqResult(iq.Attr("id"),
		"<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>user@example.com/jabconn</jid></bind>"))
	if session {
		iq = p.expect("iq")
		if iq.Child(xmpp.NsSession, "session") == nil {
			p.fatalf("iq without session")
		}
		p.send(iqResult(iq.Attr("id"), ""))
	}
}

// ── Client side ──────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 256)} }

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// states lists the StateChanged events in order.
func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.all() {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) seen(kind EventKind) bool {
	for _, ev := range r.all() {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// wait consumes events until match accepts one.
func (r *recorder) wait(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; events: %v", what, kinds(r.all()))
			return Event{}
		}
	}
}

func (r *recorder) waitKind(t *testing.T, kind EventKind) Event {
	t.Helper()
	return r.wait(t, kind.String(), func(ev Event) bool { return ev.Kind == kind })
}

func (r *recorder) waitState(t *testing.T, st State) {
	t.Helper()
	r.wait(t, "state "+st.String(), func(ev Event) bool {
		return ev.Kind == EventStateChanged && ev.State == st
	})
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind.String()
		if ev.Kind == EventStateChanged {
			out[i] += "(" + ev.State.String() + ")"
		}
	}
	return out
}

func newTestSession(t *testing.T, opts Options) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	if opts.Logger == nil {
		opts.Logger = util.Discard()
	}
	s := New(rec.handle, opts)
	t.Cleanup(s.Shutdown)
	return s, rec
}

func testAddr(host string, port int) account.Address {
	return account.Address{
		JID:        account.JID{User: "user", Domain: "example.com"},
		Host:       host,
		Port:       port,
		AllowPlain: true,
	}
}

var (
	testCreds = account.Credentials{Username: "user", Password: "secret"}
	direct    = config.ProxySpec{}
)

// connectorFunc adapts a function to Connector.
type connectorFunc func(ctx context.Context, plan resolver.Plan) (net.Conn, error)

func (f connectorFunc) Connect(ctx context.Context, plan resolver.Plan) (net.Conn, error) {
	return f(ctx, plan)
}

// settle gives in-flight goroutines a moment to misbehave.
func settle() { time.Sleep(150 * time.Millisecond) }
