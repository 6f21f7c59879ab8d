package session

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // jabber:iq:auth digest
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"jabconn/internal/account"
	ncerr "jabconn/internal/errors"
	"jabconn/internal/sasl"
	"jabconn/internal/security"
	"jabconn/internal/xmpp"
	"jabconn/util"
)

// step is the element the session waits for next.
type step int

const (
	stepNone step = iota
	stepHeader
	stepFeatures
	stepProceed
	stepSASL
	stepBind
	stepSession
	stepLegacyFields
	stepLegacyAuth
	stepActive
)

const defaultResource = "jabconn"

// ── Transport ────────────────────────────────────────────────────────

func (s *Session) start(a *attempt) {
	a.log.Info("connecting to %s via %s", a.plan.Target(), a.plan.Proxy)
	s.metrics.AttemptStarted()
	s.emit(a, Event{Kind: EventStateChanged, State: StateConnecting})

	go func() {
		conn, err := s.conn.Connect(a.ctx, a.plan)
		posted := s.post(a.gen, func() { s.onDialed(a, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onDialed(a *attempt, conn net.Conn, err error) {
	if err != nil {
		s.fail(a, err)
		return
	}
	if st, ok := s.stateOf(a); !ok || st != StateConnecting {
		conn.Close()
		return
	}
	if !a.setConn(s.metrics.CountConn(conn)) {
		return
	}
	a.br = bufio.NewReader(a.conn)
	a.log.Verbose("connected to %s", conn.RemoteAddr())
	s.emit(a, Event{Kind: EventConnected})
	if !s.setState(a, StateStreamNegotiating) {
		return
	}

	if a.plan.DirectTLS {
		s.startHandshake(a)
		return
	}
	s.openStream(a)
}

// send writes b to the live connection.  It reports false after a
// write error, which ends the attempt.
func (s *Session) send(a *attempt, b []byte) bool {
	a.log.Debug("SEND %s", b)
	if _, err := a.conn.Write(b); err != nil {
		if a.closing {
			s.finishClose(a, false)
			return false
		}
		s.fail(a, ncerr.Wrap("write", a.plan.Target(), err))
		return false
	}
	return true
}

// ── TLS ──────────────────────────────────────────────────────────────

func (s *Session) startHandshake(a *attempt) {
	if a.br != nil && a.br.Buffered() > 0 {
		s.fail(a, &ncerr.ProtocolError{Condition: "policy-violation", Text: "data after proceed"})
		return
	}
	if !s.setState(a, StateSecurityPending) {
		return
	}
	raw, host := a.conn, a.addr.JID.Domain
	go func() {
		res, err := s.layer.Handshake(a.ctx, raw, host)
		posted := s.post(a.gen, func() { s.onHandshake(a, res, err) })
		if !posted && res != nil {
			res.Conn.Close()
		}
	}()
}

func (s *Session) onHandshake(a *attempt, res *security.Result, err error) {
	if err != nil {
		s.fail(a, err)
		return
	}
	if !a.setConn(res.Conn) {
		return
	}
	a.pending = res
	if res.Verdict.Valid() {
		s.acceptTLS(a)
		return
	}

	a.log.Warn("certificate for %s not trusted: %s", res.Host, res.Verdict)
	req := res.Request()
	s.emit(a, Event{Kind: EventTrustDecisionRequired, Trust: &req})
	if s.decider == nil {
		return
	}
	go func() {
		ok, err := s.decider.Decide(a.ctx, req)
		s.post(a.gen, func() { s.trustDecided(a, ok, err) })
	}()
}

// trustDecided settles the pending certificate.  A decider error counts
// as a rejection.
func (s *Session) trustDecided(a *attempt, accept bool, err error) {
	res := a.pending
	if res == nil {
		return
	}
	if st, ok := s.stateOf(a); !ok || st != StateSecurityPending {
		return
	}
	if err != nil || !accept {
		a.pending = nil
		s.fail(a, &ncerr.TLSError{
			Host:     res.Host,
			Reason:   res.Verdict.Reason.TLSReason(),
			Rejected: true,
			Err:      err,
		})
		return
	}
	a.log.Info("certificate for %s accepted despite %s", res.Host, res.Verdict.Reason)
	s.acceptTLS(a)
}

func (s *Session) acceptTLS(a *attempt) {
	res := a.pending
	a.pending = nil
	a.secure = true
	a.br = bufio.NewReader(a.conn)
	s.emit(a, Event{Kind: EventSecurityActivated, Info: res.Info()})
	if !s.setState(a, StateAuthenticating) {
		return
	}
	s.openStream(a)
}

// ── Stream ───────────────────────────────────────────────────────────

// openStream sends a stream header and starts a fresh reader on the
// shared buffer.
func (s *Session) openStream(a *attempt) {
	if !s.send(a, xmpp.OpenStream(a.addr.JID.Domain, a.mode == account.ModeModern)) {
		return
	}
	a.step = stepHeader
	go s.readLoop(a, xmpp.NewReader(a.br))
}

// readLoop posts frames until the stream ends, fails, or reaches an
// element after which the stream restarts on a new decoder.
func (s *Session) readLoop(a *attempt, r *xmpp.Reader) {
	for {
		f, err := r.Next()
		if err != nil {
			s.post(a.gen, func() { s.onReadError(a, err) })
			return
		}
		if !s.post(a.gen, func() { s.onFrame(a, f) }) {
			return
		}
		if f.Kind == xmpp.FrameEnd || restartsStream(f) {
			return
		}
	}
}

func restartsStream(f *xmpp.Frame) bool {
	return f.Kind == xmpp.FrameElement &&
		(f.Node.Is(xmpp.NsTLS, "proceed") || f.Node.Is(xmpp.NsSASL, "success"))
}

func (s *Session) onReadError(a *attempt, err error) {
	if st, ok := s.stateOf(a); !ok || st.Terminal() {
		return
	}
	if a.closing {
		s.finishClose(a, true)
		return
	}
	var te *ncerr.TransportError
	switch {
	case errors.As(err, &te):
		s.fail(a, err)
	case util.IsClosed(err), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		s.fail(a, peerClosed(err))
	default:
		s.fail(a, &ncerr.ProtocolError{Condition: "not-well-formed", Err: err})
	}
}

func peerClosed(err error) error {
	if err == nil {
		err = ncerr.ErrPeerClosed
	} else {
		err = fmt.Errorf("%w: %w", ncerr.ErrPeerClosed, err)
	}
	return &ncerr.ProtocolError{Condition: "peer-closed", Err: err}
}

// onFrame holds frames while a warning is pending.  A peer close or a
// stream error ends the attempt at once, like a read error would.
func (s *Session) onFrame(a *attempt, f *xmpp.Frame) {
	if a.warning != nil && !endsStream(f) {
		a.held = append(a.held, f)
		return
	}
	s.handle(a, f)
}

func endsStream(f *xmpp.Frame) bool {
	return f.Kind == xmpp.FrameEnd || (f.Kind == xmpp.FrameElement && f.Node.Is(xmpp.NsStream, "error"))
}

func (s *Session) handle(a *attempt, f *xmpp.Frame) {
	if st, ok := s.stateOf(a); !ok || st.Terminal() {
		return
	}
	switch f.Kind {
	case xmpp.FrameEnd:
		if a.closing {
			s.finishClose(a, true)
			return
		}
		s.fail(a, peerClosed(nil))
	case xmpp.FrameHeader:
		s.onHeader(a, f.Header)
	case xmpp.FrameElement:
		s.onElement(a, f.Node)
	}
}

func (s *Session) onHeader(a *attempt, h xmpp.Header) {
	if a.step != stepHeader {
		s.fail(a, &ncerr.ProtocolError{Condition: "invalid-xml", Text: "unexpected stream header"})
		return
	}
	a.header = h
	a.log.Debug("stream id=%q version=%q", h.ID, h.Version)

	if a.mode == account.ModeModern && !h.Modern() {
		a.mode = account.ModeLegacy
		s.warn(a, WarnOldVersion, "server stream has no version 1.0; using legacy authentication",
			func() { s.beginLegacy(a) })
		return
	}
	if a.mode == account.ModeLegacy {
		s.beginLegacy(a)
		return
	}
	a.step = stepFeatures
}

func (s *Session) onElement(a *attempt, n *xmpp.Node) {
	a.log.Debug("RECV <%s xmlns=%q>", n.XMLName.Local, n.XMLName.Space)
	if n.Is(xmpp.NsStream, "error") {
		se := xmpp.ParseStreamError(n)
		s.fail(a, &ncerr.ProtocolError{Condition: se.Condition, Text: se.Text})
		return
	}

	switch a.step {
	case stepFeatures:
		if !n.Is(xmpp.NsStream, "features") {
			break
		}
		s.onFeatures(a, xmpp.ParseFeatures(n))
		return
	case stepProceed:
		if n.Is(xmpp.NsTLS, "proceed") {
			a.step = stepNone
			s.startHandshake(a)
			return
		}
		if n.Is(xmpp.NsTLS, "failure") {
			s.fail(a, &ncerr.TLSError{Host: a.addr.JID.Domain, Reason: ncerr.TLSHandshake,
				Err: errors.New("server refused starttls")})
			return
		}
	case stepSASL:
		if n.XMLName.Space == xmpp.NsSASL {
			s.onSASL(a, n)
			return
		}
	case stepBind, stepSession, stepLegacyFields, stepLegacyAuth:
		if n.XMLName.Local == "iq" && n.Attr("id") == a.iqID {
			s.onIQ(a, n)
			return
		}
		if n.XMLName.Local == "iq" {
			a.log.Debug("ignoring iq %q while waiting for %q", n.Attr("id"), a.iqID)
			return
		}
	case stepActive:
		a.log.Debug("ignoring <%s> on active stream", n.XMLName.Local)
		return
	}
	s.fail(a, &ncerr.ProtocolError{Condition: "unsupported-stanza-type",
		Text: fmt.Sprintf("unexpected <%s> in %s", n.XMLName.Local, s.State())})
}

func (s *Session) onFeatures(a *attempt, f xmpp.Features) {
	a.features = f
	if a.authed {
		s.bindResource(a)
		return
	}
	if a.addr.StartTLS && !a.secure {
		if f.StartTLS {
			a.step = stepProceed
			s.send(a, xmpp.StartTLS())
			return
		}
		if !a.warnedTLS {
			a.warnedTLS = true
			s.warn(a, WarnNoTLS, "server does not offer STARTTLS", func() { s.startSASL(a) })
			return
		}
	}
	if f.TLSRequired && !a.secure {
		s.fail(a, &ncerr.TLSError{Host: a.addr.JID.Domain, Reason: ncerr.TLSHandshake,
			Err: errors.New("server requires STARTTLS but it is not enabled")})
		return
	}
	s.startSASL(a)
}

// ── Warnings ─────────────────────────────────────────────────────────

// warn raises a warning and holds inbound frames until the consumer
// acknowledges it; resume then runs before the held frames.
func (s *Session) warn(a *attempt, kind WarningKind, detail string, resume func()) {
	a.warning = &pendingWarning{resume: resume}
	a.step = stepNone
	a.log.Warn("%s: %s", kind, detail)
	s.emit(a, Event{Kind: EventWarning, Warning: Warning{Kind: kind, Detail: detail}})
}

func (s *Session) resumeAfterWarning(a *attempt) {
	w := a.warning
	if w == nil {
		return
	}
	if st, ok := s.stateOf(a); !ok || st.Terminal() {
		return
	}
	a.warning = nil
	if w.resume != nil {
		w.resume()
	}
	for len(a.held) > 0 && a.warning == nil && s.live(a) {
		f := a.held[0]
		a.held = a.held[1:]
		s.handle(a, f)
	}
}

// ── Credentials ──────────────────────────────────────────────────────

// requireCredentials announces need and reports the missing fields as
// an AuthError.
func (s *Session) requireCredentials(a *attempt, mech string, need sasl.Need) bool {
	if !need.Any() {
		return true
	}
	s.emit(a, Event{Kind: EventNeedCredentials, Need: need})
	if !s.live(a) {
		return false
	}
	var missing []string
	if need.User && a.creds.Username == "" {
		missing = append(missing, "username")
	}
	if need.Password && a.creds.Password == "" {
		missing = append(missing, "password")
	}
	if need.Realm && a.creds.Realm == "" {
		missing = append(missing, "realm")
	}
	if len(missing) > 0 {
		s.fail(a, &ncerr.AuthError{Mechanism: mech, Missing: missing})
		return false
	}
	return true
}

// ── SASL ─────────────────────────────────────────────────────────────

func (s *Session) startSASL(a *attempt) {
	if !s.setState(a, StateAuthenticating) {
		return
	}
	f := a.features
	prefs := sasl.Preferences{
		Secure:     a.secure,
		AllowPlain: a.addr.AllowPlain,
		Anonymous:  a.addr.JID.User == "",
	}
	mech, err := sasl.Choose(f.Mechanisms, prefs)
	if err != nil {
		if f.IQAuth && len(f.Mechanisms) == 0 {
			a.log.Verbose("no SASL offered, using jabber:iq:auth")
			a.mode = account.ModeLegacy
			s.beginLegacy(a)
			return
		}
		s.fail(a, &ncerr.AuthError{Condition: "no usable mechanism in " + fmt.Sprint(f.Mechanisms)})
		return
	}
	if !s.requireCredentials(a, mech, sasl.Requirements(mech)) {
		return
	}

	m, err := sasl.New(mech, sasl.Credentials{
		Username: a.creds.Username,
		Password: a.creds.Password,
		Realm:    a.creds.Realm,
		Host:     a.addr.JID.Domain,
	})
	if err != nil {
		s.fail(a, &ncerr.AuthError{Mechanism: mech, Condition: err.Error()})
		return
	}
	initial, err := m.Start()
	if err != nil {
		s.fail(a, &ncerr.AuthError{Mechanism: mech, Condition: err.Error()})
		return
	}
	a.log.Verbose("authenticating with %s", mech)
	a.mech = mech
	a.anonymous = mech == sasl.Anonymous
	a.step = stepSASL
	a.auth = m
	s.send(a, xmpp.Auth(mech, initial))
}

func (s *Session) onSASL(a *attempt, n *xmpp.Node) {
	switch n.XMLName.Local {
	case "challenge":
		data, err := xmpp.Decode64(n.Text)
		if err != nil {
			s.fail(a, &ncerr.ProtocolError{Condition: "incorrect-encoding", Err: err})
			return
		}
		resp, err := a.auth.Next(data)
		if err != nil {
			s.fail(a, &ncerr.AuthError{Mechanism: a.mech, Condition: err.Error()})
			return
		}
		s.send(a, xmpp.Response(resp))

	case "success":
		data, err := xmpp.Decode64(n.Text)
		if err != nil {
			s.fail(a, &ncerr.ProtocolError{Condition: "incorrect-encoding", Err: err})
			return
		}
		if err := a.auth.Finish(data); err != nil {
			s.fail(a, &ncerr.AuthError{Mechanism: a.mech, Condition: err.Error()})
			return
		}
		a.auth = nil
		a.authed = true
		a.log.Verbose("%s accepted", a.mech)
		s.openStream(a)

	case "failure":
		s.fail(a, &ncerr.AuthError{Mechanism: a.mech, Condition: xmpp.Condition(n)})

	default:
		s.fail(a, &ncerr.ProtocolError{Condition: "unsupported-stanza-type", Text: "sasl " + n.XMLName.Local})
	}
}

// ── Binding ──────────────────────────────────────────────────────────

func (a *attempt) nextID(prefix string) string {
	a.seq++
	a.iqID = fmt.Sprintf("%s_%d", prefix, a.seq)
	return a.iqID
}

func (s *Session) bindResource(a *attempt) {
	if !a.features.Bind {
		a.jid = a.addr.JID.Bare()
		s.establishSession(a)
		return
	}
	resource := a.addr.JID.Resource
	if resource == "" && !a.anonymous {
		resource = defaultResource
	}
	a.step = stepBind
	s.send(a, xmpp.BindIQ(a.nextID("bind"), resource))
}

// establishSession runs the session request when the server requires
// one for an authenticated account.
func (s *Session) establishSession(a *attempt) {
	f := a.features
	if a.anonymous || !f.Session || f.SessionOptional {
		s.activate(a)
		return
	}
	if !s.setState(a, StateSessionBinding) {
		return
	}
	a.step = stepSession
	s.send(a, xmpp.SessionIQ(a.nextID("sess"), a.addr.JID.Domain))
}

func (s *Session) onIQ(a *attempt, iq *xmpp.Node) {
	ok := iq.Attr("type") == "result"
	if !ok && iq.Attr("type") != "error" {
		s.fail(a, &ncerr.ProtocolError{Condition: "invalid-xml", Text: "iq type " + iq.Attr("type")})
		return
	}

	switch a.step {
	case stepBind:
		if !ok {
			s.fail(a, &ncerr.SessionBindError{Condition: xmpp.Condition(iq), Err: errors.New("resource binding refused")})
			return
		}
		a.jid = xmpp.BoundJID(iq)
		if a.jid == "" {
			a.jid = a.addr.JID.String()
		}
		s.establishSession(a)

	case stepSession:
		if !ok {
			s.fail(a, &ncerr.SessionBindError{Condition: xmpp.Condition(iq)})
			return
		}
		s.activate(a)

	case stepLegacyFields:
		if !ok {
			s.fail(a, &ncerr.AuthError{Mechanism: legacyMech, Condition: xmpp.Condition(iq)})
			return
		}
		s.legacyAuth(a, xmpp.ParseAuthFields(iq))

	case stepLegacyAuth:
		if !ok {
			s.fail(a, &ncerr.AuthError{Mechanism: legacyMech, Condition: xmpp.Condition(iq)})
			return
		}
		a.jid = account.JID{User: a.creds.Username, Domain: a.addr.JID.Domain, Resource: a.legacyResource()}.String()
		s.activate(a)
	}
}

func (s *Session) activate(a *attempt) {
	a.step = stepActive
	a.iqID = ""
	a.creds.Password = ""
	a.active.Store(true)
	s.metrics.SessionActive()
	s.metrics.Outcome("active")
	a.log.Info("authenticated as %s", a.jid)

	s.emit(a, Event{Kind: EventAuthenticated, JID: a.jid})
	s.setState(a, StateActive)
}

// ── Legacy authentication ────────────────────────────────────────────

const legacyMech = "iq-auth"

func (s *Session) beginLegacy(a *attempt) {
	if !s.setState(a, StateAuthenticating) {
		return
	}
	if a.addr.StartTLS && !a.secure && !a.warnedTLS {
		a.warnedTLS = true
		s.warn(a, WarnNoTLS, "legacy stream cannot negotiate STARTTLS", func() { s.beginLegacy(a) })
		return
	}
	a.step = stepLegacyFields
	s.send(a, xmpp.AuthFieldsIQ(a.nextID("auth"), a.addr.JID.Domain, a.creds.Username))
}

func (a *attempt) legacyResource() string {
	if a.addr.JID.Resource != "" {
		return a.addr.JID.Resource
	}
	return defaultResource
}

func (s *Session) legacyAuth(a *attempt, f xmpp.AuthFields) {
	need := sasl.Need{User: f.Username, Password: f.Password || f.Digest}
	if !s.requireCredentials(a, legacyMech, need) {
		return
	}

	var password, digest string
	switch {
	case f.Digest:
		sum := sha1.Sum([]byte(a.header.ID + a.creds.Password)) //nolint:gosec
		digest = hex.EncodeToString(sum[:])
	case f.Password:
		password = a.creds.Password
	}
	resource := ""
	if f.Resource {
		resource = a.legacyResource()
	}
	a.mech = legacyMech
	a.step = stepLegacyAuth
	s.send(a, xmpp.AuthIQ(a.nextID("auth"), a.addr.JID.Domain, a.creds.Username, password, digest, resource))
}
