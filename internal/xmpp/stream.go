// Package xmpp holds the small slice of XMPP framing the connection
// core needs: stream headers, stream features, SASL and iq elements.
// Stanza routing after authentication is out of its scope.
package xmpp

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	NsStream  = "http://etherx.jabber.org/streams"
	NsTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	NsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	NsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	NsSession = "urn:ietf:params:xml:ns:xmpp-session"
	NsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NsStreams = "urn:ietf:params:xml:ns:xmpp-streams"
	NsClient  = "jabber:client"
	NsIQAuth  = "jabber:iq:auth"

	// NsIQAuthFeature is advertised by servers that still accept
	// jabber:iq:auth on a 1.0 stream.
	NsIQAuthFeature = "http://jabber.org/features/iq-auth"
)

// Header is the peer's <stream:stream> opening tag.
type Header struct {
	ID      string
	From    string
	Version string
	Lang    string
}

// Modern reports whether the peer announced version 1.0 or later.
func (h Header) Modern() bool {
	major, _, _ := strings.Cut(h.Version, ".")
	return major != "" && major != "0"
}

// Node is a generic element tree.
type Node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []Node     `xml:",any"`
	Text    string     `xml:",chardata"`
}

// Is reports whether n is the element space/local.
func (n *Node) Is(space, local string) bool {
	return n != nil && n.XMLName.Space == space && n.XMLName.Local == local
}

// Attr returns the value of the unqualified attribute name.
func (n *Node) Attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// Child returns the first child named space/local, or nil.  An empty
// space matches any namespace.
func (n *Node) Child(space, local string) *Node {
	if n == nil {
		return nil
	}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.XMLName.Local == local && (space == "" || c.XMLName.Space == space) {
			return c
		}
	}
	return nil
}

// FirstChild returns the first child element, or nil.
func (n *Node) FirstChild() *Node {
	if n == nil || len(n.Nodes) == 0 {
		return nil
	}
	return &n.Nodes[0]
}

// FrameKind tells what a Frame carries.
type FrameKind int

const (
	FrameHeader FrameKind = iota + 1
	FrameElement
	FrameEnd
)

// Frame is one unit read from the stream: the opening header, a
// complete top-level element, or the closing tag.
type Frame struct {
	Kind   FrameKind
	Header Header
	Node   *Node
}

// Reader decodes frames from a stream.  Pass an io.ByteReader (such as
// a *bufio.Reader shared across stream restarts) to keep the decoder
// from buffering past the last frame it returns.
type Reader struct {
	dec *xml.Decoder
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	return &Reader{dec: dec}
}

// Next returns the next frame.  A stream cut off mid-element reports
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (*Frame, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, readErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == NsStream && t.Name.Local == "stream" {
				return &Frame{Kind: FrameHeader, Header: headerFrom(t)}, nil
			}
			n := new(Node)
			if err := r.dec.DecodeElement(n, &t); err != nil {
				return nil, readErr(err)
			}
			return &Frame{Kind: FrameElement, Node: n}, nil
		case xml.EndElement:
			if t.Name.Space == NsStream && t.Name.Local == "stream" {
				return &Frame{Kind: FrameEnd}, nil
			}
		}
	}
}

func readErr(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) && se.Msg == "unexpected EOF" {
		return io.ErrUnexpectedEOF
	}
	return err
}

func headerFrom(t xml.StartElement) Header {
	var h Header
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "id":
			h.ID = a.Value
		case "from":
			h.From = a.Value
		case "version":
			h.Version = a.Value
		case "lang":
			h.Lang = a.Value
		}
	}
	return h
}

// OpenStream returns the client's opening tag for a stream to domain.
// Legacy streams omit the version attribute.
func OpenStream(domain string, modern bool) []byte {
	var b strings.Builder
	b.WriteString("<?xml version='1.0'?><stream:stream to='")
	xml.EscapeText(&b, []byte(domain)) //nolint:errcheck
	b.WriteString("' xmlns='" + NsClient + "' xmlns:stream='" + NsStream + "'")
	if modern {
		b.WriteString(" version='1.0'")
	}
	b.WriteString(">")
	return []byte(b.String())
}

// CloseStream is the closing tag.
var CloseStream = []byte("</stream:stream>")

// Features is the parsed <stream:features> element.
type Features struct {
	StartTLS    bool
	TLSRequired bool
	Mechanisms  []string
	Bind        bool
	Session     bool
	// SessionOptional is set when the server marks session
	// establishment as optional.
	SessionOptional bool
	IQAuth          bool
}

// ParseFeatures reads a <stream:features> node.
func ParseFeatures(n *Node) Features {
	var f Features
	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch {
		case c.Is(NsTLS, "starttls"):
			f.StartTLS = true
			f.TLSRequired = c.Child(NsTLS, "required") != nil
		case c.Is(NsSASL, "mechanisms"):
			for _, m := range c.Nodes {
				if m.XMLName.Local == "mechanism" {
					f.Mechanisms = append(f.Mechanisms, strings.TrimSpace(m.Text))
				}
			}
		case c.Is(NsBind, "bind"):
			f.Bind = true
		case c.Is(NsSession, "session"):
			f.Session = true
			f.SessionOptional = c.Child("", "optional") != nil
		case c.Is(NsIQAuthFeature, "auth"):
			f.IQAuth = true
		}
	}
	return f
}

// StreamError is a parsed <stream:error>.
type StreamError struct {
	Condition string
	Text      string
}

func (e StreamError) Error() string {
	if e.Text == "" {
		return "stream error: " + e.Condition
	}
	return fmt.Sprintf("stream error: %s: %s", e.Condition, e.Text)
}

// ParseStreamError reads a <stream:error> node.
func ParseStreamError(n *Node) StreamError {
	var e StreamError
	for _, c := range n.Nodes {
		if c.XMLName.Local == "text" {
			e.Text = strings.TrimSpace(c.Text)
			continue
		}
		if e.Condition == "" {
			e.Condition = c.XMLName.Local
		}
	}
	if e.Condition == "" {
		e.Condition = "undefined-condition"
	}
	return e
}

// Condition returns the defined condition inside an error-carrying
// element such as <failure/> or <iq type='error'/>.
func Condition(n *Node) string {
	if n == nil {
		return ""
	}
	if e := n.Child("", "error"); e != nil {
		n = e
	}
	for _, c := range n.Nodes {
		if c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	if code := n.Attr("code"); code != "" {
		return "code-" + code
	}
	return ""
}
