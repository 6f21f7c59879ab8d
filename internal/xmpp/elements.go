package xmpp

import (
	"encoding/base64"
	"encoding/xml"
	"strings"
)

type startTLS struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Body      string   `xml:",chardata"`
}

type saslResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl response"`
	Body    string   `xml:",chardata"`
}

type bindBind struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
	JID      string   `xml:"jid,omitempty"`
}

type sessionSession struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
}

type authQuery struct {
	XMLName  xml.Name `xml:"jabber:iq:auth query"`
	Username string   `xml:"username"`
	Password string   `xml:"password,omitempty"`
	Digest   string   `xml:"digest,omitempty"`
	Resource string   `xml:"resource,omitempty"`
}

type clientIQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	Payload any
}

func marshal(v any) []byte {
	// Only fixed struct types above reach here; they always encode.
	b, err := xml.Marshal(v)
	if err != nil {
		panic("xmpp: marshal: " + err.Error())
	}
	return b
}

// StartTLS requests the TLS upgrade.
func StartTLS() []byte { return marshal(startTLS{}) }

// Auth starts SASL with mechanism.  A nil initial response sends no
// data; an empty one is sent as "=".
func Auth(mechanism string, initial []byte) []byte {
	return marshal(saslAuth{Mechanism: mechanism, Body: encode64(initial)})
}

// Response answers a SASL challenge.
func Response(data []byte) []byte {
	return marshal(saslResponse{Body: encode64(data)})
}

func encode64(b []byte) string {
	switch {
	case b == nil:
		return ""
	case len(b) == 0:
		return "="
	default:
		return base64.StdEncoding.EncodeToString(b)
	}
}

// Decode64 decodes SASL payload text; "=" and "" both mean empty.
func Decode64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// BindIQ requests resource binding.
func BindIQ(id, resource string) []byte {
	return marshal(clientIQ{ID: id, Type: "set", Payload: bindBind{Resource: resource}})
}

// SessionIQ requests session establishment.
func SessionIQ(id, domain string) []byte {
	return marshal(clientIQ{ID: id, To: domain, Type: "set", Payload: sessionSession{}})
}

// AuthFieldsIQ asks a legacy server which fields it wants.
func AuthFieldsIQ(id, domain, username string) []byte {
	return marshal(clientIQ{ID: id, To: domain, Type: "get", Payload: authQuery{Username: username}})
}

// AuthIQ carries legacy credentials.  Exactly one of password and
// digest should be set.
func AuthIQ(id, domain, username, password, digest, resource string) []byte {
	return marshal(clientIQ{ID: id, To: domain, Type: "set", Payload: authQuery{
		Username: username,
		Password: password,
		Digest:   digest,
		Resource: resource,
	}})
}

// AuthFields lists what a legacy server asked for.
type AuthFields struct {
	Username bool
	Password bool
	Digest   bool
	Resource bool
}

// ParseAuthFields reads the query of a jabber:iq:auth get result.
func ParseAuthFields(iq *Node) AuthFields {
	var f AuthFields
	q := iq.Child(NsIQAuth, "query")
	if q == nil {
		return f
	}
	f.Username = q.Child("", "username") != nil
	f.Password = q.Child("", "password") != nil
	f.Digest = q.Child("", "digest") != nil
	f.Resource = q.Child("", "resource") != nil
	return f
}

// BoundJID returns the jid in a bind result.
func BoundJID(iq *Node) string {
	if b := iq.Child(NsBind, "bind"); b != nil {
		if j := b.Child("", "jid"); j != nil {
			return strings.TrimSpace(j.Text)
		}
	}
	return ""
}
