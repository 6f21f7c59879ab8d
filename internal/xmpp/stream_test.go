package xmpp

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

const serverOpen = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' ` +
	`xmlns:stream='http://etherx.jabber.org/streams' id='abc' from='example.com' version='1.0'>`

func TestReader_Frames(t *testing.T) {
	in := serverOpen +
		`<stream:features>` +
		`<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>` +
		`<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>SCRAM-SHA-1</mechanism><mechanism>PLAIN</mechanism></mechanisms>` +
		`</stream:features>` +
		`</stream:stream>`
	r := NewReader(strings.NewReader(in))

	f, err := r.Next()
	if err != nil || f.Kind != FrameHeader {
		t.Fatalf("first frame = %+v, %v", f, err)
	}
	if f.Header.ID != "abc" || f.Header.From != "example.com" || !f.Header.Modern() {
		t.Errorf("header = %+v", f.Header)
	}

	f, err = r.Next()
	if err != nil || f.Kind != FrameElement || !f.Node.Is(NsStream, "features") {
		t.Fatalf("second frame = %+v, %v", f, err)
	}
	feat := ParseFeatures(f.Node)
	if !feat.StartTLS || !feat.TLSRequired {
		t.Errorf("starttls not parsed: %+v", feat)
	}
	if len(feat.Mechanisms) != 2 || feat.Mechanisms[0] != "SCRAM-SHA-1" {
		t.Errorf("Mechanisms = %v", feat.Mechanisms)
	}

	f, err = r.Next()
	if err != nil || f.Kind != FrameEnd {
		t.Fatalf("third frame = %+v, %v", f, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after end: %v", err)
	}
}

func TestReader_TruncatedStream(t *testing.T) {
	r := NewReader(strings.NewReader(serverOpen + `<stream:features/>`))
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReader_RestartOnSharedBuffer(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(
		serverOpen + `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>` +
			serverOpen + `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`))

	r := NewReader(br)
	r.Next() //nolint:errcheck
	f, err := r.Next()
	if err != nil || !f.Node.Is(NsSASL, "success") {
		t.Fatalf("success frame = %+v, %v", f, err)
	}

	// A fresh decoder picks up exactly where the old one stopped.
	r = NewReader(br)
	if f, err := r.Next(); err != nil || f.Kind != FrameHeader {
		t.Fatalf("restart header = %+v, %v", f, err)
	}
	f, err = r.Next()
	if err != nil || !ParseFeatures(f.Node).Bind {
		t.Fatalf("restart features = %+v, %v", f, err)
	}
}

func TestHeader_Modern(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0", true},
		{"1.1", true},
		{"2.0", true},
		{"0.9", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (Header{Version: tt.version}).Modern(); got != tt.want {
			t.Errorf("Modern(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestParseFeatures_Session(t *testing.T) {
	r := NewReader(strings.NewReader(serverOpen +
		`<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>` +
		`<session xmlns='urn:ietf:params:xml:ns:xmpp-session'><optional/></session>` +
		`<auth xmlns='http://jabber.org/features/iq-auth'/></stream:features>`))
	r.Next() //nolint:errcheck
	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	feat := ParseFeatures(f.Node)
	if !feat.Bind || !feat.Session || !feat.SessionOptional || !feat.IQAuth {
		t.Errorf("features = %+v", feat)
	}
}

func TestParseStreamError(t *testing.T) {
	r := NewReader(strings.NewReader(serverOpen +
		`<stream:error><system-shutdown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>` +
		`<text xmlns='urn:ietf:params:xml:ns:xmpp-streams'>bye</text></stream:error>`))
	r.Next() //nolint:errcheck
	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	se := ParseStreamError(f.Node)
	if se.Condition != "system-shutdown" || se.Text != "bye" {
		t.Errorf("stream error = %+v", se)
	}
	if !strings.Contains(se.Error(), "system-shutdown") {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestCondition(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`, "not-authorized"},
		{`<iq type='error' id='b'><error type='cancel'><conflict xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`, "conflict"},
		{`<iq type='error' id='a'><error code='401'/></iq>`, "code-401"},
	}
	for _, tt := range tests {
		r := NewReader(strings.NewReader(serverOpen + tt.in))
		r.Next() //nolint:errcheck
		f, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got := Condition(f.Node); got != tt.want {
			t.Errorf("Condition(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenStream(t *testing.T) {
	modern := string(OpenStream("example.com", true))
	if !strings.Contains(modern, "to='example.com'") || !strings.Contains(modern, "version='1.0'") {
		t.Errorf("modern header = %s", modern)
	}
	legacy := string(OpenStream("a&b", false))
	if strings.Contains(legacy, "version=") {
		t.Errorf("legacy header carries a version: %s", legacy)
	}
	if !strings.Contains(legacy, "a&amp;b") {
		t.Errorf("domain not escaped: %s", legacy)
	}
}
