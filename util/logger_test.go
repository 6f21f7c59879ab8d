package util

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestLogger_Verbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		want      []string
	}{
		{0, []string{"[ERR]"}},
		{1, []string{"[ERR]", "[WRN]", "[INF]"}},
		{2, []string{"[ERR]", "[WRN]", "[INF]", "[VRB]"}},
		{3, []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.verbosity), func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(tt.verbosity)
			l.SetOutput(&buf)
			l.SetTimestamps(false)

			l.Error("bind refused")
			l.Warn("certificate expired")
			l.Info("transport connected")
			l.Verbose("state: authenticating")
			l.Debug("<stream:features/>")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(tt.want), buf.String())
			}
			for i, tag := range tt.want {
				if !strings.HasPrefix(lines[i], tag+" ") {
					t.Errorf("line %d = %q, want tag %s", i, lines[i], tag)
				}
			}
		})
	}
}

func TestLogger_DebugTimestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3)
	l.SetOutput(&buf)
	l.Debug("wire")

	// "15:04:05.000 [DBG] wire"
	out := buf.String()
	if len(out) < 13 || out[2] != ':' || out[8] != '.' || !strings.Contains(out, " [DBG] wire") {
		t.Errorf("missing timestamp: %q", out)
	}
}

func TestLogger_Nil(t *testing.T) {
	var l *Logger
	l.Info("ignored")
	l.Error("ignored")
	if l.With("x") != nil {
		t.Error("With on nil logger should stay nil")
	}
	if l.Level() != LogQuiet {
		t.Errorf("Level = %d", l.Level())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	child := l.With("attempt=1").With("phase=tls")
	child.Info("hello")
	l.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if lines[0] != "[INF] attempt=1 phase=tls hello" {
		t.Errorf("child line = %q", lines[0])
	}
	if lines[1] != "[INF] parent" {
		t.Errorf("parent line = %q", lines[1])
	}
}

func TestLogger_Discard(t *testing.T) {
	// Should not panic or print.
	Discard().Error("dropped")
}

func TestBufferPool(t *testing.T) {
	b := GetBuffer()
	if b.Len() != 0 {
		t.Fatalf("fresh buffer holds %d bytes", b.Len())
	}
	b.WriteString("<stream:stream>")
	PutBuffer(b)

	b2 := GetBuffer()
	if b2.Len() != 0 {
		t.Errorf("reused buffer not reset: %q", b2.String())
	}
	PutBuffer(b2)

	// Oversized buffers are dropped rather than pooled.
	big := GetBuffer()
	big.Grow(2 * maxPooledBuffer)
	PutBuffer(big)

	PutBuffer(nil)
}
