package metrics

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollector_Attempts(t *testing.T) {
	c := New()

	c.AttemptStarted()
	c.AttemptStarted()
	c.SessionActive()
	if c.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", c.Attempts())
	}
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}

	c.SessionEnded()
	if c.ActiveSessions() != 0 {
		t.Errorf("active = %d, want 0", c.ActiveSessions())
	}
}

func TestCollector_Outcomes(t *testing.T) {
	c := New()
	c.Outcome("active")
	c.Outcome("proxy-rejected")
	c.Outcome("proxy-rejected")

	got := c.Outcomes()
	if got["active"] != 1 || got["proxy-rejected"] != 2 {
		t.Errorf("outcomes = %v", got)
	}

	// The returned map is a copy.
	got["active"] = 99
	if c.Outcomes()["active"] != 1 {
		t.Error("Outcomes leaked internal map")
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_Reconnects(t *testing.T) {
	c := New()

	c.Reconnect()
	c.Reconnect()
	c.Reconnect()

	if c.Reconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.Reconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
	if snap := c.Snapshot(); snap.LastErrorMessage != "second error" || snap.LastError == "" {
		t.Errorf("last error = %q at %q", snap.LastErrorMessage, snap.LastError)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.AttemptStarted()
	c.Outcome("auth-failed")
	c.BytesSent(42)

	var snap Snapshot
	if err := json.Unmarshal([]byte(c.JSON()), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap.AttemptsTotal != 1 || snap.BytesOut != 42 || snap.Outcomes["auth-failed"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.AttemptStarted()
	c.SessionActive()
	c.SessionEnded()
	c.Outcome("x")
	c.BytesReceived(1)
	c.BytesSent(1)
	c.Reconnect()
	c.RecordError("x")

	if c.Attempts() != 0 || c.ActiveSessions() != 0 || c.ErrorCount() != 0 {
		t.Error("nil collector reported values")
	}
	if len(c.Outcomes()) != 0 {
		t.Error("nil collector reported outcomes")
	}
	_ = c.Snapshot()
	_ = c.JSON()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if c.CountConn(a) != a {
		t.Error("nil collector wrapped the conn")
	}
}

func TestCollector_CountConn(t *testing.T) {
	c := New()
	a, b := net.Pipe()
	defer b.Close()

	conn := c.CountConn(a)
	defer conn.Close()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(b, buf) //nolint:errcheck
		b.Write([]byte("pong!!"))
	}()

	if _, err := conn.Write([]byte("ping!")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if c.TotalBytesOut() != 5 || c.TotalBytesIn() != 6 {
		t.Errorf("in/out = %d/%d, want 6/5", c.TotalBytesIn(), c.TotalBytesOut())
	}
}

func TestCollector_Prometheus(t *testing.T) {
	c := New()
	c.AttemptStarted()
	c.SessionActive()
	c.Outcome("active")
	c.Outcome("tls-trust-rejected")
	c.BytesReceived(10)
	c.BytesSent(20)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	if f := byName["jabconn_attempts_total"]; f == nil || f.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("attempts family = %v", f)
	}
	if f := byName["jabconn_sessions_active"]; f == nil || f.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("active family = %v", f)
	}
	outcomes := byName["jabconn_attempt_outcomes_total"]
	if outcomes == nil || len(outcomes.GetMetric()) != 2 {
		t.Fatalf("outcomes family = %v", outcomes)
	}
	var kinds []string
	for _, m := range outcomes.GetMetric() {
		kinds = append(kinds, m.GetLabel()[0].GetValue())
	}
	if strings.Join(kinds, ",") != "active,tls-trust-rejected" {
		t.Errorf("outcome kinds = %v", kinds)
	}
	bytes := byName["jabconn_transfer_bytes_total"]
	if bytes == nil || len(bytes.GetMetric()) != 2 {
		t.Fatalf("bytes family = %v", bytes)
	}
}
