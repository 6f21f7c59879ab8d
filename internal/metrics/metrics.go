// Package metrics provides lightweight, lock-free counters and gauges
// for connection attempts, and exports them to Prometheus.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks connection-attempt metrics for one process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	attemptsTotal  atomic.Int64
	sessionsActive atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	reconnects     atomic.Int64
	errorsTotal    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	outcomes     map[string]int64
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), outcomes: make(map[string]int64)}
}

// ── Attempt metrics ──────────────────────────────────────────────────

// AttemptStarted counts a new connection attempt.
func (c *Collector) AttemptStarted() {
	if c == nil {
		return
	}
	c.attemptsTotal.Add(1)
}

// Attempts returns the lifetime attempt count.
func (c *Collector) Attempts() int64 {
	if c == nil {
		return 0
	}
	return c.attemptsTotal.Load()
}

// SessionActive marks a stream as authenticated and ready.
func (c *Collector) SessionActive() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
}

// SessionEnded undoes SessionActive.
func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of streams currently active.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// Outcome counts how an attempt ended: "active", "closed", or a
// failure kind such as "proxy-rejected".
func (c *Collector) Outcome(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.outcomes[kind]++
	c.mu.Unlock()
}

// Outcomes returns a copy of the outcome counters.
func (c *Collector) Outcomes() map[string]int64 {
	out := make(map[string]int64)
	if c == nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Reconnect metrics ────────────────────────────────────────────────

// Reconnect records a reconnection by the consumer.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnection count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string           `json:"uptime"`
	AttemptsTotal    int64            `json:"attempts_total"`
	SessionsActive   int64            `json:"sessions_active"`
	Outcomes         map[string]int64 `json:"outcomes,omitempty"`
	BytesIn          int64            `json:"bytes_in"`
	BytesOut         int64            `json:"bytes_out"`
	Reconnects       int64            `json:"reconnects"`
	ErrorsTotal      int64            `json:"errors_total"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	outcomes := c.Outcomes()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		AttemptsTotal:  c.attemptsTotal.Load(),
		SessionsActive: c.sessionsActive.Load(),
		Outcomes:       outcomes,
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		Reconnects:     c.reconnects.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// ── Prometheus ───────────────────────────────────────────────────────

var (
	descAttempts = prometheus.NewDesc("jabconn_attempts_total",
		"Total number of connection attempts.", nil, nil)
	descActive = prometheus.NewDesc("jabconn_sessions_active",
		"Streams currently authenticated and active.", nil, nil)
	descOutcomes = prometheus.NewDesc("jabconn_attempt_outcomes_total",
		"Connection attempt outcomes by kind.", []string{"kind"}, nil)
	descBytes = prometheus.NewDesc("jabconn_transfer_bytes_total",
		"Bytes moved over the transport.", []string{"direction"}, nil)
	descReconnects = prometheus.NewDesc("jabconn_reconnects_total",
		"Reconnections performed by the client.", nil, nil)
	descErrors = prometheus.NewDesc("jabconn_errors_total",
		"Errors recorded.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descAttempts
	ch <- descActive
	ch <- descOutcomes
	ch <- descBytes
	ch <- descReconnects
	ch <- descErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	ch <- prometheus.MustNewConstMetric(descAttempts, prometheus.CounterValue, float64(s.AttemptsTotal))
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(s.SessionsActive))

	kinds := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ch <- prometheus.MustNewConstMetric(descOutcomes, prometheus.CounterValue, float64(s.Outcomes[k]), k)
	}

	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesIn), "in")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesOut), "out")
	ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(s.ErrorsTotal))
}

// ── Conn wrapper ─────────────────────────────────────────────────────

// CountConn returns conn with its reads and writes counted on c.
// With a nil collector conn is returned unchanged.
func (c *Collector) CountConn(conn net.Conn) net.Conn {
	if c == nil || conn == nil {
		return conn
	}
	return &countingConn{Conn: conn, c: c}
}

type countingConn struct {
	net.Conn
	c *Collector
}

func (cc *countingConn) Read(p []byte) (int, error) {
	n, err := cc.Conn.Read(p)
	cc.c.BytesReceived(int64(n))
	return n, err
}

func (cc *countingConn) Write(p []byte) (int, error) {
	n, err := cc.Conn.Write(p)
	cc.c.BytesSent(int64(n))
	return n, err
}
