package cmd

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jabconn/config"
	"jabconn/internal/account"
	"jabconn/internal/metrics"
	"jabconn/internal/security"
	"jabconn/internal/security/securitytest"
	"jabconn/util"
)

func trustRequest(t *testing.T) security.TrustRequest {
	t.Helper()
	leaf := securitytest.SelfSigned(t, securitytest.Options{CommonName: "example.com", DNSNames: []string{"example.com"}})
	return security.TrustRequest{
		Host:    "example.com",
		Chain:   []*x509.Certificate{leaf.Cert},
		Verdict: security.Verdict{Reason: security.ReasonSelfSigned, Detail: "self-signed"},
	}
}

func TestTrustPrompt_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
		{"y", true}, // no trailing newline before EOF
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := newTrustPrompt(strings.NewReader(tt.input), &out)
			got, err := p.Decide(context.Background(), trustRequest(t))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decide(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for _, w := range []string{"example.com", "self-signed", "sha256=", "[y/N]"} {
				if !strings.Contains(out.String(), w) {
					t.Errorf("prompt missing %q:\n%s", w, out.String())
				}
			}
		})
	}
}

func TestTrustPrompt_EOF(t *testing.T) {
	p := newTrustPrompt(strings.NewReader(""), io.Discard)
	ok, err := p.Decide(context.Background(), trustRequest(t))
	if err == nil || ok {
		t.Fatalf("Decide = %v, %v; want error", ok, err)
	}
}

func TestTrustPrompt_Cancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := newTrustPrompt(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	ok, err := p.Decide(ctx, trustRequest(t))
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("Decide = %v, %v; want context.Canceled", ok, err)
	}
}

func TestNewDecider(t *testing.T) {
	req := security.TrustRequest{Verdict: security.Verdict{Reason: security.ReasonExpired}}
	tests := []struct {
		policy string
		want   bool
	}{
		{config.TrustAccept, true},
		{config.TrustReject, false},
		// Tests never run with a terminal on stdin.
		{config.TrustAsk, false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			got, err := newDecider(tt.policy, util.Discard()).Decide(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("policy %q accepted = %v, want %v", tt.policy, got, tt.want)
			}
		})
	}
}

// ── Roots ────────────────────────────────────────────────────────────

func writeCA(t *testing.T, dir string) string {
	t.Helper()
	ca := securitytest.NewCA(t, "Test Root")
	path := filepath.Join(dir, "root.pem")
	if err := os.WriteFile(path, ca.PEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRoots(t *testing.T) {
	dir := t.TempDir()
	caFile := writeCA(t, dir)

	t.Run("system only", func(t *testing.T) {
		roots, stop, err := loadRoots(&config.Config{}, util.Discard())
		if err != nil {
			t.Fatal(err)
		}
		defer stop()
		if _, ok := roots.(*security.Pool); !ok {
			t.Errorf("roots = %T, want *security.Pool", roots)
		}
	})

	t.Run("ca file", func(t *testing.T) {
		roots, stop, err := loadRoots(&config.Config{CAFile: caFile}, util.Discard())
		if err != nil {
			t.Fatal(err)
		}
		defer stop()
		pool, ok := roots.(*security.Pool)
		if !ok {
			t.Fatalf("roots = %T, want *security.Pool", roots)
		}
		if pool.Added() != 1 {
			t.Errorf("Added = %d, want 1", pool.Added())
		}
	})

	t.Run("ca dir watched", func(t *testing.T) {
		roots, stop, err := loadRoots(&config.Config{CADir: dir, WatchCA: true}, util.Discard())
		if err != nil {
			t.Fatal(err)
		}
		defer stop()
		w, ok := roots.(*security.Watcher)
		if !ok {
			t.Fatalf("roots = %T, want *security.Watcher", roots)
		}
		if w.Pool().Added() != 1 {
			t.Errorf("Added = %d, want 1", w.Pool().Added())
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, _, err := loadRoots(&config.Config{CAFile: filepath.Join(dir, "nope.pem")}, util.Discard()); err == nil {
			t.Fatal("expected error for missing CA file")
		}
	})
}

// ── Address ──────────────────────────────────────────────────────────

func TestBuildAddress(t *testing.T) {
	addr, err := buildAddress(&config.Config{JID: "alice@Example.com/desk", Legacy: true, AllowPlain: true})
	if err != nil {
		t.Fatal(err)
	}
	if addr.JID.User != "alice" || addr.JID.Domain != "example.com" || addr.JID.Resource != "desk" {
		t.Errorf("JID = %+v", addr.JID)
	}
	if addr.Mode != account.ModeLegacy || !addr.AllowPlain {
		t.Errorf("address = %+v", addr)
	}

	anon, err := buildAddress(&config.Config{JID: "alice@example.com", Anonymous: true})
	if err != nil {
		t.Fatal(err)
	}
	if anon.JID.User != "" {
		t.Errorf("anonymous address kept user %q", anon.JID.User)
	}
}

// ── Metrics endpoint ─────────────────────────────────────────────────

func TestMetricsServer(t *testing.T) {
	m := metrics.New()
	m.AttemptStarted()
	m.Outcome("proxy-rejected")

	ms, err := startMetrics("127.0.0.1:0", m, util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer ms.Close()

	body := get(t, "http://"+ms.Addr()+"/metrics")
	for _, w := range []string{
		"jabconn_attempts_total 1",
		`jabconn_attempt_outcomes_total{kind="proxy-rejected"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, w) {
			t.Errorf("/metrics missing %q", w)
		}
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal([]byte(get(t, "http://"+ms.Addr()+"/metrics.json")), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.AttemptsTotal != 1 {
		t.Errorf("attempts_total = %d, want 1", snap.AttemptsTotal)
	}
}

func TestMetricsServer_BadAddress(t *testing.T) {
	if _, err := startMetrics("256.0.0.1:bad", metrics.New(), util.Discard()); err == nil {
		t.Fatal("expected listen error")
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
