package cmd

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"jabconn/config"
	"jabconn/internal/security"
	"jabconn/util"
)

// ── Password ─────────────────────────────────────────────────────────

// wantPasswordPrompt reports whether the password must be read from the
// terminal: on request, or when none was given and stdin is a terminal.
func wantPasswordPrompt(cfg *config.Config) bool {
	if cfg.Anonymous {
		return false
	}
	if cfg.PromptPassword {
		return true
	}
	return cfg.Password == "" && term.IsTerminal(int(os.Stdin.Fd()))
}

func readPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("cannot prompt for password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

// keyPassphrase prompts for the passphrase of an encrypted SSH gateway
// key.
func keyPassphrase(keyPath string) ([]byte, error) {
	pass, err := readPassword(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
	return []byte(pass), err
}

// ── Trust ────────────────────────────────────────────────────────────

// newDecider maps the --trust policy onto a decider.  "ask" needs a
// terminal; without one untrusted chains are rejected.
func newDecider(policy string, logger *util.Logger) security.Decider {
	switch policy {
	case config.TrustAccept:
		logger.Warn("accepting untrusted certificates without asking")
		return security.AcceptAll
	case config.TrustReject:
		return security.RejectAll
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Verbose("stdin is not a terminal; untrusted certificates will be rejected")
		return security.RejectAll
	}
	return newTrustPrompt(os.Stdin, os.Stderr)
}

// trustPrompt asks the user about every untrusted chain.
type trustPrompt struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTrustPrompt(in io.Reader, out io.Writer) *trustPrompt {
	return &trustPrompt{in: bufio.NewReader(in), out: out}
}

// Decide implements security.Decider.  It gives up when ctx ends, which
// happens when the attempt is reset.
func (p *trustPrompt) Decide(ctx context.Context, req security.TrustRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nThe certificate presented by %s is not trusted: %s\n", req.Host, req.Verdict)
	for i, cert := range req.Chain {
		fmt.Fprintf(p.out, "  [%d] %s\n", i, describeCert(cert))
	}
	fmt.Fprint(p.out, "Accept it for this connection? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return false, fmt.Errorf("reading answer: %w", a.err)
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func describeCert(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	hexSum := make([]string, len(sum))
	for i, b := range sum {
		hexSum[i] = fmt.Sprintf("%02X", b)
	}
	return fmt.Sprintf("subject=%q issuer=%q valid %s..%s sha256=%s",
		c.Subject.String(), c.Issuer.String(),
		c.NotBefore.UTC().Format(time.DateOnly), c.NotAfter.UTC().Format(time.DateOnly),
		strings.Join(hexSum, ":"))
}

// ── Roots ────────────────────────────────────────────────────────────

// loadRoots builds the root store: the system roots plus --ca-file and
// --ca-dir, followed for changes with --watch-ca.  The returned func
// releases the watcher.
func loadRoots(cfg *config.Config, logger *util.Logger) (security.RootStore, func(), error) {
	noop := func() {}
	if cfg.CAFile == "" && cfg.CADir == "" {
		return security.NewPool(), noop, nil
	}

	src := security.Sources{System: true}
	if cfg.CAFile != "" {
		src.Files = []string{cfg.CAFile}
	}
	if cfg.CADir != "" {
		src.Dirs = []string{cfg.CADir}
	}

	if !cfg.WatchCA {
		pool, err := security.Load(src)
		if pool == nil {
			return nil, nil, err
		}
		if err != nil {
			logger.Warn("some roots were skipped: %v", err)
		}
		logger.Verbose("loaded %d custom roots", pool.Added())
		return pool, noop, nil
	}

	w, err := security.NewWatcher(src,
		security.WithWatchLogger(logger.With("roots")),
		security.WithReloadHook(func(p *security.Pool) {
			logger.Info("trusted roots reloaded (%d custom)", p.Added())
		}))
	if err != nil {
		return nil, nil, err
	}
	w.StartAsync()
	return w, w.Stop, nil
}
