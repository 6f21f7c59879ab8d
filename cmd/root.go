// Package cmd wires up the CLI flags and drives one XMPP session from
// the terminal.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"jabconn/config"
	"jabconn/internal/account"
	"jabconn/internal/metrics"
	"jabconn/internal/resolver"
	"jabconn/internal/security"
	"jabconn/internal/session"
	"jabconn/internal/transport"
	"jabconn/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X jabconn/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives the user-facing result lines.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs a session until it ends, fails for good
// or ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg := &config.Config{}
	config.LoadFromEnv(cfg)
	fs := flag.NewFlagSet("jabconn", flag.ContinueOnError)

	// Defaults are the environment values, so flags win over env.

	// ── account ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.Password, "password", "P", cfg.Password, "Account password (prefer --ask-password or JABCONN_PASSWORD)")
	fs.BoolVar(&cfg.PromptPassword, "ask-password", cfg.PromptPassword, "Prompt for the password")
	fs.StringVar(&cfg.Realm, "realm", cfg.Realm, "SASL realm for DIGEST-MD5 (default: the JID domain)")
	fs.BoolVarP(&cfg.Anonymous, "anonymous", "a", cfg.Anonymous, "Log in anonymously")

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&cfg.Host, "host", "H", cfg.Host, "Connect to this host instead of the JID domain")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to use with --host")
	fs.BoolVar(&cfg.LegacySSLProbe, "ssl-probe", cfg.LegacySSLProbe, "Probe the legacy SSL port on the JID domain")
	fs.BoolVar(&cfg.DirectSSL, "direct-ssl", cfg.DirectSSL, "Start TLS before the stream (legacy port 5223)")
	fs.BoolVar(&cfg.StartTLS, "starttls", cfg.StartTLS, "Upgrade the stream with STARTTLS")
	fs.BoolVar(&cfg.Legacy, "legacy", cfg.Legacy, "Use the pre-1.0 protocol with iq:auth")
	fs.BoolVar(&cfg.AllowPlain, "allow-plain", cfg.AllowPlain, "Allow PLAIN authentication without TLS")

	timeoutSec := int(cfg.Timeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Transport connect timeout in seconds")

	// ── proxy ────────────────────────────────────────────────────
	fs.StringVar(&cfg.ProxyFile, "proxy-file", cfg.ProxyFile, "YAML proxy registry")
	fs.IntVarP(&cfg.ProxyIndex, "proxy", "x", cfg.ProxyIndex, "1-based proxy index in the registry (0 = direct)")

	// ── trust ────────────────────────────────────────────────────
	fs.StringVar(&cfg.Trust, "trust", cfg.Trust, "Untrusted certificates: ask, accept or reject")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "Extra trusted roots (PEM file)")
	fs.StringVar(&cfg.CADir, "ca-dir", cfg.CADir, "Directory of extra trusted roots")
	fs.BoolVar(&cfg.WatchCA, "watch-ca", cfg.WatchCA, "Reload --ca-file/--ca-dir when they change")
	fs.StringSliceVar(&cfg.RevokedSerials, "revoked", cfg.RevokedSerials, "Certificate serials (hex) to treat as revoked")

	// ── reconnect ────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Reconnect, "reconnect", "r", cfg.Reconnect, "Reconnect after failures that allow it")
	fs.IntVar(&cfg.MaxReconnects, "max-reconnects", cfg.MaxReconnects, "Attempts before giving up (default 10, -1 = unlimited)")
	fs.DurationVar(&cfg.ReconnectBackoff, "reconnect-backoff", cfg.ReconnectBackoff, "Initial delay between reconnects (default 2s)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Serve Prometheus metrics on this address")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var check, dryRun, showVersion, showHelp bool
	fs.BoolVar(&check, "check", false, "Close the stream as soon as it is active and exit")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate and print the connection plan, then exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || (len(args) == 0 && cfg.JID == "") {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "jabconn %s\n", version)
		return nil
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.JID = rest[0]
	default:
		return fmt.Errorf("too many arguments (use --help for usage)")
	}
	if timeoutSec > 0 {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr, err := buildAddress(cfg)
	if err != nil {
		return err
	}
	proxy, err := selectProxy(cfg)
	if err != nil {
		return err
	}
	plan, err := resolver.Resolve(addr, proxy, addr.Mode)
	if err != nil {
		return err
	}
	if dryRun {
		printPlan(stdout, addr, plan)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)

	creds := account.Credentials{Username: addr.JID.User, Password: cfg.Password, Realm: cfg.Realm}
	if creds.Realm == "" {
		creds.Realm = addr.JID.Domain
	}
	if wantPasswordPrompt(cfg) {
		pass, err := readPassword(fmt.Sprintf("Password for %s: ", addr.JID.Bare()))
		if err != nil {
			return err
		}
		creds.Password = pass
	}

	roots, stopRoots, err := loadRoots(cfg, logger)
	if err != nil {
		return err
	}
	defer stopRoots()

	m := metrics.New()
	if cfg.MetricsListen != "" {
		ms, err := startMetrics(cfg.MetricsListen, m, logger)
		if err != nil {
			return err
		}
		defer ms.Close()
		logger.Info("serving metrics on http://%s/metrics", ms.Addr())
	}

	c := newClient(cfg, logger, m)
	c.addr, c.proxy, c.creds, c.check = addr, proxy, creds, check
	c.start(session.Options{
		Connector: &transport.Connector{
			Timeout:    cfg.Timeout,
			Logger:     logger.With("transport"),
			Passphrase: keyPassphrase,
		},
		Layer: security.NewLayer(roots,
			security.WithRevoked(cfg.RevokedSerials...),
			security.WithLogger(logger.With("tls"))),
		Decider: newDecider(cfg.Trust, logger),
		Logger:  logger,
		Metrics: m,
	})
	defer c.stop()

	err = c.run(ctx)
	logger.Verbose("metrics: %s", m.JSON())
	return err
}

// ── helpers ──────────────────────────────────────────────────────────

// buildAddress turns the validated configuration into an address.
func buildAddress(cfg *config.Config) (account.Address, error) {
	jid, err := account.ParseJID(cfg.JID)
	if err != nil {
		return account.Address{}, err
	}
	if cfg.Anonymous {
		jid.User = ""
	}
	addr := account.Address{
		JID:            jid,
		Host:           cfg.Host,
		Port:           cfg.Port,
		LegacySSLProbe: cfg.LegacySSLProbe,
		DirectSSL:      cfg.DirectSSL,
		StartTLS:       cfg.StartTLS,
		AllowPlain:     cfg.AllowPlain,
		Mode:           account.ModeModern,
	}
	if cfg.Legacy {
		addr.Mode = account.ModeLegacy
	}
	return addr, nil
}

// selectProxy loads the registry only when a proxy is requested.
func selectProxy(cfg *config.Config) (config.ProxySpec, error) {
	if cfg.ProxyIndex == 0 {
		return config.ProxySpec{}, nil
	}
	reg, err := config.LoadRegistry(cfg.ProxyFile)
	if err != nil {
		return config.ProxySpec{}, err
	}
	return reg.Get(cfg.ProxyIndex)
}

func printPlan(w io.Writer, addr account.Address, plan resolver.Plan) {
	fmt.Fprintf(w, "account:   %s (%s)\n", addr.JID.Bare(), addr.Mode)
	fmt.Fprintf(w, "target:    %s\n", plan.Target())
	fmt.Fprintf(w, "transport: %s\n", plan.Proxy)
	if plan.PollURL != "" {
		fmt.Fprintf(w, "poll url:  %s\n", plan.PollURL)
	}
	tlsMode := "none"
	switch {
	case plan.DirectTLS:
		tlsMode = "direct"
	case addr.StartTLS:
		tlsMode = "starttls"
	}
	fmt.Fprintf(w, "tls:       %s\n", tlsMode)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `jabconn – XMPP connection tool v%s

Opens a client stream to an XMPP server, secures and authenticates it,
and reports each step.

Usage:
  jabconn [options] <user@domain[/resource]>

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  jabconn --ask-password --starttls alice@example.com       Log in with STARTTLS
  jabconn -a --check example.com                            Anonymous reachability check
  jabconn --legacy --direct-ssl bob@old.example.org         Pre-1.0 server on port 5223
  jabconn --proxy-file proxies.yaml -x 2 alice@example.com  Through the second proxy
  jabconn --dry-run -H 10.0.0.5 -p 5222 alice@example.com   Print the connection plan
`)
}
