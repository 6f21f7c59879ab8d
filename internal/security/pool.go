// Package security wraps a connected transport in TLS and turns the
// peer certificate chain into a trust verdict.
//
// Layout:
//
//   - pool.go: trusted roots (system + PEM files and directories)
//   - watcher.go: reloads a Pool when its sources change (fsnotify)
//   - layer.go: handshake and verdict
//   - decider.go: trust decision policies
package security

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNoCertsFound is returned when a PEM source holds no certificates.
	ErrNoCertsFound = errors.New("security: no certificates found in PEM data")
)

// RootStore hands out the trusted roots used to verify a handshake.
// Implementations must be safe for concurrent use; callers treat the
// returned pool as read-only.
type RootStore interface {
	Roots() *x509.CertPool
}

// Pool manages a set of trusted root certificates.
type Pool struct {
	certPool *x509.CertPool
	count    int
}

// NewPool creates a pool seeded with the system roots.  If they cannot
// be loaded the pool starts empty.
func NewPool() *Pool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &Pool{certPool: pool}
}

// NewEmptyPool creates a pool without system roots.
func NewEmptyPool() *Pool {
	return &Pool{certPool: x509.NewCertPool()}
}

// AddCertFile adds every certificate in a PEM file.
func (p *Pool) AddCertFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("security: read cert file %s: %w", path, err)
	}
	if err := p.AddCertPEM(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// AddCertPEM adds certificates from PEM-encoded data.  Blocks other
// than CERTIFICATE are skipped.
func (p *Pool) AddCertPEM(pemData []byte) error {
	added := 0
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("security: parse certificate: %w", err)
		}
		p.AddCert(cert)
		added++
	}
	if added == 0 {
		return ErrNoCertsFound
	}
	return nil
}

// AddCert adds a parsed certificate.
func (p *Pool) AddCert(cert *x509.Certificate) {
	p.certPool.AddCert(cert)
	p.count++
}

// AddCertDir adds every .pem, .crt and .cer file in dir.  Unreadable
// files are skipped and reported together.
func (p *Pool) AddCertDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("security: read dir %s: %w", dir, err)
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isCertFile(entry.Name()) {
			continue
		}
		if err := p.AddCertFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Roots implements RootStore.
func (p *Pool) Roots() *x509.CertPool { return p.certPool }

// Added returns how many certificates were added on top of the
// system roots.
func (p *Pool) Added() int { return p.count }

func isCertFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pem", ".crt", ".cer":
		return true
	}
	return false
}

// Sources names where a Pool's custom roots come from.
type Sources struct {
	System bool
	Files  []string
	Dirs   []string
}

// Load builds a Pool from src.  Missing files are errors; bad files
// inside a directory are reported but do not stop the load.
func Load(src Sources) (*Pool, error) {
	p := NewEmptyPool()
	if src.System {
		p = NewPool()
	}
	for _, f := range src.Files {
		if err := p.AddCertFile(f); err != nil {
			return nil, err
		}
	}
	var errs []error
	for _, d := range src.Dirs {
		if err := p.AddCertDir(d); err != nil {
			errs = append(errs, err)
		}
	}
	return p, errors.Join(errs...)
}
