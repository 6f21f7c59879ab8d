package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"jabconn/util"
)

// InsecureKnownHosts disables host key checking for a gateway.
const InsecureKnownHosts = "insecure"

// PassphraseFunc supplies the passphrase for an encrypted key file.
type PassphraseFunc func(keyPath string) ([]byte, error)

// defaultKeyNames are tried in ~/.ssh when the registry entry names no
// credentials at all.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"} //nolint:gochecknoglobals

// gatewayAuth lists the SSH methods for cfg in the order they are
// offered: key file, agent, password.  An entry with none of them falls
// back to the agent and the usual key files.
func gatewayAuth(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.UseAgent {
		m, err := agentMethod()
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	if m, err := agentMethod(); err == nil {
		methods = append(methods, m)
	}
	if home, err := os.UserHomeDir(); err == nil {
		var signers []ssh.Signer
		for _, name := range defaultKeyNames {
			// Encrypted defaults are skipped; only an explicit key prompts.
			if s, err := loadSigner(filepath.Join(home, ".ssh", name), nil); err == nil {
				signers = append(signers, s)
			}
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH credentials: set key, agent or pass on the ssh proxy")
	}
	return methods, nil
}

// loadSigner parses a private key, asking passphrase for one when the
// key is encrypted.
func loadSigner(path string, passphrase PassphraseFunc) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	if passphrase == nil {
		return nil, errors.New("key is encrypted and no passphrase source is configured")
	}
	pass, err := passphrase(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	return ssh.ParsePrivateKeyWithPassphrase(pemBytes, pass)
}

func agentMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("ssh-agent: SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh-agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// gatewayHostKeys verifies the gateway against known_hosts, or skips the
// check when the entry says "insecure".
func gatewayHostKeys(cfg *SSHConfig, logger *util.Logger) (ssh.HostKeyCallback, error) {
	path := cfg.KnownHosts
	switch path {
	case InsecureKnownHosts:
		logger.Warn("ssh: not verifying the host key of %s", cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opted in per proxy entry
	case "":
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", path, err)
	}
	return cb, nil
}
