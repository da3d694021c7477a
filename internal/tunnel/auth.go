package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AgentAuthType is the special SSHKeyPath value selecting the SSH agent.
const AgentAuthType = "agent"

// AgentAvailable reports whether an SSH agent socket is present.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// LoadSigners resolves keyPath to SSH signers: "agent" queries the SSH
// agent, "" means no key authentication, anything else is read as an
// OpenSSH private key file.
func LoadSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return agentSigners()
	default:
		keyData, err := os.ReadFile(keyPath) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		return []ssh.Signer{signer}, nil
	}
}

func agentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// The agent client keeps conn for the lifetime of the signers; it is
	// closed only on error, otherwise when the process exits.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}

	return signers, nil
}

// NewHostKeyCallback builds a host key verifier backed by the known_hosts
// file at path, creating the file and its directory when missing. Unknown
// hosts are appended on first contact (trust on first use); a host present
// with a different key is rejected. An empty path disables verification.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			// The host is known with a different key.
			return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
		}

		mu.Lock()
		defer mu.Unlock()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}

		slog.Info("added ssh host key on first use", "host", hostname, "file", path)
		return nil
	}, nil
}
