package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// SSHDialer opens tunnel channels through an SSH server.
//
// It keeps at most one shared SSH transport per dialer and multiplexes
// relays over it, one "direct-tcpip" channel per DialContext call. The
// transport is established lazily on first use; if opening a channel fails
// at the transport level, the dialer discards the transport, reconnects
// once, and retries the channel.
type SSHDialer struct {
	sshAddr          string
	sshConfig        *ssh.ClientConfig
	handshakeTimeout time.Duration
	direct           Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHDialer constructs a dialer that tunnels through the SSH server at
// sshAddr. Authentication offers the configured private key or agent
// signers first, then the password; at least one must be available.
func NewSSHDialer(cfg Config, sshAddr, username, password string) (*SSHDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh tunnel: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh tunnel: missing username")
	}

	signers, err := LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh tunnel: %w", err)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh tunnel: missing password or key")
	}

	hostKeyCallback, err := NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh tunnel: %w", err)
	}

	return &SSHDialer{
		sshAddr: sshAddr,
		sshConfig: &ssh.ClientConfig{
			User:            username,
			Auth:            methods,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		handshakeTimeout: cfg.NegotiationTimeout,
		direct:           NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a direct-tcpip channel to address over the shared SSH
// transport. Canceling ctx closes only the returned channel, never the
// transport.
func (d *SSHDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh tunnel dial %s %s: unsupported network", network, address)
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// OpenChannelError means the transport is healthy and the
		// destination itself was refused; don't tear the transport down.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh tunnel dial %s: %w", address, err)
		}

		// Transport might be dead. Invalidate, reconnect once, retry.
		d.invalidateClient()
		client, err2 := d.getClient(ctx)
		if err2 != nil {
			return nil, err
		}
		ch, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh tunnel dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ch.Close()
	})
	return &channelConn{Conn: ch, stop: stop}, nil
}

// getClient returns the shared SSH client, connecting if needed. A
// singleflight group collapses concurrent connection attempts; a caller
// whose context ends can bail out while the attempt continues for others.
func (d *SSHDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		// Background context: the attempt should complete for other
		// waiters even if the triggering caller gives up.
		newClient, err := d.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = newClient
		d.mu.Unlock()
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	if d.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.handshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, d.sshAddr, d.sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if d.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// invalidateClient discards and closes the cached SSH transport.
func (d *SSHDialer) invalidateClient() {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// Close closes the shared SSH transport, if one was established.
func (d *SSHDialer) Close() error {
	d.invalidateClient()
	return nil
}

// channelConn wraps a single direct-tcpip channel. CloseWrite is forwarded
// to the channel so the relay's half-close reaches the far end as an SSH
// channel EOF.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c *channelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
