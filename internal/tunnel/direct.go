package tunnel

import (
	"context"
	"fmt"
	"net"
)

// Dialer opens a tunnel channel to a destination on behalf of a SOCKS5
// session. The returned conn is handed to the session's relay; conns that
// support CloseWrite preserve half-close semantics through the relay.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a Dialer that connects straight to the
// destination over TCP.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: d.cfg.DialTimeout}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}

	return conn, nil
}
