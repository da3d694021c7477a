package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP listens on network/addr and applies keepAliveConfig to every
// accepted TCP connection.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &keepAliveListener{Listener: ln, cfg: keepAliveConfig}, nil
}

type keepAliveListener struct {
	net.Listener
	cfg net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.cfg)
	}

	return conn, nil
}
