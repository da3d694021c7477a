package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
)

const relayBufferSize = 32 * 1024

// Tunnel is the bidirectional data path to the destination, established by
// the caller before Relay. CloseWrite signals an orderly end of the outbound
// direction; *net.TCPConn and x/crypto/ssh direct-tcpip channel conns both
// provide it.
type Tunnel interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// ConnTunnel adapts a net.Conn into a Tunnel. Conns that cannot shut down
// their write side independently degrade CloseWrite to a full close.
func ConnTunnel(conn net.Conn) Tunnel {
	if t, ok := conn.(Tunnel); ok {
		return t
	}
	return connTunnel{conn}
}

type connTunnel struct{ net.Conn }

func (t connTunnel) CloseWrite() error { return t.Conn.Close() }

// Relay moves bytes in both directions between the client and the tunnel
// until either side ends.
//
// The downstream direction (tunnel to client) runs on its own goroutine and
// closes the client connection exactly once when the tunnel's inbound side
// ends. The upstream direction (client to tunnel) runs on the calling
// goroutine; Relay returns when it finishes, which may be before downstream
// has drained.
//
// Once the client stream is exhausted, the half-close flag suppresses any
// further downstream writes and the tunnel is ended in an orderly way with
// CloseWrite. There is no cancellation primitive: termination is driven
// entirely by end-of-stream and close signals from either side. Backpressure
// is whatever the underlying writes provide.
func (s *Session) Relay(tunnel Tunnel) error {
	go s.pumpDownstream(tunnel)

	var relayErr error
	for {
		chunk, err := s.stream.next()
		if len(chunk) > 0 {
			if _, werr := tunnel.Write(chunk); werr != nil {
				relayErr = fmt.Errorf("tunnel write: %w", werr)
				break
			}
		}
		if err != nil {
			// A conn closed by the downstream direction is a normal end,
			// same as client EOF.
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				relayErr = fmt.Errorf("client read: %w", err)
			}
			break
		}
	}

	// The client side is known gone; downstream must not write to it.
	s.clientGone.Store(true)
	if err := tunnel.CloseWrite(); err != nil {
		_ = tunnel.Close()
	}
	return relayErr
}

func (s *Session) pumpDownstream(tunnel Tunnel) {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := tunnel.Read(buf)
		if n > 0 && !s.clientGone.Load() {
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.Close()
	_ = tunnel.Close()
}
