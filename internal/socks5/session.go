package socks5

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// Negotiation and parse failures. All are fatal to the session; there is no
// retry, and the caller's only recourse is an error reply where one is
// expressible, then closing the connection.
var (
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrInvalidVersion     = errors.New("invalid SOCKS version")
	ErrTruncatedHandshake = errors.New("truncated handshake")
	ErrNoAcceptableAuth   = errors.New("no acceptable authentication method")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// DefaultHandshakeTimeout bounds the initial greeting read. The CONNECT
// request read is deliberately left unbounded.
const DefaultHandshakeTimeout = 10 * time.Second

// ConnectRequest is the parsed destination of a CONNECT request. Host is a
// dotted-decimal IPv4 literal, a raw domain name, or an uncompressed IPv6
// literal; it is never resolved here.
type ConnectRequest struct {
	Host string
	Port uint16
}

// Address returns the destination in host:port form, suitable for dialing.
func (r ConnectRequest) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Session is a single server-side SOCKS5 session over an accepted
// connection. It sequences negotiation, request parsing, the setup reply,
// and the relay; each phase must complete before the next begins.
type Session struct {
	conn             net.Conn
	stream           *clientStream
	w                *bufio.Writer
	handshakeTimeout time.Duration

	// clientGone is written only by the upstream relay direction and read
	// only by the downstream one. It stops downstream writes once the
	// client side is known to be gone.
	clientGone atomic.Bool
	closeOnce  sync.Once
}

// NewSession wraps an accepted client connection. handshakeTimeout bounds
// only the greeting read; zero or negative selects DefaultHandshakeTimeout.
func NewSession(conn net.Conn, handshakeTimeout time.Duration) *Session {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Session{
		conn:             conn,
		stream:           &clientStream{conn: conn, buf: make([]byte, relayBufferSize)},
		w:                bufio.NewWriter(conn),
		handshakeTimeout: handshakeTimeout,
	}
}

// clientStream is the session's sole cursor over the client byte stream.
// Exactly one consumer may pull from it at any time: handing the conn to a
// second reader would split the stream non-deterministically, so nothing
// outside the session reads conn directly.
type clientStream struct {
	conn net.Conn
	buf  []byte
}

// next pulls the next chunk from the client. During negotiation each SOCKS5
// frame is expected to arrive in a single read; clients send each frame as
// one segment.
func (s *clientStream) next() ([]byte, error) {
	n, err := s.conn.Read(s.buf)
	return s.buf[:n], err
}

func (s *clientStream) nextDeadline(d time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()
	return s.next()
}

// Negotiate consumes the client greeting and selects the no-authentication
// method, replying [0x05 0x00] on success or [0x05 0xFF] when the client
// offers no acceptable method.
func (s *Session) Negotiate() error {
	msg, err := s.stream.nextDeadline(s.handshakeTimeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("greeting read: %w", err)
	}

	if len(msg) < 2 || msg[0] != txsocks5.Ver {
		return ErrInvalidVersion
	}
	n := int(msg[1])
	if len(msg) < 2+n {
		return ErrTruncatedHandshake
	}

	if bytes.IndexByte(msg[2:2+n], txsocks5.MethodNone) < 0 {
		// RFC 1928: 0xFF means no acceptable methods; the client is
		// expected to tear the connection down after reading it.
		_, _ = s.w.Write([]byte{txsocks5.Ver, 0xff})
		_ = s.w.Flush()
		return ErrNoAcceptableAuth
	}

	if _, err := s.w.Write([]byte{txsocks5.Ver, txsocks5.MethodNone}); err != nil {
		return fmt.Errorf("greeting reply: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("greeting reply: %w", err)
	}
	return nil
}

// ParseConnect consumes the CONNECT request and decodes the destination.
// BIND and UDP ASSOCIATE are rejected with ErrUnsupportedCommand. Unlike the
// greeting, this read has no deadline.
func (s *Session) ParseConnect() (ConnectRequest, error) {
	msg, err := s.stream.next()
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("request read: %w", err)
	}

	if len(msg) < 7 || msg[1] != txsocks5.CmdConnect {
		return ConnectRequest{}, ErrUnsupportedCommand
	}

	// VER CMD RSV ATYP DST.ADDR DST.PORT
	host, off, err := DecodeAddress(msg[3], msg, 4)
	if err != nil {
		return ConnectRequest{}, err
	}
	if len(msg) < off+2 {
		return ConnectRequest{}, io.ErrUnexpectedEOF
	}

	return ConnectRequest{Host: host, Port: binary.BigEndian.Uint16(msg[off : off+2])}, nil
}

// NegotiateAndParse runs the handshake followed by request parsing and
// returns the parsed destination. The caller establishes the tunnel channel,
// reports the outcome with SendSuccess or SendError, and then hands the
// session to Relay.
func (s *Session) NegotiateAndParse() (ConnectRequest, error) {
	if err := s.Negotiate(); err != nil {
		return ConnectRequest{}, err
	}
	return s.ParseConnect()
}

// SendSuccess tells the client the tunnel channel is open.
//
// Like SendError, the write is best effort: the client may already have
// disconnected, and no later protocol step could act on the failure. If the
// reply was lost, the relay finds out soon enough.
func (s *Session) SendSuccess() {
	s.sendReply(txsocks5.RepSuccess)
}

// SendError reports a failed session setup using the given Rep code.
func (s *Session) SendError(rep byte) {
	s.sendReply(rep)
}

func (s *Session) sendReply(rep byte) {
	_, _ = s.w.Write(EncodeReply(rep))
	_ = s.w.Flush()
}

// Close closes the client connection. Safe to call more than once; the
// downstream relay direction and the orchestrator share it.
func (s *Session) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}
