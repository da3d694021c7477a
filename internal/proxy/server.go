package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/shellwayz/tunnelsocks/internal/socks5"
)

// Server accepts SOCKS5 clients and relays each one through a tunnel
// channel opened by the configured Dialer.
type Server struct {
	ctx     context.Context
	cfg     Config
	log     *slog.Logger
	verbose bool
}

// NewServer builds a server. ctx is used for tunnel dials so a shutdown
// cancels connection setup in flight; log may be nil for the default.
func NewServer(ctx context.Context, cfg Config, log *slog.Logger, verbose bool) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ctx: ctx, cfg: cfg, log: log, verbose: verbose}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	sess := socks5.NewSession(conn, s.cfg.NegotiationTimeout)

	req, err := sess.NegotiateAndParse()
	if err != nil {
		if rep, ok := setupReplyCode(err); ok {
			sess.SendError(rep)
		}
		sess.Close()
		if s.verbose {
			s.log.Warn("socks5 setup failed", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}

	tun, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", req.Address())
	if err != nil {
		sess.SendError(txsocks5.RepConnectionRefused)
		sess.Close()
		if s.verbose {
			s.log.Warn("tunnel dial failed", "remote", conn.RemoteAddr(), "dest", req.Address(), "error", err)
		}
		return
	}

	sess.SendSuccess()
	if s.verbose {
		s.log.Info("relaying", "remote", conn.RemoteAddr(), "dest", req.Address())
	}

	if err := sess.Relay(socks5.ConnTunnel(tun)); err != nil && s.verbose {
		s.log.Warn("relay ended with error", "remote", conn.RemoteAddr(), "dest", req.Address(), "error", err)
	}
}

// setupReplyCode maps a session setup failure to the closest SOCKS5 reply
// code. The second result is false when no reply should be written: the
// handshake failures happen before the client expects reply frames, and the
// no-acceptable-method refusal was already sent by the negotiator itself.
func setupReplyCode(err error) (byte, bool) {
	switch {
	case errors.Is(err, socks5.ErrUnsupportedCommand):
		return txsocks5.RepCommandNotSupported, true
	case errors.Is(err, socks5.ErrUnsupportedAddressType):
		return txsocks5.RepAddressNotSupported, true
	case errors.Is(err, socks5.ErrHandshakeTimeout),
		errors.Is(err, socks5.ErrInvalidVersion),
		errors.Is(err, socks5.ErrTruncatedHandshake),
		errors.Is(err, socks5.ErrNoAcceptableAuth):
		return 0, false
	default:
		return txsocks5.RepServerFailure, true
	}
}
