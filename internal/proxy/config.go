package proxy

import (
	"time"

	"github.com/shellwayz/tunnelsocks/internal/tunnel"
)

type Config struct {
	// NegotiationTimeout bounds the SOCKS5 greeting read. The request read
	// that follows is not bounded.
	NegotiationTimeout time.Duration

	// Dialer opens the tunnel channel for each CONNECT destination.
	Dialer tunnel.Dialer
}
