package tunnel

// Package tunnel establishes the remote data path that SOCKS5 sessions relay
// through. The session core never dials anything; a Dialer from this package
// opens the tunnel channel for each parsed CONNECT destination.
//
// Two providers exist: direct TCP, and SSH "direct-tcpip" channels
// multiplexed over a single shared SSH transport (the equivalent of ssh -D
// dynamic forwarding, seen from the other side).
