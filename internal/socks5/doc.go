package socks5

// Package socks5 implements the server side of a SOCKS5 session over an
// already-accepted connection: method negotiation, CONNECT request parsing,
// reply encoding, and the bidirectional relay between the client and a
// tunnel channel established by the caller.
//
// It reuses the wire constants from github.com/txthinking/socks5 rather than
// redefining them, but parses and encodes frames itself because the session
// model here differs from that library's: the caller supplies the tunnel
// endpoint, and the session never dials anything.
//
// Only CONNECT with no-authentication is supported. BIND and UDP ASSOCIATE
// are rejected, and domain names are passed through unresolved.
