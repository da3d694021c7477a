package proxy

// Package proxy contains the listener side of tunnelsocks: the TCP accept
// loop, keepalive plumbing, and the per-connection orchestration that runs a
// SOCKS5 session, opens its tunnel channel, and hands both to the relay.
