package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTunnel is an in-memory Tunnel with channel-backed directions, so tests
// can control exactly when each side produces data or ends.
type fakeTunnel struct {
	inbound  chan []byte // remote -> client
	outbound chan []byte // client -> remote

	writeClosed atomic.Bool
	closeOnce   sync.Once
	closed      chan struct{}
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{
		inbound:  make(chan []byte),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTunnel) Read(p []byte) (int, error) {
	b, ok := <-t.inbound
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (t *fakeTunnel) Write(p []byte) (int, error) {
	t.outbound <- append([]byte(nil), p...)
	return len(p), nil
}

func (t *fakeTunnel) CloseWrite() error {
	t.writeClosed.Store(true)
	return nil
}

func (t *fakeTunnel) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTunnel) waitClosed(tb testing.TB) {
	tb.Helper()
	select {
	case <-t.closed:
	case <-time.After(2 * time.Second):
		tb.Fatal("tunnel was not closed")
	}
}

type closeCountConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *closeCountConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type writeCountConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *writeCountConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(p)
}

func TestRelayDownstreamClosesClientOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cc := &closeCountConn{Conn: server}
	sess := NewSession(cc, time.Second)
	tun := newFakeTunnel()

	relayErr := make(chan error, 1)
	go func() { relayErr <- sess.Relay(tun) }()

	go func() {
		tun.inbound <- []byte("hel")
		tun.inbound <- []byte("lo")
		close(tun.inbound)
	}()

	got := make([]byte, 5)
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected %q got %q", "hello", string(got))
	}

	// The tunnel's inbound side has ended, so the client socket is closed
	// and nothing further is written.
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF got %v", err)
	}

	if err := <-relayErr; err != nil {
		t.Fatal(err)
	}
	tun.waitClosed(t)

	if !tun.writeClosed.Load() {
		t.Fatal("expected orderly tunnel write shutdown")
	}
	sess.Close()
	if n := cc.closes.Load(); n != 1 {
		t.Fatalf("expected client closed exactly once, got %d", n)
	}
}

func TestRelayUpstreamDelivery(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := NewSession(server, time.Second)
	tun := newFakeTunnel()

	relayErr := make(chan error, 1)
	go func() { relayErr <- sess.Relay(tun) }()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case chunk := <-tun.outbound:
		if !bytes.Equal(chunk, []byte("ping")) {
			t.Fatalf("expected %q got %q", "ping", string(chunk))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream chunk never arrived")
	}

	// Client done sending: the tunnel gets an orderly end-of-stream.
	_ = client.Close()
	if err := <-relayErr; err != nil {
		t.Fatal(err)
	}
	if !tun.writeClosed.Load() {
		t.Fatal("expected CloseWrite after client EOF")
	}

	close(tun.inbound)
	tun.waitClosed(t)
}

func TestRelayHalfCloseSuppressesDownstreamWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	wc := &writeCountConn{Conn: server}
	sess := NewSession(wc, time.Second)
	tun := newFakeTunnel()

	relayErr := make(chan error, 1)
	go func() { relayErr <- sess.Relay(tun) }()

	// Client disappears before the tunnel produces anything.
	_ = client.Close()
	if err := <-relayErr; err != nil {
		t.Fatal(err)
	}

	tun.inbound <- []byte("late data")
	close(tun.inbound)
	tun.waitClosed(t)

	if n := wc.writes.Load(); n != 0 {
		t.Fatalf("expected no writes after client close, got %d", n)
	}
}

func TestConnTunnelCloseWriteFallback(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	tun := ConnTunnel(a)
	if err := tun.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF got %v", err)
	}
}
