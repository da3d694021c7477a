package testutil

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// StartEchoServer starts a TCP listener that echoes every accepted
// connection until EOF. The listener is closed via t.Cleanup.
func StartEchoServer(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	return ln
}

// AssertEcho writes msg and expects to read it back unchanged.
func AssertEcho(t *testing.T, rw io.ReadWriter, msg []byte) {
	t.Helper()

	if _, err := rw.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(got))
	}
}
