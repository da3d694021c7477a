package socks5

import (
	"bytes"
	"errors"
	"io"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

func TestDecodeAddress(t *testing.T) {
	tests := []struct {
		name    string
		atyp    byte
		buf     []byte
		off     int
		host    string
		newOff  int
		wantErr error
	}{
		{
			name: "ipv4", atyp: txsocks5.ATYPIPv4,
			buf:  []byte{127, 0, 0, 1},
			host: "127.0.0.1", newOff: 4,
		},
		{
			name: "ipv4_at_request_offset", atyp: txsocks5.ATYPIPv4,
			buf: []byte{0x05, 0x01, 0x00, 0x01, 10, 20, 30, 40, 0x00, 0x50},
			off: 4, host: "10.20.30.40", newOff: 8,
		},
		{
			name: "domain", atyp: txsocks5.ATYPDomain,
			buf:  append([]byte{11}, []byte("example.com")...),
			host: "example.com", newOff: 12,
		},
		{
			name: "domain_empty", atyp: txsocks5.ATYPDomain,
			buf:  []byte{0, 0xAA},
			host: "", newOff: 1,
		},
		{
			name: "ipv6_verbose_no_compression", atyp: txsocks5.ATYPIPv6,
			buf: []byte{
				0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0,
				0, 0, 0, 0, 0, 0, 0, 0x01,
			},
			host: "2001:0db8:0000:0000:0000:0000:0000:0001", newOff: 16,
		},
		{
			name: "ipv6_lowercase_hex", atyp: txsocks5.ATYPIPv6,
			buf: []byte{
				0xfe, 0x80, 0xab, 0xcd, 0xef, 0x01, 0, 0,
				0, 0, 0, 0, 0, 0, 0xff, 0xfe,
			},
			host: "fe80:abcd:ef01:0000:0000:0000:0000:fffe", newOff: 16,
		},
		{
			name: "unsupported_atyp", atyp: 0x02,
			buf:     []byte{1, 2, 3, 4},
			wantErr: ErrUnsupportedAddressType,
		},
		{
			name: "ipv4_short", atyp: txsocks5.ATYPIPv4,
			buf:     []byte{127, 0},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name: "domain_short", atyp: txsocks5.ATYPDomain,
			buf:     []byte{8, 'e', 'x'},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name: "ipv6_short", atyp: txsocks5.ATYPIPv6,
			buf:     make([]byte, 15),
			wantErr: io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, newOff, err := DecodeAddress(tt.atyp, tt.buf, tt.off)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if host != tt.host {
				t.Fatalf("expected host %q got %q", tt.host, host)
			}
			if newOff != tt.newOff {
				t.Fatalf("expected offset %d got %d", tt.newOff, newOff)
			}
		})
	}
}

func TestEncodeReplyFrame(t *testing.T) {
	got := EncodeReply(txsocks5.RepSuccess)
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected % x got % x", want, got)
	}
}

func TestEncodeReplyRecoversCode(t *testing.T) {
	codes := []byte{
		txsocks5.RepSuccess,
		txsocks5.RepServerFailure,
		txsocks5.RepNotAllowed,
		txsocks5.RepNetworkUnreachable,
		txsocks5.RepHostUnreachable,
		txsocks5.RepConnectionRefused,
		txsocks5.RepTTLExpired,
		txsocks5.RepCommandNotSupported,
		txsocks5.RepAddressNotSupported,
	}

	for _, code := range codes {
		frame := EncodeReply(code)
		if len(frame) != 10 {
			t.Fatalf("expected 10-byte frame got %d", len(frame))
		}
		if frame[0] != 0x05 || frame[2] != 0x00 || frame[3] != 0x01 {
			t.Fatalf("bad frame header % x", frame)
		}
		if frame[1] != code {
			t.Fatalf("expected code 0x%02x got 0x%02x", code, frame[1])
		}
	}
}
