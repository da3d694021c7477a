package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrUnsupportedAddressType is returned when a request carries an ATYP byte
// other than IPv4, domain name, or IPv6.
var ErrUnsupportedAddressType = errors.New("unsupported address type")

// DecodeAddress decodes the destination address field starting at off in buf,
// using the wire address type atyp. It returns the host as text and the
// offset of the first byte past the address.
//
// IPv4 addresses render as dotted decimal. Domain names are passed through as
// raw text, never resolved. IPv6 addresses render as eight uncompressed
// lowercase 4-hex-digit groups; valid but verbose, which keeps the encoding
// trivially reversible without canonicalization rules.
func DecodeAddress(atyp byte, buf []byte, off int) (string, int, error) {
	switch atyp {
	case txsocks5.ATYPIPv4:
		if len(buf) < off+4 {
			return "", 0, io.ErrUnexpectedEOF
		}
		return net.IP(buf[off : off+4]).String(), off + 4, nil
	case txsocks5.ATYPDomain:
		if len(buf) < off+1 {
			return "", 0, io.ErrUnexpectedEOF
		}
		n := int(buf[off])
		if len(buf) < off+1+n {
			return "", 0, io.ErrUnexpectedEOF
		}
		return string(buf[off+1 : off+1+n]), off + 1 + n, nil
	case txsocks5.ATYPIPv6:
		if len(buf) < off+16 {
			return "", 0, io.ErrUnexpectedEOF
		}
		var groups [8]string
		for i := range groups {
			groups[i] = fmt.Sprintf("%02x%02x", buf[off+2*i], buf[off+2*i+1])
		}
		return strings.Join(groups[:], ":"), off + 16, nil
	default:
		return "", 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddressType, atyp)
	}
}

// EncodeReply builds the fixed 10-byte SOCKS5 reply frame for the given reply
// code. The bound address is always 0.0.0.0:0; this proxy relays through a
// tunnel channel and has no meaningful local bind endpoint to report, which
// RFC 1928 permits.
func EncodeReply(rep byte) []byte {
	return []byte{
		txsocks5.Ver, rep, 0x00, txsocks5.ATYPIPv4,
		0x00, 0x00, 0x00, 0x00, // BND.ADDR
		0x00, 0x00, // BND.PORT
	}
}
