package socks

import (
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

var errFragmented = errors.New("fragmented socks5 datagram")

// MaxDatagramHeader is the largest SOCKS5 UDP request header: RSV, FRAG,
// ATYP, a 255-byte hostname with its length, and the port.
const MaxDatagramHeader = 2 + 1 + 1 + 1 + 255 + 2

// EncodeDatagram wraps payload in a SOCKS5 UDP request header addressed to
// dst.
func EncodeDatagram(dst Addr, payload []byte) ([]byte, error) {
	atyp, addr, port, err := wireAddr(dst)
	if err != nil {
		return nil, err
	}
	return txsocks5.NewDatagram(atyp, addr, port, payload).Bytes(), nil
}

// DecodeDatagram strips the SOCKS5 UDP header from b, returning the address
// the datagram came from (or is destined to, on the server side) and the
// payload. Fragments are rejected.
func DecodeDatagram(b []byte) (Addr, []byte, error) {
	d, err := txsocks5.NewDatagramFromBytes(b)
	if err != nil {
		return Addr{}, nil, fmt.Errorf("decode datagram: %w", err)
	}
	if d.Frag != 0 {
		return Addr{}, nil, errFragmented
	}
	src, err := ParseAddr(d.Address())
	if err != nil {
		return Addr{}, nil, fmt.Errorf("decode datagram: %w", err)
	}
	return src, d.Data, nil
}
