package socks

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteReply writes a SOCKS5 reply with the given code and bound address.
// An invalid bound address is sent as the zero address of the family implied
// by atyp.
func WriteReply(w io.Writer, rep uint8, atyp byte, bound netip.AddrPort) error {
	if !bound.IsValid() {
		_, err := newZeroAddrReply(rep, atyp).WriteTo(w)
		return err
	}
	a, addr, port, err := wireAddr(AddrFromAddrPort(bound))
	if err != nil {
		return err
	}
	if _, err := txsocks5.NewReply(rep, a, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	ap, err := netip.ParseAddrPort(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if err := WriteReply(w, RepSucceeded, txsocks5.ATYPIPv4, ap); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteErrorReply writes the SOCKS5 reply corresponding to err.
func WriteErrorReply(w io.Writer, err error, atyp byte) {
	_, _ = newZeroAddrReply(ReplyCode(err), atyp).WriteTo(w)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}
