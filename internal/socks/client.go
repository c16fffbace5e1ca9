package socks

import (
	"fmt"
	"io"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

func (n *Negotiator) socks5(rw io.ReadWriter, cmd Command, target Addr) (*Result, error) {
	n.enter(StateAuthNegotiate)
	if err := n.socks5Auth(rw); err != nil {
		return nil, err
	}

	atyp, addr, port, err := wireAddr(target)
	if err != nil {
		return nil, err
	}

	n.enter(StateRequestSent)
	if _, err := txsocks5.NewRequest(byte(cmd), atyp, addr, port).WriteTo(rw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	bound, err := readSOCKS5Reply(rw)
	n.enter(StateReplyReceived)
	if err != nil {
		return nil, err
	}
	return &Result{Bound: bound}, nil
}

func (n *Negotiator) socks5Auth(rw io.ReadWriter) error {
	methods := []byte{txsocks5.MethodNone}
	if n.Auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if n.Auth.Username == "" {
			return fmt.Errorf("%w: server requires username/password", ErrNoAcceptableAuth)
		}

		n.enter(StateAuthExchange)
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(n.Auth.Username), []byte(n.Auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthRejected
		}
		return nil
	default:
		return fmt.Errorf("%w: server chose method %#x", ErrNoAcceptableAuth, neg.Method)
	}
}

func readSOCKS5Reply(r io.Reader) (Addr, error) {
	rep, err := txsocks5.NewReplyFrom(r)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if rep.Rep != RepSucceeded {
		return Addr{}, ReplyError(rep.Rep)
	}
	bound, err := ParseAddr(rep.Address())
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return bound, nil
}

// wireAddr converts target into the ATYP/DST.ADDR/DST.PORT triple expected by
// the txthinking constructors, which add the domain length prefix themselves.
func wireAddr(target Addr) (atyp byte, addr, port []byte, err error) {
	if target.IsHostname() && len(target.Host) > 255 {
		return 0, nil, nil, fmt.Errorf("%w: hostname longer than 255 bytes", ErrAddressNotSupported)
	}
	if !target.IsValid() {
		target.IP = netip.IPv4Unspecified()
	}
	atyp, addr, port, err = txsocks5.ParseAddress(target.String())
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrAddressNotSupported, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	return atyp, addr, port, nil
}
