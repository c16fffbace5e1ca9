package socks

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

const (
	socks4Version      = 0x04
	socks4ReplyVersion = 0x00
)

// socks4aMarker is the 0.0.0.x destination that tells a SOCKS4a server to
// read a hostname after the user id.
var socks4aMarker = netip.AddrFrom4([4]byte{0, 0, 0, 1})

func (n *Negotiator) socks4(rw io.ReadWriter, cmd Command, target Addr) (*Result, error) {
	req, err := encodeSOCKS4Request(n.Protocol, cmd, target, n.Auth.Username)
	if err != nil {
		return nil, err
	}

	n.enter(StateRequestSent)
	if _, err := rw.Write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	bound, err := readSOCKS4Reply(rw)
	n.enter(StateReplyReceived)
	if err != nil {
		return nil, err
	}
	return &Result{Bound: bound}, nil
}

func encodeSOCKS4Request(p Protocol, cmd Command, target Addr, userID string) ([]byte, error) {
	ip := target.IP.Unmap()
	if target.IsHostname() {
		if p != ProtocolSOCKS4a {
			return nil, ErrRemoteResolveUnsupported
		}
		ip = socks4aMarker
	} else if !ip.Is4() {
		return nil, fmt.Errorf("%w: socks4 carries IPv4 only", ErrAddressNotSupported)
	}

	b := make([]byte, 0, 9+len(userID)+len(target.Host)+1)
	b = append(b, socks4Version, byte(cmd))
	b = binary.BigEndian.AppendUint16(b, target.Port)
	ip4 := ip.As4()
	b = append(b, ip4[:]...)
	b = append(b, userID...)
	b = append(b, 0)
	if target.IsHostname() {
		b = append(b, target.Host...)
		b = append(b, 0)
	}
	return b, nil
}

func readSOCKS4Reply(r io.Reader) (Addr, error) {
	var rep [8]byte
	if _, err := io.ReadFull(r, rep[:]); err != nil {
		return Addr{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	// Some servers echo version 4 instead of 0.
	if rep[0] != socks4ReplyVersion && rep[0] != socks4Version {
		return Addr{}, fmt.Errorf("%w: reply version %#x", ErrMalformedReply, rep[0])
	}
	if rep[1] != Socks4Granted {
		return Addr{}, socks4ReplyError(rep[1])
	}
	return Addr{
		IP:   netip.AddrFrom4([4]byte(rep[4:8])),
		Port: binary.BigEndian.Uint16(rep[2:4]),
	}, nil
}

// Socks4Request is a parsed SOCKS4/4a request, as seen by a server.
type Socks4Request struct {
	Cmd    Command
	Dst    Addr
	UserID string
}

var errNulTerminated = errors.New("field too long")

// ReadSocks4Request reads a SOCKS4 or SOCKS4a request, including the version
// byte.
func ReadSocks4Request(r *bufio.Reader) (*Socks4Request, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks4 request: %w", err)
	}
	if hdr[0] != socks4Version {
		return nil, fmt.Errorf("socks4 request: version %#x", hdr[0])
	}
	req := &Socks4Request{
		Cmd: Command(hdr[1]),
		Dst: Addr{
			IP:   netip.AddrFrom4([4]byte(hdr[4:8])),
			Port: binary.BigEndian.Uint16(hdr[2:4]),
		},
	}

	user, err := readNulString(r)
	if err != nil {
		return nil, fmt.Errorf("socks4 user id: %w", err)
	}
	req.UserID = user

	ip4 := req.Dst.IP.As4()
	if ip4[0] == 0 && ip4[1] == 0 && ip4[2] == 0 && ip4[3] != 0 {
		host, err := readNulString(r)
		if err != nil {
			return nil, fmt.Errorf("socks4a hostname: %w", err)
		}
		req.Dst = Addr{Host: host, Port: req.Dst.Port}
	}
	return req, nil
}

// WriteSocks4Reply writes an 8-byte SOCKS4 reply.
func WriteSocks4Reply(w io.Writer, cd uint8, bound netip.AddrPort) error {
	b := make([]byte, 0, 8)
	b = append(b, socks4ReplyVersion, cd)
	b = binary.BigEndian.AppendUint16(b, bound.Port())
	ip := bound.Addr().Unmap()
	if !ip.Is4() {
		ip = netip.IPv4Unspecified()
	}
	ip4 := ip.As4()
	b = append(b, ip4[:]...)
	_, err := w.Write(b)
	return err
}

func readNulString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	if len(s) > 256 {
		return "", errNulTerminated
	}
	return s[:len(s)-1], nil
}
