package shim

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// errDirectSocket is reported when a datagram socket already sending
// directly is asked to reach a destination the table routes through a proxy.
var errDirectSocket = errors.New("destination is proxied but the socket sends directly")

// Connect connects fd to sa, directly or through the proxy chosen by the
// routing table. A proxied connect returns once negotiation has finished,
// even on a non-blocking descriptor.
func (s *Shim) Connect(fd int, sa unix.Sockaddr) error {
	if sess := s.session(fd); sess != nil {
		if sess.mode == modeProxied {
			if sess.errno != 0 {
				return &Error{Op: "connect", Fd: fd, Errno: sess.errno}
			}
			return &Error{Op: "connect", Fd: fd, Errno: unix.EISCONN}
		}
		if done, err := s.reconnect(fd, sess, sa); done {
			return err
		}
	}

	ap, ok := addrPort(sa)
	if !ok {
		return s.native.Connect(fd, sa)
	}
	domain, sotype, err := s.sockInfo(fd)
	if err != nil {
		return err
	}
	target := s.target(ap)

	switch sotype {
	case unix.SOCK_STREAM:
	case unix.SOCK_DGRAM:
		return s.connectDatagram(fd, domain, sa, target)
	default:
		return s.native.Connect(fd, sa)
	}

	rule, err := s.decide(fd, socks.CmdConnect, target)
	if err != nil {
		return newError("connect", fd, err)
	}
	if rule.Action == route.ActionDirect {
		return s.connectDirect(fd, domain, sotype, sa, target)
	}

	sess, err := s.negotiate(fd, domain, rule, socks.CmdConnect, target)
	if err != nil {
		if rule.Fallback {
			if ferr := s.fallback(fd, domain, sotype, target, err); ferr != nil {
				return newError("connect", fd, ferr)
			}
			return s.connectDirect(fd, domain, sotype, sa, target)
		}
		e := newError("connect", fd, err)
		s.classify(&session{fd: fd, mode: modeProxied, domain: domain, sotype: sotype, target: target, errno: e.Errno})
		return e
	}

	sess.peer = sa
	s.classify(sess)
	return nil
}

// reconnect handles connect on a descriptor already sending directly. The
// new destination is checked against the table: a direct one is connected
// natively, a datagram socket refuses any other, and a stream that is not
// connected drops its state so the caller routes it afresh.
func (s *Shim) reconnect(fd int, sess *session, sa unix.Sockaddr) (done bool, err error) {
	ap, ok := addrPort(sa)
	if !ok {
		return true, s.native.Connect(fd, sa)
	}
	target := s.target(ap)

	cmd := socks.CmdConnect
	if sess.sotype == unix.SOCK_DGRAM {
		cmd = socks.CmdUDPAssociate
	}
	rerr := s.directOnly(cmd, target)
	switch {
	case rerr == nil:
		return true, s.connectDirect(fd, sess.domain, sess.sotype, sa, target)
	case sess.sotype == unix.SOCK_DGRAM:
		return true, newError("connect", fd, rerr)
	}

	if _, perr := s.native.Getpeername(fd); perr == nil {
		return true, s.native.Connect(fd, sa)
	}
	s.forget(fd)
	return false, nil
}

// directOnly returns nil if the table sends target directly, and otherwise
// the error a socket committed to direct delivery reports for it.
func (s *Shim) directOnly(cmd socks.Command, target socks.Addr) error {
	rule, err := s.table.Lookup(cmd, target)
	if err != nil {
		return err
	}
	switch rule.Action {
	case route.ActionDirect:
		return nil
	case route.ActionBlock:
		return fmt.Errorf("%w: %s", route.ErrBlocked, target)
	default:
		return fmt.Errorf("%w: %s via %s", errDirectSocket, target, rule.Proxy)
	}
}

// connectDirect connects natively. The descriptor is recorded as direct only
// once the kernel has accepted the connect, so a failed attempt leaves it
// unrouted.
func (s *Shim) connectDirect(fd, domain, sotype int, sa unix.Sockaddr, target socks.Addr) error {
	dsa, err := s.directSockaddr(target, sa, domain)
	if err != nil {
		return newError("connect", fd, err)
	}
	err = s.native.Connect(fd, dsa)
	if err == nil || errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR) {
		s.classify(&session{fd: fd, mode: modePassthrough, domain: domain, sotype: sotype})
	}
	return err
}

// connectDatagram handles connect on a datagram socket: a proxied socket
// gets a UDP association and sa becomes its default destination.
func (s *Shim) connectDatagram(fd, domain int, sa unix.Sockaddr, target socks.Addr) error {
	sess, err := s.classifyDatagram(fd, domain, target, sa)
	if err != nil {
		return newError("connect", fd, err)
	}
	if sess.mode == modePassthrough {
		return s.connectDirect(fd, domain, unix.SOCK_DGRAM, sa, target)
	}
	return nil
}
