package shim

import (
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/socks"
)

// datagram returns fd's session if it carries a UDP association.
func (s *Shim) datagram(fd int) *session {
	if sess := s.session(fd); sess != nil && sess.udp != nil {
		return sess
	}
	return nil
}

func (s *Shim) Read(fd int, p []byte) (int, error) {
	if sess := s.datagram(fd); sess != nil {
		n, _, _, _, err := s.recvDatagram(sess, p, nil, 0)
		return n, err
	}
	return s.native.Read(fd, p)
}

func (s *Shim) Readv(fd int, iovs [][]byte) (int, error) {
	sess := s.datagram(fd)
	if sess == nil {
		return s.native.Readv(fd, iovs)
	}
	buf := make([]byte, iovLen(iovs))
	n, _, _, _, err := s.recvDatagram(sess, buf, nil, 0)
	if err != nil {
		return 0, err
	}
	scatter(iovs, buf[:n])
	return n, nil
}

func (s *Shim) Recv(fd int, p []byte, flags int) (int, error) {
	if sess := s.datagram(fd); sess != nil {
		n, _, _, _, err := s.recvDatagram(sess, p, nil, flags)
		return n, err
	}
	return s.native.Recv(fd, p, flags)
}

// Recvfrom reports the original sender of relayed datagrams, and the
// requested destination on proxied streams.
func (s *Shim) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	sess := s.session(fd)
	switch {
	case sess == nil || sess.mode != modeProxied:
		return s.native.Recvfrom(fd, p, flags)
	case sess.udp != nil:
		n, _, _, from, err := s.recvDatagram(sess, p, nil, flags)
		return n, from, err
	}
	n, _, err := s.native.Recvfrom(fd, p, flags)
	if err != nil {
		return n, nil, err
	}
	return n, sess.peer, nil
}

func (s *Shim) Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	sess := s.session(fd)
	switch {
	case sess == nil || sess.mode != modeProxied:
		return s.native.Recvmsg(fd, p, oob, flags)
	case sess.udp != nil:
		return s.recvDatagram(sess, p, oob, flags)
	}
	n, oobn, recvflags, _, err = s.native.Recvmsg(fd, p, oob, flags)
	if err != nil {
		return n, oobn, recvflags, nil, err
	}
	return n, oobn, recvflags, sess.peer, nil
}

func (s *Shim) Write(fd int, p []byte) (int, error) {
	if sess := s.datagram(fd); sess != nil {
		return s.sendDatagram(sess, p, nil, 0, sess.target)
	}
	return s.native.Write(fd, p)
}

func (s *Shim) Writev(fd int, iovs [][]byte) (int, error) {
	if sess := s.datagram(fd); sess != nil {
		return s.sendDatagram(sess, gather(iovs), nil, 0, sess.target)
	}
	return s.native.Writev(fd, iovs)
}

func (s *Shim) Send(fd int, p []byte, flags int) (int, error) {
	if sess := s.datagram(fd); sess != nil {
		return s.sendDatagram(sess, p, nil, flags, sess.target)
	}
	return s.native.Send(fd, p, flags)
}

// Sendto routes an unconnected datagram socket on its first send and relays
// datagrams through its association afterwards.
func (s *Shim) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return s.sendTo("sendto", fd, p, nil, flags, to)
}

func (s *Shim) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return s.sendTo("sendmsg", fd, p, oob, flags, to)
}

func (s *Shim) sendTo(op string, fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	ap, inet := addrPort(to)

	sess := s.session(fd)
	if sess == nil {
		if !inet {
			return s.native.Sendmsg(fd, p, oob, to, flags)
		}
		domain, sotype, err := s.sockInfo(fd)
		if err != nil {
			return 0, err
		}
		switch {
		case sotype == unix.SOCK_STREAM && flags&unix.MSG_FASTOPEN != 0:
			return s.sendFastOpen(op, fd, p, oob, flags, to, s.target(ap))
		case sotype != unix.SOCK_DGRAM:
			return s.native.Sendmsg(fd, p, oob, to, flags)
		}
		if sess, err = s.classifyDatagram(fd, domain, s.target(ap), nil); err != nil {
			return 0, newError(op, fd, err)
		}
	}

	switch {
	case sess.udp != nil:
		dst := sess.target
		if inet {
			dst = s.target(ap)
		}
		return s.sendDatagram(sess, p, oob, flags, dst)
	case sess.mode == modeProxied, sess.sotype == unix.SOCK_STREAM:
		// A connected stream ignores the destination.
		return s.native.Sendmsg(fd, p, oob, nil, flags)
	case inet:
		// A direct datagram socket may only reach destinations the table
		// also sends directly.
		target := s.target(ap)
		if err := s.directOnly(socks.CmdUDPAssociate, target); err != nil {
			return 0, newError(op, fd, err)
		}
		dsa, err := s.directSockaddr(target, to, sess.domain)
		if err != nil {
			return 0, newError(op, fd, err)
		}
		to = dsa
	}
	return s.native.Sendmsg(fd, p, oob, to, flags)
}

// sendFastOpen handles a TCP Fast Open send, which connects as it sends. Only
// a literal destination the table sends directly keeps the fast open; any
// other goes through Connect first.
func (s *Shim) sendFastOpen(op string, fd int, p, oob []byte, flags int, to unix.Sockaddr, target socks.Addr) (int, error) {
	if !target.IsHostname() && s.directOnly(socks.CmdConnect, target) == nil {
		return s.native.Sendmsg(fd, p, oob, to, flags)
	}
	if err := s.Connect(fd, to); err != nil {
		return 0, newError(op, fd, err)
	}
	return s.native.Sendmsg(fd, p, oob, nil, flags&^unix.MSG_FASTOPEN)
}

func iovLen(iovs [][]byte) int {
	n := 0
	for _, iov := range iovs {
		n += len(iov)
	}
	return n
}

func gather(iovs [][]byte) []byte {
	b := make([]byte, 0, iovLen(iovs))
	for _, iov := range iovs {
		b = append(b, iov...)
	}
	return b
}

func scatter(iovs [][]byte, b []byte) {
	for _, iov := range iovs {
		if len(b) == 0 {
			return
		}
		b = b[copy(iov, b):]
	}
}
