package shim

import (
	"golang.org/x/sys/unix"
)

// Socket creates a socket. A descriptor number reused from a socket closed
// behind the shim's back starts with no routing state.
func (s *Shim) Socket(domain, typ, proto int) (int, error) {
	fd, err := s.native.Socket(domain, typ, proto)
	if err == nil {
		s.forget(fd)
	}
	return fd, err
}

// Getsockname reports the proxy-side bound address for a proxied
// descriptor, which is where remote peers reach the program.
func (s *Shim) Getsockname(fd int) (unix.Sockaddr, error) {
	sess := s.session(fd)
	if sess == nil || sess.mode != modeProxied || sess.errno != 0 {
		return s.native.Getsockname(fd)
	}
	if sess.udp != nil {
		return s.native.Getsockname(fd)
	}
	sa, err := sess.report(sess.bound)
	if err != nil {
		return nil, newError("getsockname", fd, err)
	}
	return sa, nil
}

// Getpeername reports the destination the program asked for rather than
// the proxy.
func (s *Shim) Getpeername(fd int) (unix.Sockaddr, error) {
	sess := s.session(fd)
	if sess == nil || sess.mode != modeProxied {
		return s.native.Getpeername(fd)
	}
	switch {
	case sess.errno != 0:
		return nil, &Error{Op: "getpeername", Fd: fd, Errno: unix.ENOTCONN}
	case sess.binding && !sess.accepted.Load():
		return nil, &Error{Op: "getpeername", Fd: fd, Errno: unix.ENOTCONN, Err: errAcceptPending}
	case sess.binding, sess.peer == nil:
		return nil, &Error{Op: "getpeername", Fd: fd, Errno: unix.ENOTCONN}
	}
	return sess.peer, nil
}

// GetsockoptInt reports a stored negotiation failure through SO_ERROR.
func (s *Shim) GetsockoptInt(fd, level, opt int) (int, error) {
	if level == unix.SOL_SOCKET && opt == unix.SO_ERROR {
		if sess := s.session(fd); sess != nil && sess.errno != 0 {
			return int(sess.errno), nil
		}
	}
	return s.native.GetsockoptInt(fd, level, opt)
}

// Bindresvport binds to a privileged port. Reserved-port binds are always
// local.
func (s *Shim) Bindresvport(fd int, sa unix.Sockaddr) error {
	return s.native.Bindresvport(fd, sa)
}

// Rresvport opens a TCP socket bound to a privileged port.
func (s *Shim) Rresvport(port *int) (int, error) {
	fd, err := s.native.Rresvport(port)
	if err == nil {
		s.forget(fd)
	}
	return fd, err
}

// Select waits natively. Proxied descriptors are ordinary connected sockets
// once negotiation has finished, so readiness needs no translation.
func (s *Shim) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return s.native.Select(nfd, r, w, e, timeout)
}

// Close releases fd and any routing state attached to it.
func (s *Shim) Close(fd int) error {
	if sess := s.forget(fd); sess != nil {
		if sess.negotiator != nil {
			sess.negotiator.Close()
		}
		if sess.udp != nil {
			_ = s.native.Close(sess.udp.ctrl)
		}
	}
	return s.native.Close(fd)
}
