package shim

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// Bind binds fd locally, or, if the routing table sends the bind address to
// a proxy, issues a BIND request so that the proxy listens on the program's
// behalf.
func (s *Shim) Bind(fd int, sa unix.Sockaddr) error {
	if sess := s.session(fd); sess != nil {
		if sess.mode == modePassthrough {
			return s.native.Bind(fd, sa)
		}
		return &Error{Op: "bind", Fd: fd, Errno: unix.EINVAL}
	}

	ap, ok := addrPort(sa)
	if !ok {
		return s.native.Bind(fd, sa)
	}
	domain, sotype, err := s.sockInfo(fd)
	if err != nil {
		return err
	}
	if sotype != unix.SOCK_STREAM {
		return s.native.Bind(fd, sa)
	}
	target := socks.AddrFromAddrPort(ap)

	rule, err := s.decide(fd, socks.CmdBind, target)
	if err != nil {
		return newError("bind", fd, err)
	}
	if rule.Action == route.ActionDirect {
		return s.bindDirect(fd, domain, sotype, sa)
	}

	sess, err := s.negotiate(fd, domain, rule, socks.CmdBind, target)
	if err != nil {
		if rule.Fallback {
			if ferr := s.fallback(fd, domain, sotype, target, err); ferr != nil {
				return newError("bind", fd, ferr)
			}
			return s.bindDirect(fd, domain, sotype, sa)
		}
		return newError("bind", fd, err)
	}

	sess.binding = true
	s.classify(sess)
	s.log.WithFields(log.Fields{"fd": fd, "bound": sess.bound.String()}).Debug("socks bind established")
	return nil
}

// bindDirect binds natively, recording fd as direct once the bind succeeded.
func (s *Shim) bindDirect(fd, domain, sotype int, sa unix.Sockaddr) error {
	if err := s.native.Bind(fd, sa); err != nil {
		return err
	}
	s.classify(&session{fd: fd, mode: modePassthrough, domain: domain, sotype: sotype})
	return nil
}

// Listen is a no-op on a descriptor bound through a proxy.
func (s *Shim) Listen(fd, backlog int) error {
	if sess := s.session(fd); sess != nil && sess.binding {
		return nil
	}
	return s.native.Listen(fd, backlog)
}

// Accept returns the inbound connection. On a proxy-bound descriptor it waits
// for the proxy's second BIND reply and returns a duplicate of fd carrying
// the relayed connection; only one connection can be accepted.
func (s *Shim) Accept(fd int) (int, unix.Sockaddr, error) {
	sess := s.session(fd)
	if sess == nil || !sess.binding {
		nfd, sa, err := s.native.Accept(fd)
		if err == nil {
			s.forget(nfd)
		}
		return nfd, sa, err
	}
	if sess.accepted.Swap(true) {
		return -1, nil, &Error{Op: "accept", Fd: fd, Errno: unix.ECONNABORTED}
	}

	restore, err := setBlocking(fd)
	if err != nil {
		return -1, nil, err
	}
	peer, err := sess.negotiator.AwaitBind(&fdStream{ops: s.native, fd: fd})
	restore()
	if err != nil {
		return -1, nil, newError("accept", fd, err)
	}

	psa, err := sess.report(peer)
	if err != nil {
		return -1, nil, newError("accept", fd, err)
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}

	s.forget(nfd)
	s.classify(&session{
		fd:         nfd,
		mode:       modeProxied,
		domain:     sess.domain,
		sockDomain: sess.sockDomain,
		sotype:     unix.SOCK_STREAM,
		protocol:   sess.protocol,
		proxy:      sess.proxy,
		target:     peer,
		peer:       psa,
		bound:      sess.bound,
	})
	s.log.WithFields(log.Fields{"fd": fd, "newfd": nfd, "peer": peer.String()}).Debug("socks bind accepted")
	return nfd, psa, nil
}

// errAcceptPending is reported by Getpeername on a proxy-bound descriptor
// before its connection has been accepted.
var errAcceptPending = errors.New("bind awaiting inbound connection")
