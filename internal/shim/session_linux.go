package shim

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/socks"
)

type mode int

const (
	modePassthrough mode = iota
	modeProxied
)

// session is the routing state of one descriptor. Fields are set before the
// session is published and only read afterwards, except accepted.
type session struct {
	fd     int
	mode   mode
	domain int
	sotype int

	// sockDomain is the family of the socket behind fd. It differs from
	// domain when negotiation had to replace the socket.
	sockDomain int

	protocol   socks.Protocol
	negotiator *socks.Negotiator
	proxy      netip.AddrPort

	// target is the requested destination; peer is what Getpeername
	// reports for it.
	target socks.Addr
	peer   unix.Sockaddr

	// bound is the proxy-side address from the reply.
	bound socks.Addr

	// binding marks a descriptor that issued BIND and awaits the inbound
	// connection.
	binding  bool
	accepted atomic.Bool

	// errno is the stored negotiation failure, reported by SO_ERROR and
	// repeated connects.
	errno unix.Errno

	udp *udpAssoc
}

// udpAssoc is a SOCKS5 UDP association: the control connection that keeps
// it alive and the relay datagrams are exchanged with.
type udpAssoc struct {
	ctrl    int
	relay   netip.AddrPort
	relaySA unix.Sockaddr
}

// report turns a proxy-reported address into a sockaddr for the program. An
// address the program's family cannot express is reported in the family of
// the socket now behind the descriptor.
func (sess *session) report(a socks.Addr) (unix.Sockaddr, error) {
	sa, err := reportAddr(a, sess.proxy, sess.domain)
	if err != nil && sess.sockDomain != 0 && sess.sockDomain != sess.domain {
		return reportAddr(a, sess.proxy, sess.sockDomain)
	}
	return sa, err
}

func (s *Shim) session(fd int) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[fd]
}

// classify records the routing decision for fd. The first decision wins; if
// another call got there first its session is returned instead.
func (s *Shim) classify(sess *session) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sessions[sess.fd]; ok {
		return prev
	}
	s.sessions[sess.fd] = sess
	if sess.mode == modeProxied {
		metrics.ProxiedSessions.Inc()
	}
	return sess
}

// forget drops fd's session, returning it.
func (s *Shim) forget(fd int) *session {
	s.mu.Lock()
	sess, ok := s.sessions[fd]
	delete(s.sessions, fd)
	s.mu.Unlock()

	if ok && sess.mode == modeProxied {
		metrics.ProxiedSessions.Dec()
	}
	return sess
}

// sessionCount returns the number of classified descriptors.
func (s *Shim) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
