package shim

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// errTLSProxy rejects https proxies: the handshake runs on the program's own
// descriptor, which cannot carry TLS.
var errTLSProxy = errors.New("https proxies cannot carry intercepted sockets")

// sockInfo returns the domain and type of fd.
func (s *Shim) sockInfo(fd int) (domain, sotype int, err error) {
	if domain, err = s.native.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN); err != nil {
		return 0, 0, err
	}
	if sotype, err = s.native.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err != nil {
		return 0, 0, err
	}
	return domain, sotype, nil
}

// target maps ap back to a hostname if it is an allocated fake address.
func (s *Shim) target(ap netip.AddrPort) socks.Addr {
	if name, ok := s.resolver.FakeName(ap.Addr()); ok {
		return socks.Addr{Host: name, Port: ap.Port()}
	}
	return socks.AddrFromAddrPort(ap)
}

// directSockaddr returns the sockaddr to use for a direct connection to
// target from a socket of domain. Hostnames are resolved locally.
func (s *Shim) directSockaddr(target socks.Addr, sa unix.Sockaddr, domain int) (unix.Sockaddr, error) {
	if !target.IsHostname() {
		return sa, nil
	}
	ip, err := s.resolveLocal(target.Host, domain)
	if err != nil {
		return nil, err
	}
	return sockaddr(netip.AddrPortFrom(ip, target.Port), domain)
}

// negotiate connects fd to the rule's proxy and runs the handshake for cmd.
// If the proxy cannot be reached from a socket of fd's family, a replacement
// socket is negotiated and then moved onto fd.
func (s *Shim) negotiate(fd, domain int, rule *route.Rule, cmd socks.Command, target socks.Addr) (*session, error) {
	p, ok := s.cfg.Proxy(rule.Proxy)
	if !ok {
		return nil, fmt.Errorf("unknown proxy %q", rule.Proxy)
	}
	if strings.EqualFold(p.Protocol, "https") {
		return nil, fmt.Errorf("proxy %s: %w", p.Name, errTLSProxy)
	}
	proto, auth := p.SOCKS()
	if !proto.Supports(cmd) {
		return nil, fmt.Errorf("%w: %s over %s", socks.ErrCommandNotSupported, cmd, proto)
	}

	// Hostnames only come from the fake table, whose names must not be
	// resolved locally.
	if target.IsHostname() && !proto.RemoteResolve() {
		return nil, fmt.Errorf("%w: %s over %s", socks.ErrRemoteResolveUnsupported, target, proto)
	}

	proxy, err := s.proxyAddr(rule.Proxy)
	if err != nil {
		return nil, err
	}

	work, workDomain := fd, domain
	if domain == unix.AF_INET && family(proxy.Addr()) != unix.AF_INET {
		if work, err = s.native.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0); err != nil {
			return nil, err
		}
		workDomain = unix.AF_INET6
		copyTimeouts(fd, work)
	}

	n, bound, err := s.handshake(work, proxy, proto, auth, cmd, target)
	if err != nil {
		if work != fd {
			_ = s.native.Close(work)
		}
		s.log.WithFields(log.Fields{"fd": fd, "target": target.String(), "proxy": rule.Proxy}).Warnf("socks negotiation failed: %v", err)
		return nil, err
	}
	if work != fd {
		if err := replaceFd(work, fd); err != nil {
			return nil, err
		}
	}

	return &session{
		fd:         fd,
		mode:       modeProxied,
		domain:     domain,
		sockDomain: workDomain,
		sotype:     unix.SOCK_STREAM,
		protocol:   proto,
		negotiator: n,
		proxy:      proxy,
		target:     target,
		bound:      bound,
	}, nil
}

// handshake connects fd to proxy in blocking mode and negotiates.
func (s *Shim) handshake(fd int, proxy netip.AddrPort, proto socks.Protocol, auth socks.Auth, cmd socks.Command, target socks.Addr) (*socks.Negotiator, socks.Addr, error) {
	restore, err := setBlocking(fd)
	if err != nil {
		return nil, socks.Addr{}, err
	}
	defer restore()

	domain, err := s.native.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return nil, socks.Addr{}, err
	}
	psa, err := sockaddr(proxy, domain)
	if err != nil {
		return nil, socks.Addr{}, err
	}
	if err := s.connectBlocking(fd, psa); err != nil {
		return nil, socks.Addr{}, fmt.Errorf("connect to proxy %s: %w", proxy, err)
	}

	n := &socks.Negotiator{
		Protocol: proto,
		Auth:     auth,
		Timeout:  s.cfg.NegotiationTimeout,
		OnState: func(st socks.State) {
			s.log.WithFields(log.Fields{"fd": fd, "proxy": proxy.String()}).Debugf("socks state %s", st)
		},
	}
	res, err := n.Negotiate(&fdStream{ops: s.native, fd: fd}, cmd, target)
	metrics.Negotiations.WithLabelValues(proto.String(), metrics.Result(err)).Inc()
	if err != nil {
		return nil, socks.Addr{}, err
	}
	return n, res.Bound, nil
}

// connectBlocking connects a blocking socket, waiting out EINTR.
func (s *Shim) connectBlocking(fd int, sa unix.Sockaddr) error {
	err := s.native.Connect(fd, sa)
	if !errors.Is(err, unix.EINTR) {
		return err
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	soerr, err := s.native.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// replaceFd moves the socket open as from onto fd, keeping fd's file status
// and descriptor flags, and closes from.
func replaceFd(from, fd int) error {
	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	fdfl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	dupfl := 0
	if fdfl&unix.FD_CLOEXEC != 0 {
		dupfl = unix.O_CLOEXEC
	}
	if err := unix.Dup3(from, fd, dupfl); err != nil {
		return err
	}
	_ = unix.Close(from)
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl)
	return err
}

// copyTimeouts carries the program's socket timeouts over to a socket that
// is about to replace its descriptor.
func copyTimeouts(from, to int) {
	for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
		if tv, err := unix.GetsockoptTimeval(from, unix.SOL_SOCKET, opt); err == nil {
			_ = unix.SetsockoptTimeval(to, unix.SOL_SOCKET, opt, tv)
		}
	}
}

// fallback replaces fd with a fresh socket of the same kind after a proxy
// failure, so that the caller can retry natively.
func (s *Shim) fallback(fd, domain, sotype int, target socks.Addr, cause error) error {
	s.log.WithFields(log.Fields{"fd": fd, "target": target.String()}).Warnf("proxy failed, falling back to direct: %v", cause)
	metrics.RouteDecisions.WithLabelValues("fallback").Inc()

	nfd, err := s.native.Socket(domain, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	copyTimeouts(fd, nfd)
	if err := replaceFd(nfd, fd); err != nil {
		_ = s.native.Close(nfd)
		return err
	}
	return nil
}
