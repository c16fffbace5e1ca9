package shim

import (
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// classifyDatagram routes a datagram socket on its first connect or send.
// peer is the connected destination, or nil for sendto.
func (s *Shim) classifyDatagram(fd, domain int, target socks.Addr, peer unix.Sockaddr) (*session, error) {
	rule, err := s.decide(fd, socks.CmdUDPAssociate, target)
	if err != nil {
		return nil, err
	}
	if rule.Action == route.ActionDirect {
		return s.classify(&session{fd: fd, mode: modePassthrough, domain: domain, sotype: unix.SOCK_DGRAM}), nil
	}

	sess, err := s.associate(fd, domain, rule)
	if err != nil {
		if rule.Fallback {
			s.log.WithFields(log.Fields{"fd": fd, "target": target.String()}).Warnf("udp associate failed, falling back to direct: %v", err)
			return s.classify(&session{fd: fd, mode: modePassthrough, domain: domain, sotype: unix.SOCK_DGRAM}), nil
		}
		return nil, err
	}
	if peer != nil {
		sess.target, sess.peer = target, peer
	}

	got := s.classify(sess)
	if got != sess {
		_ = s.native.Close(sess.udp.ctrl)
	}
	return got, nil
}

// associate opens a control connection to the rule's proxy and requests a
// UDP association for fd.
func (s *Shim) associate(fd, domain int, rule *route.Rule) (*session, error) {
	p, ok := s.cfg.Proxy(rule.Proxy)
	if !ok {
		return nil, fmt.Errorf("unknown proxy %q", rule.Proxy)
	}
	proto, auth := p.SOCKS()
	if !proto.Supports(socks.CmdUDPAssociate) {
		return nil, fmt.Errorf("%w: %s over %s", socks.ErrCommandNotSupported, socks.CmdUDPAssociate, proto)
	}
	proxy, err := s.proxyAddr(rule.Proxy)
	if err != nil {
		return nil, err
	}

	ctrl, err := s.native.Socket(family(proxy.Addr()), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	// The client address is not known before the first send, so the
	// request carries the unspecified address.
	n, bound, err := s.handshake(ctrl, proxy, proto, auth, socks.CmdUDPAssociate, socks.Addr{IP: netip.IPv4Unspecified()})
	if err != nil {
		_ = s.native.Close(ctrl)
		s.log.WithFields(log.Fields{"fd": fd, "proxy": rule.Proxy}).Warnf("udp associate failed: %v", err)
		return nil, err
	}

	relay := bound.AddrPort()
	relay = netip.AddrPortFrom(relay.Addr().Unmap(), relay.Port())
	switch {
	case !relay.IsValid():
		relay = proxy
	case relay.Addr().IsUnspecified():
		relay = netip.AddrPortFrom(proxy.Addr(), relay.Port())
	}
	relaySA, err := sockaddr(relay, domain)
	if err != nil {
		_ = s.native.Close(ctrl)
		return nil, err
	}

	return &session{
		fd:         fd,
		mode:       modeProxied,
		domain:     domain,
		sotype:     unix.SOCK_DGRAM,
		protocol:   proto,
		negotiator: n,
		proxy:      proxy,
		bound:      bound,
		udp:        &udpAssoc{ctrl: ctrl, relay: relay, relaySA: relaySA},
	}, nil
}

// sendDatagram wraps p for dst and sends it to the relay.
func (s *Shim) sendDatagram(sess *session, p, oob []byte, flags int, dst socks.Addr) (int, error) {
	if !dst.IsValid() {
		return 0, &Error{Op: "sendto", Fd: sess.fd, Errno: unix.EDESTADDRREQ}
	}
	b, err := socks.EncodeDatagram(dst, p)
	if err != nil {
		return 0, newError("sendto", sess.fd, err)
	}
	if _, err := s.native.Sendmsg(sess.fd, b, oob, sess.udp.relaySA, flags); err != nil {
		return 0, err
	}
	return len(p), nil
}

// recvDatagram receives one datagram from the relay, unwraps it into p and
// reports the original sender. Datagrams from anyone but the relay are
// dropped.
func (s *Shim) recvDatagram(sess *session, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	buf := make([]byte, len(p)+socks.MaxDatagramHeader)
	for {
		rn, roobn, rflags, rfrom, err := s.native.Recvmsg(sess.fd, buf, oob, flags)
		if err != nil {
			return 0, 0, 0, nil, err
		}
		if ap, ok := addrPort(rfrom); !ok || ap != sess.udp.relay {
			continue
		}
		src, payload, err := socks.DecodeDatagram(buf[:rn])
		if err != nil {
			continue
		}

		n = copy(p, payload)
		if n < len(payload) {
			rflags |= unix.MSG_TRUNC
		}
		if src.IsHostname() {
			from = sess.peer
		} else if from, err = sockaddr(src.AddrPort(), sess.domain); err != nil {
			continue
		}
		return n, roobn, rflags, from, nil
	}
}
