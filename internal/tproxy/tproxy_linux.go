//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT (IPV6_TRANSPARENT
// for IPv6 sockets) so the socket can accept connections redirected by
// iptables/nftables TPROXY rules.
//
// This requires CAP_NET_ADMIN.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the original destination for a TCP connection redirected
// to this listener.
//
// Connections redirected with REDIRECT/DNAT report it through SO_ORIGINAL_DST.
// With TPROXY the local address of the accepted connection already is the
// original destination.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, false
	}

	var (
		dst netip.AddrPort
		got bool
	)
	_ = rc.Control(func(fd uintptr) {
		dst, got = originalDst(int(fd))
	})
	if got {
		return dst, true
	}

	la, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := la.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from
// linux/netfilter_ipv6/ip6_tables.h, which x/sys/unix does not export.
const ip6tSOOriginalDst = 80

// originalDst queries the conntrack destination. Both options return a raw
// sockaddr; the mreq and mtuinfo getters are the x/sys/unix accessors whose
// buffers are large enough to hold one.
func originalDst(fd int) (netip.AddrPort, bool) {
	if mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST); err == nil {
		// struct sockaddr_in: family, port (big endian), address.
		b := mreq.Multiaddr
		port := binary.BigEndian.Uint16(b[2:4])
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), port), true
	}
	if info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, ip6tSOOriginalDst); err == nil {
		// The port field holds network byte order in host memory.
		var pb [2]byte
		binary.NativeEndian.PutUint16(pb[:], info.Addr.Port)
		return netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr).Unmap(), binary.BigEndian.Uint16(pb[:])), true
	}
	return netip.AddrPort{}, false
}
