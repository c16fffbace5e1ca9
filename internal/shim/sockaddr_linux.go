package shim

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/socks"
)

// addrPort converts an IPv4 or IPv6 sockaddr. IPv4-mapped IPv6 addresses are
// unmapped.
func addrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

// sockaddr builds a sockaddr for ap suitable for a socket of domain. IPv4
// addresses are mapped for IPv6 sockets; IPv6 addresses cannot be used with
// IPv4 sockets.
func sockaddr(ap netip.AddrPort, domain int) (unix.Sockaddr, error) {
	a := ap.Addr().Unmap()
	switch domain {
	case unix.AF_INET:
		if !a.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Addr: a.As4(), Port: int(ap.Port())}, nil
	case unix.AF_INET6:
		return &unix.SockaddrInet6{Addr: a.As16(), Port: int(ap.Port())}, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

// family returns the socket domain that can reach a natively.
func family(a netip.Addr) int {
	if a.Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// reportAddr turns a proxy-reported address into a sockaddr for the program.
// An unspecified or hostname address is replaced by fallback.
func reportAddr(a socks.Addr, fallback netip.AddrPort, domain int) (unix.Sockaddr, error) {
	ap := a.AddrPort()
	if !ap.IsValid() {
		ap = fallback
	} else if ap.Addr().IsUnspecified() {
		ap = netip.AddrPortFrom(fallback.Addr(), ap.Port())
	}
	return sockaddr(ap, domain)
}
