package socks

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Addr is a proxy request destination: either a literal IP or a hostname to
// be resolved by the proxy, plus a port.
type Addr struct {
	IP   netip.Addr
	Host string
	Port uint16
}

// ParseAddr parses a host:port string. Hostnames are canonicalized with
// CanonicalHost.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return Addr{IP: ip.WithZone(""), Port: uint16(p)}, nil
	}
	h, err := CanonicalHost(host)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Addr{Host: h, Port: uint16(p)}, nil
}

// AddrFromAddrPort converts a netip.AddrPort, unmapping IPv4-in-IPv6.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// IsHostname reports whether a carries a hostname rather than an IP.
func (a Addr) IsHostname() bool {
	return a.Host != ""
}

// IsValid reports whether a names a destination at all.
func (a Addr) IsValid() bool {
	return a.Host != "" || a.IP.IsValid()
}

// AddrPort returns the literal address; it is invalid for hostnames.
func (a Addr) AddrPort() netip.AddrPort {
	if a.IsHostname() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a Addr) String() string {
	if a.IsHostname() {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var errEmptyHost = errors.New("empty hostname")

// CanonicalHost lowercases host, strips a trailing dot and converts IDNs to
// their ASCII form, which is what goes on the wire and into rule matching.
func CanonicalHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return "", errEmptyHost
	}
	h, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Underscores and other labels that are fine in DNS but not in
		// IDNA 2008 are passed through as-is.
		h = host
	}
	return strings.ToLower(h), nil
}
