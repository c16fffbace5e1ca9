package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/die-net/socksify/internal/socks"
)

// SOCKSProxyDialer dials outbound TCP connections through a SOCKS4, SOCKS4a
// or SOCKS5 proxy.
type SOCKSProxyDialer struct {
	cfg       Config
	protocol  socks.Protocol
	proxyAddr string
	auth      socks.Auth
	direct    ContextDialer
}

// NewSOCKSProxyDialer constructs a dialer for the SOCKS proxy at proxyAddr.
func NewSOCKSProxyDialer(cfg Config, protocol socks.Protocol, proxyAddr string, auth socks.Auth) (*SOCKSProxyDialer, error) {
	if protocol == socks.ProtocolHTTPConnect {
		return nil, fmt.Errorf("socks proxy dialer: unsupported protocol %s", protocol)
	}
	if _, _, err := net.SplitHostPort(proxyAddr); err != nil {
		return nil, fmt.Errorf("socks proxy dialer: %w", err)
	}
	return &SOCKSProxyDialer{
		cfg:       cfg,
		protocol:  protocol,
		proxyAddr: proxyAddr,
		auth:      auth,
		direct:    NewDirectDialer(cfg),
	}, nil
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKSProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the proxy and issues a CONNECT for address. Plain
// SOCKS4 cannot carry hostnames, so those are resolved locally first.
func (f *SOCKSProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("%s proxy dial %s %s: unsupported network", f.protocol, network, address)
	}

	target, err := socks.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	if target.IsHostname() && !f.protocol.RemoteResolve() {
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", target.Host)
		if err != nil {
			return nil, fmt.Errorf("%s proxy resolve %s: %w", f.protocol, target.Host, err)
		}
		target = socks.AddrFromAddrPort(netip.AddrPortFrom(ips[0], target.Port))
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%s proxy: %w", f.protocol, err)
	}

	n := &socks.Negotiator{
		Protocol: f.protocol,
		Auth:     f.auth,
		Timeout:  f.cfg.NegotiationTimeout,
	}
	if _, err := negotiate(ctx, c, n, socks.CmdConnect, target); err != nil {
		return nil, fmt.Errorf("%s proxy dial %s %s: %w", f.protocol, network, address, err)
	}
	return c, nil
}
