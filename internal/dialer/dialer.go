package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/socks"
)

// ContextDialer mirrors the net.Dialer interface.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound dialer.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks4://[user@]host:port
//   - socks4a://[user@]host:port
//   - socks5://[user:pass@]host:port (also socks5h)
//
// A default port is applied if the URL host is missing one.
func New(cfg Config, upstream string) (ContextDialer, error) {
	p, err := config.ParseProxyURL("upstream", upstream, "")
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return NewDirectDialer(cfg), nil
	}
	return NewProxyDialer(cfg, p)
}

// NewProxyDialer constructs a dialer that tunnels through p.
func NewProxyDialer(cfg Config, p config.Proxy) (ContextDialer, error) {
	proto, auth := p.SOCKS()
	if _, err := socks.ParseProtocol(p.Protocol); err != nil {
		return nil, fmt.Errorf("proxy %s: %w", p.Name, err)
	}
	if proto == socks.ProtocolHTTPConnect {
		return NewHTTPProxyDialer(cfg, p.Address, p.Protocol == "https", auth)
	}
	return NewSOCKSProxyDialer(cfg, proto, p.Address, auth)
}
