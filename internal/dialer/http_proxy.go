package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/socks"
)

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg       Config
	proxyAddr string
	useTLS    bool
	auth      socks.Auth
	direct    ContextDialer
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for proxyAddr.
//
// If auth carries a username, Proxy-Authorization is sent using HTTP Basic
// auth.
func NewHTTPProxyDialer(cfg Config, proxyAddr string, useTLS bool, auth socks.Auth) (*HTTPProxyDialer, error) {
	host, _, err := net.SplitHostPort(proxyAddr)
	if err != nil || host == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}

	return &HTTPProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		useTLS:    useTLS,
		auth:      auth,
		direct:    NewDirectDialer(cfg),
	}, nil
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext establishes a TCP connection to address via the configured
// HTTP/HTTPS proxy.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. If NegotiationTimeout is set, it bounds TLS and CONNECT
// negotiation.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}
	target, err := socks.ParseAddr(address)
	if err != nil {
		return nil, err
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if f.useTLS {
		hostname, _, _ := net.SplitHostPort(f.proxyAddr)
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostname})
		if f.cfg.NegotiationTimeout > 0 {
			_ = tlsConn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	n := &socks.Negotiator{
		Protocol: socks.ProtocolHTTPConnect,
		Auth:     f.auth,
		Timeout:  f.cfg.NegotiationTimeout,
	}
	if _, err := negotiate(ctx, c, n, socks.CmdConnect, target); err != nil {
		return nil, fmt.Errorf("http proxy connect %s: %w", address, err)
	}
	return c, nil
}

// negotiate runs n over c, closing c if ctx ends first or negotiation fails.
func negotiate(ctx context.Context, c net.Conn, n *socks.Negotiator, cmd socks.Command, target socks.Addr) (*socks.Result, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	res, err := n.Negotiate(c, cmd, target)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	metrics.Negotiations.WithLabelValues(n.Protocol.String(), metrics.Result(err)).Inc()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return res, nil
}
