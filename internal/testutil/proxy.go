package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"testing"

	"github.com/die-net/socksify/internal/socks"
)

// FakeProxy is a minimal SOCKS4/4a/5 and HTTP CONNECT server for tests. It
// speaks whichever protocol the client opens with.
type FakeProxy struct {
	ctx  context.Context
	ln   net.Listener
	auth socks.Auth

	// hosts overrides name resolution for hostname targets.
	hosts map[string]netip.Addr

	// reply, when non-zero, is sent in place of every SOCKS5 success reply.
	reply uint8

	mu      sync.Mutex
	targets []string
	wg      sync.WaitGroup
}

// FakeProxyOption configures StartFakeProxy.
type FakeProxyOption func(*FakeProxy)

// WithAuth requires SOCKS5 username/password authentication.
func WithAuth(user, pass string) FakeProxyOption {
	return func(p *FakeProxy) { p.auth = socks.Auth{Username: user, Password: pass} }
}

// WithHost makes the proxy resolve host to ip.
func WithHost(host string, ip netip.Addr) FakeProxyOption {
	return func(p *FakeProxy) { p.hosts[host] = ip }
}

// WithReply makes every SOCKS5 request fail with rep.
func WithReply(rep uint8) FakeProxyOption {
	return func(p *FakeProxy) { p.reply = rep }
}

// StartFakeProxy listens on a loopback port until ctx is done or the test
// ends.
func StartFakeProxy(t *testing.T, ctx context.Context, opts ...FakeProxyOption) *FakeProxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	p := &FakeProxy{ctx: ctx, ln: ln, hosts: make(map[string]netip.Addr)}
	for _, o := range opts {
		o(p)
	}

	context.AfterFunc(ctx, func() { _ = ln.Close() })
	t.Cleanup(func() {
		_ = ln.Close()
		p.wg.Wait()
	})

	p.wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.wg.Go(func() {
				defer c.Close()
				stop := context.AfterFunc(ctx, func() { _ = c.Close() })
				defer stop()
				p.serve(c)
			})
		}
	})
	return p
}

// Addr is the proxy's listening address.
func (p *FakeProxy) Addr() string {
	return p.ln.Addr().String()
}

// Targets returns every destination requested so far, as sent on the wire.
func (p *FakeProxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

func (p *FakeProxy) record(a socks.Addr) {
	p.mu.Lock()
	p.targets = append(p.targets, a.String())
	p.mu.Unlock()
}

type bufConn struct {
	*bufio.Reader
	net.Conn
}

func (c bufConn) Read(b []byte) (int, error) {
	return c.Reader.Read(b)
}

func (p *FakeProxy) serve(c net.Conn) {
	br := bufio.NewReader(c)
	v, err := br.Peek(1)
	if err != nil {
		return
	}
	rw := bufConn{Reader: br, Conn: c}

	switch v[0] {
	case 0x05:
		p.serveSOCKS5(rw)
	case 0x04:
		p.serveSOCKS4(br, rw)
	default:
		p.serveHTTP(br, rw)
	}
}

func (p *FakeProxy) serveSOCKS5(c bufConn) {
	if err := socks.ServerNegotiate(c, p.auth); err != nil {
		return
	}
	req, err := socks.ServerReadRequest(c)
	if err != nil {
		return
	}
	p.record(req.Dst)

	if p.reply != 0 {
		_ = socks.WriteReply(c, p.reply, req.Atyp, netip.AddrPort{})
		return
	}

	switch req.Cmd {
	case socks.CmdConnect:
		dst, err := p.dial(req.Dst)
		if err != nil {
			socks.WriteErrorReply(c, socks.ErrConnectionRefused, req.Atyp)
			return
		}
		defer dst.Close()
		if err := socks.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
			return
		}
		pipe(c, dst)

	case socks.CmdBind:
		p.bind(c, func(ap netip.AddrPort) error {
			return socks.WriteReply(c, socks.RepSucceeded, 0x01, ap)
		})

	case socks.CmdUDPAssociate:
		p.udpAssociate(c)

	default:
		socks.WriteErrorReply(c, socks.ErrCommandNotSupported, req.Atyp)
	}
}

func (p *FakeProxy) serveSOCKS4(br *bufio.Reader, c bufConn) {
	req, err := socks.ReadSocks4Request(br)
	if err != nil {
		return
	}
	p.record(req.Dst)

	switch req.Cmd {
	case socks.CmdConnect:
		dst, err := p.dial(req.Dst)
		if err != nil {
			_ = socks.WriteSocks4Reply(c, socks.Socks4Rejected, netip.AddrPort{})
			return
		}
		defer dst.Close()
		if err := socks.WriteSocks4Reply(c, socks.Socks4Granted, netip.MustParseAddrPort(dst.LocalAddr().String())); err != nil {
			return
		}
		pipe(c, dst)

	case socks.CmdBind:
		p.bind(c, func(ap netip.AddrPort) error {
			return socks.WriteSocks4Reply(c, socks.Socks4Granted, ap)
		})

	default:
		_ = socks.WriteSocks4Reply(c, socks.Socks4Rejected, netip.AddrPort{})
	}
}

func (p *FakeProxy) serveHTTP(br *bufio.Reader, c bufConn) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()
	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}

	target, err := socks.ParseAddr(req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}
	p.record(target)

	dst, err := p.dial(target)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	pipe(c, dst)
}

func (p *FakeProxy) dial(a socks.Addr) (net.Conn, error) {
	ap, err := p.resolve(a)
	if err != nil {
		return nil, err
	}
	return net.Dial("tcp", ap.String())
}

func (p *FakeProxy) resolve(a socks.Addr) (netip.AddrPort, error) {
	if !a.IsHostname() {
		return a.AddrPort(), nil
	}
	if ip, ok := p.hosts[a.Host]; ok {
		return netip.AddrPortFrom(ip, a.Port), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", a.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ips[0], a.Port), nil
}

// bind listens for one inbound connection, reporting the listening address
// and then the peer through reply.
func (p *FakeProxy) bind(c net.Conn, reply func(netip.AddrPort) error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return
	}
	defer ln.Close()
	stop := context.AfterFunc(p.ctx, func() { _ = ln.Close() })
	defer stop()

	if err := reply(netip.MustParseAddrPort(ln.Addr().String())); err != nil {
		return
	}
	peer, err := ln.Accept()
	if err != nil {
		return
	}
	defer peer.Close()

	if err := reply(netip.MustParseAddrPort(peer.RemoteAddr().String())); err != nil {
		return
	}
	pipe(c, peer)
}

// udpAssociate relays datagrams until the control connection closes.
func (p *FakeProxy) udpAssociate(c net.Conn) {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return
	}
	defer relay.Close()

	if err := socks.WriteReply(c, socks.RepSucceeded, 0x01, relay.LocalAddr().(*net.UDPAddr).AddrPort()); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(io.Discard, c)
		_ = relay.Close()
	}()

	var client netip.AddrPort
	buf := make([]byte, 64<<10)
	for {
		n, from, err := relay.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}

		if !client.IsValid() || from == client {
			client = from
			dst, payload, err := socks.DecodeDatagram(buf[:n])
			if err != nil {
				continue
			}
			p.record(dst)
			ap, err := p.resolve(dst)
			if err != nil {
				continue
			}
			_, _ = relay.WriteToUDPAddrPort(payload, ap)
			continue
		}

		b, err := socks.EncodeDatagram(socks.AddrFromAddrPort(from), buf[:n])
		if err != nil {
			continue
		}
		_, _ = relay.WriteToUDPAddrPort(b, client)
	}
}

func pipe(a, b net.Conn) {
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(b, a)
		if cw, ok := b.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(a, b)
	_ = a.Close()
	<-done
}
