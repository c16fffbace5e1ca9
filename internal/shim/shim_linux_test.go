package shim

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
	"github.com/die-net/socksify/internal/testutil"
)

func newTestShim(t *testing.T, yaml string, opts ...Option) *Shim {
	t.Helper()

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Init("test", cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// proxyYAML routes everything, loopback included, through a single proxy.
func proxyYAML(protocol, addr, extra string) string {
	return `
bypass_loopback: false
negotiation_timeout: 2s
proxies:
  - {name: up, protocol: ` + protocol + `, address: "` + addr + `"}
default: up
` + extra
}

func newSocket(t *testing.T, s *Shim, typ int) int {
	t.Helper()

	fd, err := s.Socket(unix.AF_INET, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	tv := unix.NsecToTimeval((2 * time.Second).Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	t.Cleanup(func() { _ = s.Close(fd) })
	return fd
}

func inet4(t *testing.T, addr string) *unix.SockaddrInet4 {
	t.Helper()

	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return &unix.SockaddrInet4{Addr: ap.Addr().As4(), Port: int(ap.Port())}
}

func sockaddrString(sa unix.Sockaddr) string {
	ap, ok := addrPort(sa)
	if !ok {
		return "<nil>"
	}
	return ap.String()
}

// deadAddr returns a loopback address with nothing listening on it.
func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// failLookuper stands in for the system resolver in tests where names must
// never be resolved locally.
type failLookuper struct {
	t *testing.T
}

func (l failLookuper) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	l.t.Errorf("local lookup of %q", host)
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (l failLookuper) LookupPort(_ context.Context, _, service string) (int, error) {
	return net.DefaultResolver.LookupPort(context.Background(), "tcp", service)
}

// fdConn drives a descriptor through the shim's I/O calls.
type fdConn struct {
	s  *Shim
	fd int
}

func (c fdConn) Read(p []byte) (int, error)  { return c.s.Read(c.fd, p) }
func (c fdConn) Write(p []byte) (int, error) { return c.s.Write(c.fd, p) }

func TestConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	s := newTestShim(t, "default: direct\n")
	fd := newSocket(t, s, unix.SOCK_STREAM)

	if err := s.Connect(fd, inet4(t, echoLn.Addr().String())); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, fdConn{s, fd}, fdConn{s, fd}, []byte("direct"))

	if sess := s.session(fd); sess == nil || sess.mode != modePassthrough {
		t.Fatalf("session %+v", sess)
	}
	peer, err := s.Getpeername(fd)
	if err != nil {
		t.Fatal(err)
	}
	if got := sockaddrString(peer); got != echoLn.Addr().String() {
		t.Fatalf("peer %s", got)
	}
}

func TestConnectProxied(t *testing.T) {
	for _, protocol := range []string{"socks5", "socks4", "socks4a", "http"} {
		t.Run(protocol, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()
			up := testutil.StartFakeProxy(t, ctx)

			s := newTestShim(t, proxyYAML(protocol, up.Addr(), ""))
			fd := newSocket(t, s, unix.SOCK_STREAM)

			if err := s.Connect(fd, inet4(t, echoLn.Addr().String())); err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, fdConn{s, fd}, fdConn{s, fd}, []byte("via "+protocol))

			peer, err := s.Getpeername(fd)
			if err != nil {
				t.Fatal(err)
			}
			if got := sockaddrString(peer); got != echoLn.Addr().String() {
				t.Fatalf("peer %s, want %s", got, echoLn.Addr())
			}
			if got := up.Targets(); len(got) != 1 || got[0] != echoLn.Addr().String() {
				t.Fatalf("proxy saw %v", got)
			}

			err = s.Connect(fd, inet4(t, echoLn.Addr().String()))
			if !errors.Is(err, unix.EISCONN) {
				t.Fatalf("second connect: %v", err)
			}
		})
	}
}

func TestConnectNegotiationFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	tests := []struct {
		name      string
		opts      []testutil.FakeProxyOption
		creds     string
		wantErrno unix.Errno
		wantErr   error
	}{
		{
			name:      "no acceptable auth",
			opts:      []testutil.FakeProxyOption{testutil.WithAuth("u", "p")},
			wantErrno: unix.EACCES,
			wantErr:   socks.ErrNoAcceptableAuth,
		},
		{
			name:      "bad password",
			opts:      []testutil.FakeProxyOption{testutil.WithAuth("u", "p")},
			creds:     ", username: u, password: wrong",
			wantErrno: unix.EACCES,
			wantErr:   socks.ErrAuthRejected,
		},
		{
			name:      "host unreachable",
			opts:      []testutil.FakeProxyOption{testutil.WithReply(0x04)},
			wantErrno: unix.EHOSTUNREACH,
			wantErr:   socks.ErrHostUnreachable,
		},
		{
			name:      "not allowed",
			opts:      []testutil.FakeProxyOption{testutil.WithReply(0x02)},
			wantErrno: unix.ECONNREFUSED,
			wantErr:   socks.ErrNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := testutil.StartFakeProxy(t, ctx, tt.opts...)

			s := newTestShim(t, `
bypass_loopback: false
proxies:
  - {name: up, protocol: socks5, address: "`+up.Addr()+`"`+tt.creds+`}
default: up
`)
			fd := newSocket(t, s, unix.SOCK_STREAM)

			err := s.Connect(fd, inet4(t, echoLn.Addr().String()))
			if !errors.Is(err, tt.wantErrno) || !errors.Is(err, tt.wantErr) {
				t.Fatalf("connect: %v", err)
			}
			var serr *socks.StateError
			if !errors.As(err, &serr) {
				t.Fatalf("expected state error, got %v", err)
			}

			soerr, err := s.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				t.Fatal(err)
			}
			if unix.Errno(soerr) != tt.wantErrno {
				t.Fatalf("SO_ERROR %v", unix.Errno(soerr))
			}
			if err := s.Connect(fd, inet4(t, echoLn.Addr().String())); !errors.Is(err, tt.wantErrno) {
				t.Fatalf("second connect: %v", err)
			}
			if _, err := s.Getpeername(fd); !errors.Is(err, unix.ENOTCONN) {
				t.Fatalf("getpeername: %v", err)
			}
		})
	}
}

func TestConnectFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	dead := deadAddr(t)

	tests := []struct {
		name     string
		fallback string
		wantErr  bool
	}{
		{"enabled", "fallback: true\n", false},
		{"disabled", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestShim(t, proxyYAML("socks5", dead, tt.fallback))
			fd := newSocket(t, s, unix.SOCK_STREAM)

			err := s.Connect(fd, inet4(t, echoLn.Addr().String()))
			if tt.wantErr {
				if !errors.Is(err, unix.ECONNREFUSED) {
					t.Fatalf("connect: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, fdConn{s, fd}, fdConn{s, fd}, []byte("fallback"))
			if sess := s.session(fd); sess == nil || sess.mode != modePassthrough {
				t.Fatalf("session %+v", sess)
			}
		})
	}
}

func TestConnectBlocked(t *testing.T) {
	s := newTestShim(t, `
bypass_loopback: false
routes:
  - {to: 192.0.2.0/24, action: block}
default: direct
`)
	fd := newSocket(t, s, unix.SOCK_STREAM)

	err := s.Connect(fd, inet4(t, "192.0.2.7:80"))
	if !errors.Is(err, unix.ECONNREFUSED) || !errors.Is(err, route.ErrBlocked) {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectFakeName(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	up := testutil.StartFakeProxy(t, ctx, testutil.WithHost("echo.test", netip.MustParseAddr("127.0.0.1")))

	s := newTestShim(t, proxyYAML("socks5", up.Addr(), "resolveprotocol: fake\n"))

	he, err := s.GetHostByName("echo.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(he.Addrs) != 1 || !s.Resolver().IsFake(he.Addrs[0]) {
		t.Fatalf("hostent %+v", he)
	}

	port := netip.MustParseAddrPort(echoLn.Addr().String()).Port()
	fd := newSocket(t, s, unix.SOCK_STREAM)
	sa := &unix.SockaddrInet4{Addr: he.Addrs[0].As4(), Port: int(port)}
	if err := s.Connect(fd, sa); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, fdConn{s, fd}, fdConn{s, fd}, []byte("by name"))

	want := socks.Addr{Host: "echo.test", Port: port}.String()
	if got := up.Targets(); len(got) != 1 || got[0] != want {
		t.Fatalf("proxy saw %v, want %s", got, want)
	}
	peer, err := s.Getpeername(fd)
	if err != nil {
		t.Fatal(err)
	}
	if got := sockaddrString(peer); got != netip.AddrPortFrom(he.Addrs[0], port).String() {
		t.Fatalf("peer %s", got)
	}
}

func TestBindAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartFakeProxy(t, ctx)
	s := newTestShim(t, proxyYAML("socks5", up.Addr(), ""))
	fd := newSocket(t, s, unix.SOCK_STREAM)

	if err := s.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(fd, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Getpeername(fd); !errors.Is(err, unix.ENOTCONN) {
		t.Fatalf("getpeername before accept: %v", err)
	}
	if err := s.Bind(fd, &unix.SockaddrInet4{}); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("second bind: %v", err)
	}

	bound, err := s.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := net.Dial("tcp4", sockaddrString(bound))
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	nfd, peer, err := s.Accept(fd)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(nfd)

	if got := sockaddrString(peer); got != remote.LocalAddr().String() {
		t.Fatalf("accepted peer %s, want %s", got, remote.LocalAddr())
	}
	if p, err := s.Getpeername(nfd); err != nil || sockaddrString(p) != remote.LocalAddr().String() {
		t.Fatalf("getpeername %s: %v", sockaddrString(p), err)
	}
	testutil.AssertEcho(t, fdConn{s, nfd}, remote, []byte("outbound"))
	testutil.AssertEcho(t, remote, fdConn{s, nfd}, []byte("inbound"))

	if _, _, err := s.Accept(fd); !errors.Is(err, unix.ECONNABORTED) {
		t.Fatalf("second accept: %v", err)
	}
}

func TestBindSOCKS4(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartFakeProxy(t, ctx)
	s := newTestShim(t, proxyYAML("socks4", up.Addr(), ""))
	fd := newSocket(t, s, unix.SOCK_STREAM)

	if err := s.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		t.Fatal(err)
	}
	bound, err := s.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := net.Dial("tcp4", sockaddrString(bound))
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	nfd, _, err := s.Accept(fd)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(nfd)
	testutil.AssertEcho(t, remote, fdConn{s, nfd}, []byte("socks4 bind"))
}

func TestUDPAssociate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := echo.LocalAddr().String()
	up := testutil.StartFakeProxy(t, ctx)

	s := newTestShim(t, proxyYAML("socks5", up.Addr(), ""))

	t.Run("connected", func(t *testing.T) {
		fd := newSocket(t, s, unix.SOCK_DGRAM)
		if err := s.Connect(fd, inet4(t, echoAddr)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write(fd, []byte("ping")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, err := s.Read(fd, buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "ping" {
			t.Fatalf("read %q", buf[:n])
		}

		peer, err := s.Getpeername(fd)
		if err != nil || sockaddrString(peer) != echoAddr {
			t.Fatalf("getpeername %s: %v", sockaddrString(peer), err)
		}
		if err := s.Connect(fd, inet4(t, echoAddr)); !errors.Is(err, unix.EISCONN) {
			t.Fatalf("reconnect: %v", err)
		}
	})

	t.Run("sendto", func(t *testing.T) {
		fd := newSocket(t, s, unix.SOCK_DGRAM)
		if _, err := s.Write(fd, []byte("x")); !errors.Is(err, unix.EDESTADDRREQ) {
			t.Fatalf("write before sendto: %v", err)
		}
		if _, err := s.Sendto(fd, []byte("pong"), 0, inet4(t, echoAddr)); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, from, err := s.Recvfrom(fd, buf, 0)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "pong" || sockaddrString(from) != echoAddr {
			t.Fatalf("recvfrom %q from %s", buf[:n], sockaddrString(from))
		}
		if _, err := s.Write(fd, []byte("x")); !errors.Is(err, unix.EDESTADDRREQ) {
			t.Fatalf("write without destination: %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		fd := newSocket(t, s, unix.SOCK_DGRAM)
		if _, err := s.Sendmsg(fd, []byte("a long datagram"), nil, inet4(t, echoAddr), 0); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 6)
		n, _, flags, _, err := s.Recvmsg(fd, buf, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "a long" || flags&unix.MSG_TRUNC == 0 {
			t.Fatalf("recvmsg %q flags %#x", buf[:n], flags)
		}
	})
}

func TestUDPRequiresSOCKS5(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartFakeProxy(t, ctx)
	s := newTestShim(t, proxyYAML("socks4", up.Addr(), ""))
	fd := newSocket(t, s, unix.SOCK_DGRAM)

	err := s.Connect(fd, inet4(t, "127.0.0.1:9"))
	if !errors.Is(err, unix.EOPNOTSUPP) || !errors.Is(err, socks.ErrCommandNotSupported) {
		t.Fatalf("connect: %v", err)
	}
}

func TestVectoredIO(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	up := testutil.StartFakeProxy(t, ctx)
	s := newTestShim(t, proxyYAML("socks5", up.Addr(), ""))

	fd := newSocket(t, s, unix.SOCK_DGRAM)
	if err := s.Connect(fd, inet4(t, echo.LocalAddr().String())); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Writev(fd, [][]byte{[]byte("scatter "), []byte("gather")}); err != nil {
		t.Fatal(err)
	}
	a, b := make([]byte, 8), make([]byte, 16)
	n, err := s.Readv(fd, [][]byte{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if n != 14 || string(a) != "scatter " || string(b[:6]) != "gather" {
		t.Fatalf("readv %d %q %q", n, a, b)
	}
}

func TestConcurrentDescriptors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	up := testutil.StartFakeProxy(t, ctx)

	s := newTestShim(t, proxyYAML("socks5", up.Addr(), ""))

	const n = 16
	fds := make([]int, n)
	for i := range fds {
		fd, err := s.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			t.Fatal(err)
		}
		fds[i] = fd
	}

	var wg sync.WaitGroup
	for _, fd := range fds {
		wg.Go(func() {
			if err := s.Connect(fd, inet4(t, echoLn.Addr().String())); err != nil {
				t.Errorf("fd %d: %v", fd, err)
				return
			}
			msg := []byte("concurrent")
			if _, err := s.Write(fd, msg); err != nil {
				t.Errorf("fd %d: %v", fd, err)
				return
			}
			buf := make([]byte, len(msg))
			if _, err := s.Read(fd, buf); err != nil {
				t.Errorf("fd %d: %v", fd, err)
			}
		})
	}
	wg.Wait()

	if got := s.sessionCount(); got != n {
		t.Fatalf("sessions %d, want %d", got, n)
	}
	for _, fd := range fds {
		_ = s.Close(fd)
	}
	if got := s.sessionCount(); got != 0 {
		t.Fatalf("sessions after close %d", got)
	}
}

func TestConnectRetryIsRouted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	echoAddr := echoLn.Addr().String()
	dead := deadAddr(t)
	_, deadPort, _ := net.SplitHostPort(dead)

	t.Run("after refused", func(t *testing.T) {
		s := newTestShim(t, `
bypass_loopback: false
routes:
  - {to: 127.0.0.1, port: "`+deadPort+`", action: direct}
default: block
`)
		fd := newSocket(t, s, unix.SOCK_STREAM)

		if err := s.Connect(fd, inet4(t, dead)); !errors.Is(err, unix.ECONNREFUSED) {
			t.Fatalf("connect to %s: %v", dead, err)
		}
		if sess := s.session(fd); sess != nil {
			t.Fatalf("failed connect left session %+v", sess)
		}
		err := s.Connect(fd, inet4(t, echoAddr))
		if !errors.Is(err, route.ErrBlocked) || !errors.Is(err, unix.ECONNREFUSED) {
			t.Fatalf("retry: %v", err)
		}
	})

	t.Run("after direct bind", func(t *testing.T) {
		s := newTestShim(t, `
bypass_loopback: false
routes:
  - {to: 127.0.0.1, command: [bind], action: direct}
default: block
`)
		fd := newSocket(t, s, unix.SOCK_STREAM)

		if err := s.Bind(fd, inet4(t, "127.0.0.1:0")); err != nil {
			t.Fatal(err)
		}
		if err := s.Connect(fd, inet4(t, echoAddr)); !errors.Is(err, route.ErrBlocked) {
			t.Fatalf("connect: %v", err)
		}
	})

	t.Run("connected", func(t *testing.T) {
		s := newTestShim(t, `
bypass_loopback: false
routes:
  - {to: 192.0.2.0/24, action: block}
default: direct
`)
		fd := newSocket(t, s, unix.SOCK_STREAM)

		if err := s.Connect(fd, inet4(t, echoAddr)); err != nil {
			t.Fatal(err)
		}
		if err := s.Connect(fd, inet4(t, "192.0.2.7:80")); !errors.Is(err, unix.EISCONN) {
			t.Fatalf("second connect: %v", err)
		}
	})
}

func TestDirectDatagramDestinations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := echo.LocalAddr().String()
	up := testutil.StartFakeProxy(t, ctx)

	s := newTestShim(t, proxyYAML("socks5", up.Addr(), `resolveprotocol: fake
routes:
  - {to: 127.0.0.1, action: direct}
  - {to: 192.0.2.0/24, action: block}
`), WithLookuper(failLookuper{t}))

	fd := newSocket(t, s, unix.SOCK_DGRAM)
	if _, err := s.Sendto(fd, []byte("local"), 0, inet4(t, echoAddr)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, _, err := s.Recvfrom(fd, buf, 0)
	if err != nil || string(buf[:n]) != "local" {
		t.Fatalf("recvfrom %q: %v", buf[:n], err)
	}

	he, err := s.GetHostByName("remote.test")
	if err != nil {
		t.Fatal(err)
	}
	fake := &unix.SockaddrInet4{Addr: he.Addrs[0].As4(), Port: 53}
	_, err = s.Sendto(fd, []byte("remote"), 0, fake)
	if !errors.Is(err, unix.EHOSTUNREACH) || !errors.Is(err, errDirectSocket) {
		t.Fatalf("sendto proxied name: %v", err)
	}

	_, err = s.Sendto(fd, []byte("blocked"), 0, inet4(t, "192.0.2.1:9"))
	if !errors.Is(err, route.ErrBlocked) {
		t.Fatalf("sendto blocked: %v", err)
	}
	if err := s.Connect(fd, inet4(t, "192.0.2.1:9")); !errors.Is(err, route.ErrBlocked) {
		t.Fatalf("connect blocked: %v", err)
	}
	if got := up.Targets(); len(got) != 0 {
		t.Fatalf("proxy saw %v", got)
	}
}

func TestNegotiationKeepsSocketTimeouts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	up := testutil.StartFakeProxy(t, ctx)

	tests := []struct {
		name  string
		proxy string
		extra string
	}{
		{"negotiated", up.Addr(), ""},
		{"fallback", deadAddr(t), "fallback: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestShim(t, proxyYAML("socks5", tt.proxy, tt.extra))
			fd := newSocket(t, s, unix.SOCK_STREAM)
			snd := unix.Timeval{Sec: 3}
			if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &snd); err != nil {
				t.Fatal(err)
			}

			if err := s.Connect(fd, inet4(t, echoLn.Addr().String())); err != nil {
				t.Fatal(err)
			}

			for _, c := range []struct {
				opt  int
				want int64
			}{
				{unix.SO_RCVTIMEO, 2},
				{unix.SO_SNDTIMEO, 3},
			} {
				tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, c.opt)
				if err != nil {
					t.Fatal(err)
				}
				if tv.Sec != c.want || tv.Usec != 0 {
					t.Fatalf("option %d = %+v, want %ds", c.opt, tv, c.want)
				}
			}
		})
	}
}

func TestConnectRejectsTLSProxy(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	s := newTestShim(t, proxyYAML("https", ln.Addr().String(), ""))
	fd := newSocket(t, s, unix.SOCK_STREAM)

	err = s.Connect(fd, inet4(t, "192.0.2.1:443"))
	if !errors.Is(err, unix.EPROTONOSUPPORT) || !errors.Is(err, errTLSProxy) {
		t.Fatalf("connect: %v", err)
	}

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(100 * time.Millisecond))
	if c, err := ln.Accept(); err == nil {
		c.Close()
		t.Fatal("proxy received a cleartext connection")
	}
}

func TestFakeNameOverSOCKS4(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	five := testutil.StartFakeProxy(t, ctx)
	four := testutil.StartFakeProxy(t, ctx)

	// The name resolves under the port 443 rule but port 80 connects
	// through the SOCKS4 default.
	s := newTestShim(t, `
bypass_loopback: false
proxies:
  - {name: five, protocol: socks5, address: "`+five.Addr()+`"}
  - {name: four, protocol: socks4, address: "`+four.Addr()+`"}
routes:
  - {to: .remote.test, port: "443", via: five, resolve: fake}
default: four
`, WithLookuper(failLookuper{t}))

	he, err := s.GetHostByName("api.remote.test")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Resolver().IsFake(he.Addrs[0]) {
		t.Fatalf("hostent %+v", he)
	}

	fd := newSocket(t, s, unix.SOCK_STREAM)
	err = s.Connect(fd, &unix.SockaddrInet4{Addr: he.Addrs[0].As4(), Port: 80})
	if !errors.Is(err, unix.EAFNOSUPPORT) || !errors.Is(err, socks.ErrRemoteResolveUnsupported) {
		t.Fatalf("connect: %v", err)
	}
	if got := four.Targets(); len(got) != 0 {
		t.Fatalf("socks4 proxy saw %v", got)
	}
}

func TestGetsocknameReplacedSocket(t *testing.T) {
	s := newTestShim(t, "default: direct\n")
	proxy := netip.MustParseAddrPort("[2001:db8::2]:1080")

	tests := []struct {
		name       string
		sockDomain int
		bound      string
		want       string
		wantErr    bool
	}{
		{"ipv4 bound", unix.AF_INET6, "192.0.2.1:4000", "192.0.2.1:4000", false},
		{"ipv6 bound", unix.AF_INET6, "[2001:db8::1]:4000", "[2001:db8::1]:4000", false},
		{"ipv6 bound on ipv4 socket", unix.AF_INET, "[2001:db8::1]:4000", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newSocket(t, s, unix.SOCK_STREAM)
			s.classify(&session{
				fd:         fd,
				mode:       modeProxied,
				domain:     unix.AF_INET,
				sockDomain: tt.sockDomain,
				sotype:     unix.SOCK_STREAM,
				proxy:      proxy,
				bound:      socks.AddrFromAddrPort(netip.MustParseAddrPort(tt.bound)),
			})

			sa, err := s.Getsockname(fd)
			if tt.wantErr {
				if !errors.Is(err, unix.EAFNOSUPPORT) {
					t.Fatalf("getsockname: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := sockaddrString(sa); got != tt.want {
				t.Fatalf("getsockname %s, want %s", got, tt.want)
			}
		})
	}
}
