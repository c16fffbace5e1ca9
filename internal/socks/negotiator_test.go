package socks

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestNegotiateSOCKS5(t *testing.T) {
	tests := []struct {
		name       string
		clientAuth Auth
		serverAuth Auth
		target     string
		wantErr    error
		wantStates []State
	}{
		{
			name:       "no_auth",
			target:     "127.0.0.1:80",
			wantStates: []State{StateInit, StateAuthNegotiate, StateRequestSent, StateReplyReceived, StateEstablished},
		},
		{
			name:       "user_pass",
			clientAuth: Auth{Username: "user", Password: "pass"},
			serverAuth: Auth{Username: "user", Password: "pass"},
			target:     "example.com:443",
			wantStates: []State{StateInit, StateAuthNegotiate, StateAuthExchange, StateRequestSent, StateReplyReceived, StateEstablished},
		},
		{
			name:       "ipv6_target",
			target:     "[2001:db8::1]:22",
			wantStates: []State{StateInit, StateAuthNegotiate, StateRequestSent, StateReplyReceived, StateEstablished},
		},
		{
			name:       "auth_rejected",
			clientAuth: Auth{Username: "user", Password: "wrong"},
			serverAuth: Auth{Username: "user", Password: "pass"},
			target:     "127.0.0.1:80",
			wantErr:    ErrAuthRejected,
			wantStates: []State{StateInit, StateAuthNegotiate, StateAuthExchange, StateClosed},
		},
		{
			name:       "no_acceptable_auth",
			serverAuth: Auth{Username: "user", Password: "pass"},
			target:     "127.0.0.1:80",
			wantErr:    ErrNoAcceptableAuth,
			wantStates: []State{StateInit, StateAuthNegotiate, StateClosed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			want, err := ParseAddr(tt.target)
			if err != nil {
				t.Fatal(err)
			}

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.serverAuth); err != nil {
					return nil
				}
				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Dst != want {
					return fmt.Errorf("got destination %v want %v", req.Dst, want)
				}
				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12345})
			})

			var states []State
			n := &Negotiator{Protocol: ProtocolSOCKS5, Auth: tt.clientAuth, OnState: func(s State) { states = append(states, s) }}
			res, err := n.Negotiate(clientConn, CmdConnect, want)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got err %v want %v", err, tt.wantErr)
				}
				var se *StateError
				if !errors.As(err, &se) {
					t.Fatalf("expected *StateError, got %T", err)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}
				if got := res.Bound.String(); got != "10.0.0.1:12345" {
					t.Fatalf("bound %s", got)
				}
			}
			_ = clientConn.Close()
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(states, tt.wantStates) {
				t.Fatalf("states %v want %v", states, tt.wantStates)
			}
		})
	}
}

func TestNegotiateSOCKS5ReplyCodes(t *testing.T) {
	tests := []struct {
		rep  uint8
		want error
	}{
		{RepGeneralFailure, ErrGeneralFailure},
		{RepNotAllowed, ErrNotAllowed},
		{RepNetworkUnreachable, ErrNetworkUnreachable},
		{RepHostUnreachable, ErrHostUnreachable},
		{RepConnectionRefused, ErrConnectionRefused},
		{RepTTLExpired, ErrTTLExpired},
		{RepCommandNotSupported, ErrCommandNotSupported},
		{RepAddressNotSupported, ErrAddressNotSupported},
		{0x42, ErrGeneralFailure},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rep_%d", tt.rep), func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, Auth{}); err != nil {
					return err
				}
				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				return WriteReply(serverConn, tt.rep, req.Atyp, netip.AddrPort{})
			})

			n := &Negotiator{Protocol: ProtocolSOCKS5}
			_, err := n.Negotiate(clientConn, CmdConnect, Addr{IP: netip.MustParseAddr("192.0.2.1"), Port: 80})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
			if n.State() != StateClosed {
				t.Fatalf("state %s", n.State())
			}
			if ReplyCode(err) != tt.rep && tt.rep != 0x42 {
				t.Fatalf("ReplyCode(%v)=%d want %d", err, ReplyCode(err), tt.rep)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNegotiateSOCKS4(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		target   Addr
		reply    uint8
		wantErr  error
		wantDst  Addr
	}{
		{
			name:     "socks4_ip",
			protocol: ProtocolSOCKS4,
			target:   Addr{IP: netip.MustParseAddr("192.0.2.7"), Port: 8080},
			reply:    Socks4Granted,
			wantDst:  Addr{IP: netip.MustParseAddr("192.0.2.7"), Port: 8080},
		},
		{
			name:     "socks4a_hostname",
			protocol: ProtocolSOCKS4a,
			target:   Addr{Host: "example.org", Port: 443},
			reply:    Socks4Granted,
			wantDst:  Addr{Host: "example.org", Port: 443},
		},
		{
			name:     "rejected",
			protocol: ProtocolSOCKS4,
			target:   Addr{IP: netip.MustParseAddr("192.0.2.7"), Port: 8080},
			reply:    Socks4Rejected,
			wantErr:  ErrGeneralFailure,
		},
		{
			name:     "ident_mismatch",
			protocol: ProtocolSOCKS4,
			target:   Addr{IP: netip.MustParseAddr("192.0.2.7"), Port: 8080},
			reply:    Socks4IdentUserMismatch,
			wantErr:  ErrAuthRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				req, err := ReadSocks4Request(bufio.NewReader(serverConn))
				if err != nil {
					return err
				}
				if req.UserID != "alice" {
					return fmt.Errorf("user id %q", req.UserID)
				}
				if tt.wantErr == nil && req.Dst != tt.wantDst {
					return fmt.Errorf("got destination %v want %v", req.Dst, tt.wantDst)
				}
				return WriteSocks4Reply(serverConn, tt.reply, netip.MustParseAddrPort("10.1.2.3:999"))
			})

			n := &Negotiator{Protocol: tt.protocol, Auth: Auth{Username: "alice"}}
			res, err := n.Negotiate(clientConn, CmdConnect, tt.target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}
				if res.Bound.String() != "10.1.2.3:999" {
					t.Fatalf("bound %v", res.Bound)
				}
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNegotiateLocalRejections(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		cmd      Command
		target   Addr
		want     error
	}{
		{"socks4_hostname", ProtocolSOCKS4, CmdConnect, Addr{Host: "example.org", Port: 80}, ErrRemoteResolveUnsupported},
		{"socks4_ipv6", ProtocolSOCKS4a, CmdConnect, Addr{IP: netip.MustParseAddr("2001:db8::1"), Port: 80}, ErrAddressNotSupported},
		{"socks4_udp", ProtocolSOCKS4, CmdUDPAssociate, Addr{IP: netip.IPv4Unspecified()}, ErrCommandNotSupported},
		{"http_bind", ProtocolHTTPConnect, CmdBind, Addr{IP: netip.IPv4Unspecified()}, ErrCommandNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			n := &Negotiator{Protocol: tt.protocol}
			if _, err := n.Negotiate(clientConn, tt.cmd, tt.target); !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}
}

func TestNegotiateHTTPConnect(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		wantErr error
	}{
		{name: "ok", status: "200 Connection established"},
		{name: "auth_required", status: "407 Proxy Authentication Required", wantErr: ErrAuthRejected},
		{name: "forbidden", status: "403 Forbidden", wantErr: ErrNotAllowed},
		{name: "bad_gateway", status: "502 Bad Gateway", wantErr: ErrHostUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				req, err := http.ReadRequest(bufio.NewReader(serverConn))
				if err != nil {
					return err
				}
				if req.Method != http.MethodConnect || req.Host != "example.com:443" {
					return fmt.Errorf("unexpected request %s %s", req.Method, req.Host)
				}
				if req.Header.Get("Proxy-Authorization") != "Basic dXNlcjpwYXNz" {
					return fmt.Errorf("missing credentials")
				}
				// The payload after the header must be left on the connection.
				_, err = io.WriteString(serverConn, "HTTP/1.1 "+tt.status+"\r\n\r\nhello")
				return err
			})

			n := &Negotiator{Protocol: ProtocolHTTPConnect, Auth: Auth{Username: "user", Password: "pass"}}
			_, err := n.Negotiate(clientConn, CmdConnect, Addr{Host: "example.com", Port: 443})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				_ = clientConn.Close()
				_ = g.Wait()
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 5)
			if _, err := io.ReadFull(clientConn, buf); err != nil {
				t.Fatal(err)
			}
			if string(buf) != "hello" {
				t.Fatalf("got %q", buf)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestAwaitBind(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if err := ServerNegotiate(serverConn, Auth{}); err != nil {
			return err
		}
		req, err := ServerReadRequest(serverConn)
		if err != nil {
			return err
		}
		if req.Cmd != CmdBind {
			return fmt.Errorf("unexpected command %d", req.Cmd)
		}
		if err := WriteReply(serverConn, RepSucceeded, req.Atyp, netip.MustParseAddrPort("10.0.0.9:4000")); err != nil {
			return err
		}
		return WriteReply(serverConn, RepSucceeded, req.Atyp, netip.MustParseAddrPort("198.51.100.3:5555"))
	})

	n := &Negotiator{Protocol: ProtocolSOCKS5}
	res, err := n.Negotiate(clientConn, CmdBind, Addr{IP: netip.IPv4Unspecified()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Bound.String() != "10.0.0.9:4000" {
		t.Fatalf("bound %v", res.Bound)
	}
	peer, err := n.AwaitBind(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if peer.String() != "198.51.100.3:5555" {
		t.Fatalf("peer %v", peer)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDatagram(t *testing.T) {
	for _, dst := range []string{"192.0.2.1:53", "[2001:db8::2]:53", "dns.example:53"} {
		t.Run(dst, func(t *testing.T) {
			a, err := ParseAddr(dst)
			if err != nil {
				t.Fatal(err)
			}
			b, err := EncodeDatagram(a, []byte("payload"))
			if err != nil {
				t.Fatal(err)
			}
			got, data, err := DecodeDatagram(b)
			if err != nil {
				t.Fatal(err)
			}
			if got != a || string(data) != "payload" {
				t.Fatalf("got %v %q", got, data)
			}
		})
	}

	b, err := EncodeDatagram(Addr{IP: netip.MustParseAddr("192.0.2.1"), Port: 53}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	b[2] = 1
	if _, _, err := DecodeDatagram(b); err == nil {
		t.Fatal("expected fragment rejection")
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{in: "10.0.0.1:80", want: Addr{IP: netip.MustParseAddr("10.0.0.1"), Port: 80}},
		{in: "[::1]:443", want: Addr{IP: netip.MustParseAddr("::1"), Port: 443}},
		{in: "Example.COM.:25", want: Addr{Host: "example.com", Port: 25}},
		{in: "bücher.example:80", want: Addr{Host: "xn--bcher-kva.example", Port: 80}},
		{in: "example.com", wantErr: true},
		{in: "example.com:99999", wantErr: true},
		{in: ":80", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}
