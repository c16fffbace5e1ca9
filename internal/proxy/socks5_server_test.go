package proxy

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/txthinking/socks5"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
	"github.com/die-net/socksify/internal/testutil"
)

func TestSOCKS5Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	r := newTestRouter(t, `
bypass_loopback: false
routes:
  - {to: 127.0.0.2, action: block}
default: direct
`)

	tests := []struct {
		name       string
		serverUser string
		serverPass string
		clientUser string
		clientPass string
		target     string
		wantErr    bool
	}{
		{name: "no auth", target: echoLn.Addr().String()},
		{name: "auth", serverUser: "u", serverPass: "p", clientUser: "u", clientPass: "p", target: echoLn.Addr().String()},
		{name: "bad auth", serverUser: "u", serverPass: "p", clientUser: "u", clientPass: "x", target: echoLn.Addr().String(), wantErr: true},
		{name: "blocked", target: "127.0.0.2:80", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln := listen(t, ctx)
			srv := NewSOCKS5Server(ctx, Config{
				NegotiationTimeout: 2 * time.Second,
				Dialer:             r,
				Username:           tt.serverUser,
				Password:           tt.serverPass,
			})
			go func() { _ = srv.Serve(ln) }()

			client, err := socks5.NewClient(ln.Addr().String(), tt.clientUser, tt.clientPass, 2, 0)
			if err != nil {
				t.Fatal(err)
			}

			c, err := client.Dial("tcp", tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer c.Close()
			testutil.AssertEcho(t, c, c, []byte("hello"))
		})
	}
}

func TestReplyError(t *testing.T) {
	tests := []struct {
		err  error
		want uint8
	}{
		{route.ErrBlocked, socks.RepNotAllowed},
		{route.ErrNoRoute, socks.RepNetworkUnreachable},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, socks.RepConnectionRefused},
		{&net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, socks.RepHostUnreachable},
		{context.DeadlineExceeded, socks.RepTTLExpired},
		{socks.ErrHostUnreachable, socks.RepHostUnreachable},
		{errors.New("boom"), socks.RepGeneralFailure},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := socks.ReplyCode(replyError(tt.err)); got != tt.want {
				t.Fatalf("got %#x want %#x", got, tt.want)
			}
		})
	}
}
