package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/dialer"
)

func newTestRouter(t *testing.T, yaml string) *dialer.Router {
	t.Helper()

	c, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	r, err := dialer.NewRouter(dialer.Config{DialTimeout: 2 * time.Second}, c)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func listen(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}
