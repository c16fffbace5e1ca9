package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// Upstream is a loopback listener that hands one accepted connection to a
// handler, standing in for a scripted proxy.
type Upstream struct {
	ln   net.Listener
	wg   sync.WaitGroup
	once sync.Once
}

// StartUpstream serves the first connection on 127.0.0.1 with handler. The
// listener closes when ctx is done or the test ends.
func StartUpstream(t *testing.T, ctx context.Context, handler func(net.Conn)) *Upstream {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &Upstream{ln: ln}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })

	u.wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	t.Cleanup(func() {
		stop()
		u.Wait()
	})
	return u
}

// Addr returns the listener's host:port.
func (u *Upstream) Addr() string {
	return u.ln.Addr().String()
}

// Wait closes the listener and blocks until the handler has returned.
func (u *Upstream) Wait() {
	u.once.Do(func() { _ = u.ln.Close() })
	u.wg.Wait()
}
