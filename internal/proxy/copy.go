package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until both directions
// finish or ctx ends. A non-zero ioTimeout bounds the whole relay. Both
// connections are closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn, ioTimeout time.Duration) (toRight, toLeft int64, err error) {
	if ioTimeout > 0 {
		dl := time.Now().Add(ioTimeout)
		_ = left.SetDeadline(dl)
		_ = right.SetDeadline(dl)
	}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		var err error
		toLeft, err = io.Copy(left, right)
		closeWrite(left)
		return err
	})

	g.Go(func() error {
		var err error
		toRight, err = io.Copy(right, left)
		closeWrite(right)
		return err
	})

	// Unblock both copies once the context ends.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return toRight, toLeft, err
}

// closeWrite half-closes c if it supports it, so the peer sees EOF while
// the other direction keeps flowing.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
