package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/socksify/internal/proxy"
)

// Server relays redirected connections to their original destination
// through cfg.Dialer, which applies the routing table.
type Server struct {
	ctx context.Context
	cfg proxy.Config
	log log.FieldLogger

	// OriginalDst recovers the destination of an accepted connection. It
	// defaults to the platform lookup.
	OriginalDst func(net.Conn) (netip.AddrPort, bool)
}

func NewServer(ctx context.Context, cfg proxy.Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{ctx: ctx, cfg: cfg, log: logger.WithField("listener", "tproxy"), OriginalDst: OriginalDst}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(c); err != nil {
				s.log.WithField("client", c.RemoteAddr().String()).Debugf("connection error: %v", err)
			}
		}()
	}
}

var errNoOriginalDst = errors.New("original destination unavailable")

func (s *Server) handle(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	dst, ok := s.OriginalDst(conn)
	if !ok {
		return errNoOriginalDst
	}

	dctx := ctx
	if s.cfg.NegotiationTimeout > 0 {
		var dcancel context.CancelFunc
		dctx, dcancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer dcancel()
	}
	up, err := s.cfg.Dialer.DialContext(dctx, "tcp", dst.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", dst, err)
	}

	sent, recv, err := proxy.CopyBidirectional(ctx, conn, up, s.cfg.IOTimeout)
	s.log.WithFields(log.Fields{"target": dst.String(), "up": sent, "down": recv}).Debug("connection closed")
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}
