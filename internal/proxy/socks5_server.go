package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// SOCKS5Server accepts SOCKS5 CONNECT requests and dials them through
// Config.Dialer.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config
	log log.FieldLogger
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: cfg.logger().WithField("listener", "socks5")}
}

func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := s.handleConn(c); err != nil {
				s.log.WithField("client", c.RemoteAddr().String()).Debugf("connection error: %v", err)
			}
		}()
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rd := readerConn{bufio.NewReader(conn), conn}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	if err := socks.ServerNegotiate(rd, socks.Auth{Username: s.cfg.Username, Password: s.cfg.Password}); err != nil {
		return err
	}
	req, err := socks.ServerReadRequest(rd)
	if err != nil {
		return err
	}
	if req.Cmd != socks.CmdConnect {
		socks.WriteErrorReply(conn, socks.ErrCommandNotSupported, req.Atyp)
		return socks.ErrCommandNotSupported
	}

	dctx := ctx
	if s.cfg.NegotiationTimeout > 0 {
		var dcancel context.CancelFunc
		dctx, dcancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer dcancel()
	}
	up, err := s.cfg.Dialer.DialContext(dctx, "tcp", req.Dst.String())
	if err != nil {
		socks.WriteErrorReply(conn, replyError(err), req.Atyp)
		return err
	}

	if err := socks.WriteSuccessReply(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	sent, recv, err := CopyBidirectional(ctx, rd, up, s.cfg.IOTimeout)
	s.log.WithFields(log.Fields{"target": req.Dst.String(), "up": sent, "down": recv}).Debug("connection closed")
	return err
}

// readerConn reads through a buffered reader so that bytes read ahead during
// negotiation are not lost.
type readerConn struct {
	r *bufio.Reader
	net.Conn
}

func (c readerConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c readerConn) CloseWrite() error {
	closeWrite(c.Conn)
	return nil
}

// replyError classifies a dial error for the SOCKS5 reply.
func replyError(err error) error {
	switch {
	case errors.Is(err, route.ErrBlocked):
		return errors.Join(socks.ErrNotAllowed, err)
	case errors.Is(err, route.ErrNoRoute), errors.Is(err, syscall.ENETUNREACH):
		return errors.Join(socks.ErrNetworkUnreachable, err)
	case errors.Is(err, syscall.EHOSTUNREACH):
		return errors.Join(socks.ErrHostUnreachable, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.Join(socks.ErrConnectionRefused, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return errors.Join(socks.ErrTTLExpired, err)
	}
	return err
}
