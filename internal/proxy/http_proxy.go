package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/socksify/internal/route"
)

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying (via httputil.ReverseProxy)
//
// Both dial through Config.Dialer.
type HTTPProxyServer struct {
	ctx context.Context
	cfg Config
	log log.FieldLogger
	srv *http.Server
	rp  *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &HTTPProxyServer{ctx: ctx, cfg: cfg, log: cfg.logger().WithField("listener", "http")}
	h.rp = h.newReverseProxy()
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx := r.Context()
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	serverConn, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.log.WithField("target", target).Debugf("connect failed: %v", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = serverConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = serverConn.Close()
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// Bytes the client sent after the request are already buffered.
	left := net.Conn(clientConn)
	if brw.Reader.Buffered() > 0 {
		left = &bufferedConn{Conn: clientConn, r: brw.Reader}
	}

	up, down, err := CopyBidirectional(s.ctx, left, serverConn, s.cfg.IOTimeout)
	s.log.WithFields(log.Fields{"target": target, "up": up, "down": down}).Debugf("connect closed: %v", err)
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	closeWrite(c.Conn)
	return nil
}

// statusFor maps a routing or dial error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, route.ErrBlocked), errors.Is(err, route.ErrNoRoute):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *HTTPProxyServer) newReverseProxy() *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at the origin server.
		if r.URL == nil {
			return
		}

		// Allow schema override through a non-standard header.
		if sch, ok := r.Header["X-Proxy-Scheme"]; ok {
			delete(r.Header, "X-Proxy-Scheme")
			r.URL.Scheme = sch[0]
		} else if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}

		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.WithField("url", r.URL.String()).Debugf("proxy request failed: %v", err)
		http.Error(w, err.Error(), statusFor(err))
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     s.newTransport(),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    newBufferPool(32 << 10),
	}
}

func (s *HTTPProxyServer) newTransport() http.RoundTripper {
	maxIdle := s.cfg.HTTPMaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		DialContext:         s.cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     s.cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: s.cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}
