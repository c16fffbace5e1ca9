package shim

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/dialer"
	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/resolve"
	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// Shim implements Ops, routing connect, bind and datagram sends according to
// its configuration. It is safe for concurrent use.
type Shim struct {
	native   Ops
	table    *route.Table
	cfg      *config.Config
	resolver *resolve.Resolver
	lookup   resolve.HostLookuper
	log      log.FieldLogger

	mu       sync.Mutex
	sessions map[int]*session
}

var _ Ops = (*Shim)(nil)

// Option customizes Init.
type Option func(*options)

type options struct {
	native Ops
	lookup resolve.HostLookuper
	logger log.FieldLogger
}

// WithOps replaces the native call layer.
func WithOps(ops Ops) Option {
	return func(o *options) { o.native = ops }
}

// WithLookuper replaces the local resolver.
func WithLookuper(l resolve.HostLookuper) Option {
	return func(o *options) { o.lookup = l }
}

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// Init validates cfg and builds a Shim. progname identifies the program in
// log output. cfg is not modified and must not be modified afterwards.
func Init(progname string, cfg *config.Config, opts ...Option) (*Shim, error) {
	o := options{native: Native{}, lookup: net.DefaultResolver, logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	table, err := cfg.Table()
	if err != nil {
		return nil, fmt.Errorf("socks init: %w", err)
	}
	v4, v6, err := cfg.FakePrefixes()
	if err != nil {
		return nil, fmt.Errorf("socks init: %w", err)
	}
	router, err := dialer.NewRouter(dialer.Config{NegotiationTimeout: cfg.NegotiationTimeout}, cfg)
	if err != nil {
		return nil, fmt.Errorf("socks init: %w", err)
	}

	s := &Shim{
		native: o.native,
		table:  table,
		cfg:    cfg,
		resolver: resolve.New(resolve.Config{
			Table:      table,
			Local:      o.lookup,
			Fake:       resolve.NewFakeTable(v4, v6),
			Tunnel:     router,
			Nameserver: cfg.Nameserver,
			Timeout:    cfg.DNSTimeout,
		}),
		lookup:   o.lookup,
		log:      o.logger.WithField("prog", progname),
		sessions: make(map[int]*session),
	}
	s.log.WithFields(log.Fields{"rules": len(table.Rules()), "proxies": len(cfg.Proxies)}).Debug("socks initialized")
	return s, nil
}

// Resolver returns the resolver answering the name lookup calls.
func (s *Shim) Resolver() *resolve.Resolver {
	return s.resolver
}

func (s *Shim) GetHostByName(name string) (*resolve.HostEnt, error) {
	return s.resolver.GetHostByName(context.Background(), name)
}

func (s *Shim) GetHostByName2(name string, af int) (*resolve.HostEnt, error) {
	return s.resolver.GetHostByName2(context.Background(), name, af)
}

func (s *Shim) GetAddrInfo(node, service string, hints *resolve.Hints) ([]resolve.AddrInfo, error) {
	return s.resolver.GetAddrInfo(context.Background(), node, service, hints)
}

func (s *Shim) GetIPNodeByName(name string, af, flags int) (*resolve.HostEnt, error) {
	return s.resolver.GetIPNodeByName(context.Background(), name, af, flags)
}

// decide looks up the rule for cmd toward target.
func (s *Shim) decide(fd int, cmd socks.Command, target socks.Addr) (*route.Rule, error) {
	rule, err := s.table.Lookup(cmd, target)
	if err != nil {
		return nil, err
	}
	metrics.RouteDecisions.WithLabelValues(rule.Action.String()).Inc()
	s.log.WithFields(log.Fields{"fd": fd, "cmd": cmd.String(), "target": target.String()}).Debugf("route: %s", rule)
	if rule.Action == route.ActionBlock {
		return rule, fmt.Errorf("%w: %s", route.ErrBlocked, target)
	}
	return rule, nil
}

// proxyAddr resolves the address of the named proxy.
func (s *Shim) proxyAddr(name string) (netip.AddrPort, error) {
	p, ok := s.cfg.Proxy(name)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w %q", dialer.ErrUnknownProxy, name)
	}
	host, port, err := net.SplitHostPort(p.Address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	pn, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("proxy %s: invalid port %q", name, port)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(pn)), nil
	}

	ip, err := s.resolveLocal(host, 0)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("proxy %s: %w", name, err)
	}
	return netip.AddrPortFrom(ip, uint16(pn)), nil
}

// resolveLocal resolves host with the local resolver, preferring addresses
// usable from a socket of domain (0 for any).
func (s *Shim) resolveLocal(host string, domain int) (netip.Addr, error) {
	timeout := s.cfg.DNSTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	network := "ip"
	if domain == unix.AF_INET {
		network = "ip4"
	}
	addrs, err := s.lookup.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("lookup %s: no addresses", host)
	}
	return addrs[0].Unmap(), nil
}
