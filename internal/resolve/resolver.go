package resolve

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// HostLookuper resolves names locally. *net.Resolver satisfies it.
type HostLookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// TunnelDialer opens connections through a named proxy.
type TunnelDialer interface {
	DialVia(ctx context.Context, proxy, network, address string) (net.Conn, error)
}

// Config configures a Resolver.
type Config struct {
	Table *route.Table

	// Local defaults to net.DefaultResolver.
	Local HostLookuper

	// Fake is required for rules using the fake resolve protocol.
	Fake *FakeTable

	// Tunnel and Nameserver are required for rules using the tcp resolve
	// protocol.
	Tunnel     TunnelDialer
	Nameserver string

	// Timeout bounds one lookup. Zero means 5 seconds.
	Timeout time.Duration
}

// Resolver answers lookups per the routing table.
type Resolver struct {
	cfg   Config
	cache *cache.Cache
	sf    singleflight.Group
}

const (
	defaultTimeout = 5 * time.Second
	maxCacheTTL    = 5 * time.Minute
)

// New returns a Resolver for cfg.
func New(cfg Config) *Resolver {
	if cfg.Local == nil {
		cfg.Local = net.DefaultResolver
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Resolver{
		cfg:   cfg,
		cache: cache.New(maxCacheTTL, 2*maxCacheTTL),
	}
}

// FakeName returns the hostname behind a fake address handed out earlier.
func (r *Resolver) FakeName(a netip.Addr) (string, bool) {
	if r.cfg.Fake == nil {
		return "", false
	}
	return r.cfg.Fake.Lookup(a)
}

// IsFake reports whether a lies in a fake address pool.
func (r *Resolver) IsFake(a netip.Addr) bool {
	return r.cfg.Fake != nil && r.cfg.Fake.Contains(a)
}

// answer is the outcome of resolving one name.
type answer struct {
	addrs []netip.Addr
	cname string
}

// lookup resolves host for family (AF_INET, AF_INET6 or AF_UNSPEC). Errors
// are *HostError.
func (r *Resolver) lookup(ctx context.Context, host string, family int) (*answer, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return &answer{addrs: []netip.Addr{ip.WithZone("")}, cname: host}, nil
	}

	name, err := socks.CanonicalHost(host)
	if err != nil {
		return nil, &HostError{Name: host, Code: HostNotFound, Err: err}
	}

	proto, proxy := route.ResolveLocal, ""
	if r.cfg.Table != nil {
		rule, err := r.cfg.Table.LookupHost(name)
		switch {
		case err != nil:
		case rule.Action == route.ActionBlock:
			return nil, &HostError{Name: name, Code: HostNotFound, Err: route.ErrBlocked}
		case rule.Action == route.ActionProxy:
			proto, proxy = rule.Resolve, rule.Proxy
		}
	}
	metrics.Resolutions.WithLabelValues(proto.String()).Inc()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var ans *answer
	switch proto {
	case route.ResolveFake:
		ans, err = r.fake(name, family)
	case route.ResolveTCP:
		ans, err = r.tcp(ctx, proxy, name, family)
	default:
		ans, err = r.local(ctx, name, family)
	}

	l := log.WithFields(log.Fields{"host": name, "resolve": proto.String()})
	if err != nil {
		l.Debugf("lookup failed: %v", err)
		return nil, err
	}
	l.Debugf("resolved to %v", ans.addrs)
	return ans, nil
}

func (r *Resolver) fake(name string, family int) (*answer, error) {
	if r.cfg.Fake == nil {
		return nil, &HostError{Name: name, Code: NoRecovery, Err: errors.New("fake resolution not configured")}
	}
	a, err := r.cfg.Fake.Allocate(name, family == unix.AF_INET6)
	if err != nil {
		return nil, &HostError{Name: name, Code: TryAgain, Err: err}
	}
	return &answer{addrs: []netip.Addr{a}, cname: name}, nil
}

func (r *Resolver) local(ctx context.Context, name string, family int) (*answer, error) {
	addrs, err := r.cfg.Local.LookupNetIP(ctx, lookupNetwork(family), name)
	if err != nil {
		return nil, hostError(name, err)
	}
	if len(addrs) == 0 {
		return nil, &HostError{Name: name, Code: NoData}
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return &answer{addrs: addrs, cname: name}, nil
}

func hostError(name string, err error) *HostError {
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	code := NoRecovery
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		code = HostNotFound
	case errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout):
		code = TryAgain
	case errors.Is(err, context.DeadlineExceeded):
		code = TryAgain
	}
	return &HostError{Name: name, Code: code, Err: err}
}
