package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// ErrUnknownProxy is returned by DialVia for a proxy name not in the
// configuration.
var ErrUnknownProxy = errors.New("unknown proxy")

// Router dials each destination the way the routing table says: directly,
// through a named proxy, or not at all.
type Router struct {
	table   *route.Table
	direct  ContextDialer
	proxies map[string]ContextDialer
}

// NewRouter compiles c and builds a dialer for every proxy it names.
func NewRouter(cfg Config, c *config.Config) (*Router, error) {
	table, err := c.Table()
	if err != nil {
		return nil, err
	}

	r := &Router{
		table:   table,
		direct:  NewDirectDialer(cfg),
		proxies: make(map[string]ContextDialer, len(c.Proxies)),
	}
	for _, p := range c.Proxies {
		d, err := NewProxyDialer(cfg, p)
		if err != nil {
			return nil, err
		}
		r.proxies[p.Name] = d
	}
	return r, nil
}

// Table returns the compiled routing table.
func (r *Router) Table() *route.Table {
	return r.table
}

// Decide looks up the rule for cmd toward target. A block rule is returned
// together with an error wrapping route.ErrBlocked.
func (r *Router) Decide(cmd socks.Command, target socks.Addr) (*route.Rule, error) {
	rule, err := r.table.Lookup(cmd, target)
	if err != nil {
		return nil, err
	}
	metrics.RouteDecisions.WithLabelValues(rule.Action.String()).Inc()
	if rule.Action == route.ActionBlock {
		return rule, fmt.Errorf("%w: %s", route.ErrBlocked, target)
	}
	return rule, nil
}

// DialContext routes and dials address.
func (r *Router) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	target, err := socks.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	rule, err := r.Decide(socks.CmdConnect, target)
	if err != nil {
		return nil, err
	}

	if rule.Action == route.ActionDirect {
		return r.direct.DialContext(ctx, network, address)
	}

	c, err := r.DialVia(ctx, rule.Proxy, network, address)
	if err == nil || !rule.Fallback || ctx.Err() != nil {
		return c, err
	}

	log.WithFields(log.Fields{"proxy": rule.Proxy, "target": address}).Warnf("proxy failed, falling back to direct: %v", err)
	metrics.RouteDecisions.WithLabelValues("fallback").Inc()
	return r.direct.DialContext(ctx, network, address)
}

// DialVia dials address through the named proxy, bypassing the routing
// table.
func (r *Router) DialVia(ctx context.Context, proxy, network, address string) (net.Conn, error) {
	d, ok := r.proxies[proxy]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProxy, proxy)
	}
	return d.DialContext(ctx, network, address)
}
