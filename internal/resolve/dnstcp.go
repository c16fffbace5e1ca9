package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

var errNoNameserver = errors.New("no nameserver configured for tcp resolution")

// tcp resolves name by sending DNS queries over a TCP connection opened
// through proxy. Answers are cached for their TTL and concurrent identical
// lookups share one query.
func (r *Resolver) tcp(ctx context.Context, proxy, name string, family int) (*answer, error) {
	if r.cfg.Tunnel == nil || r.cfg.Nameserver == "" {
		return nil, &HostError{Name: name, Code: NoRecovery, Err: errNoNameserver}
	}

	key := proxy + "/" + strconv.Itoa(family) + "/" + name
	if v, ok := r.cache.Get(key); ok {
		return v.(*answer), nil
	}

	ch := r.sf.DoChan(key, func() (any, error) {
		ans, ttl, err := r.query(ctx, proxy, name, family)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			r.cache.Set(key, ans, min(ttl, maxCacheTTL))
		}
		return ans, nil
	})

	select {
	case <-ctx.Done():
		return nil, &HostError{Name: name, Code: TryAgain, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, hostError(name, res.Err)
		}
		return res.Val.(*answer), nil
	}
}

func (r *Resolver) query(ctx context.Context, proxy, name string, family int) (*answer, time.Duration, error) {
	c, err := r.cfg.Tunnel.DialVia(ctx, proxy, "tcp", r.cfg.Nameserver)
	if err != nil {
		return nil, 0, &HostError{Name: name, Code: TryAgain, Err: err}
	}
	defer c.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	co := &dns.Conn{Conn: c}

	var qtypes []uint16
	switch family {
	case unix.AF_INET:
		qtypes = []uint16{dns.TypeA}
	case unix.AF_INET6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	ans := &answer{cname: name}
	ttl := maxCacheTTL
	var lastErr error
	for _, qt := range qtypes {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qt)
		m.RecursionDesired = true

		if err := co.WriteMsg(m); err != nil {
			return nil, 0, &HostError{Name: name, Code: TryAgain, Err: err}
		}
		resp, err := co.ReadMsg()
		if err != nil {
			return nil, 0, &HostError{Name: name, Code: TryAgain, Err: err}
		}
		if resp.Id != m.Id {
			return nil, 0, &HostError{Name: name, Code: NoRecovery, Err: errors.New("dns response id mismatch")}
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, 0, &HostError{Name: name, Code: HostNotFound}
		case dns.RcodeServerFailure:
			lastErr = &HostError{Name: name, Code: TryAgain, Err: fmt.Errorf("dns %s", dns.RcodeToString[resp.Rcode])}
			continue
		default:
			lastErr = &HostError{Name: name, Code: NoRecovery, Err: fmt.Errorf("dns %s", dns.RcodeToString[resp.Rcode])}
			continue
		}

		for _, rr := range resp.Answer {
			ttl = min(ttl, time.Duration(rr.Header().Ttl)*time.Second)
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A); ok {
					ans.addrs = append(ans.addrs, a.Unmap())
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA); ok {
					ans.addrs = append(ans.addrs, a)
				}
			case *dns.CNAME:
				ans.cname = strings.TrimSuffix(dns.CanonicalName(v.Target), ".")
			}
		}
	}

	if len(ans.addrs) == 0 {
		if lastErr != nil {
			return nil, 0, lastErr
		}
		return nil, 0, &HostError{Name: name, Code: NoData}
	}
	return ans, ttl, nil
}
