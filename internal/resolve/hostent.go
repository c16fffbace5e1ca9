package resolve

import (
	"context"
	"net/netip"

	"golang.org/x/sys/unix"
)

// GetHostByName looks up IPv4 addresses for name.
func (r *Resolver) GetHostByName(ctx context.Context, name string) (*HostEnt, error) {
	return r.GetHostByName2(ctx, name, unix.AF_INET)
}

// GetHostByName2 looks up addresses of family af for name.
func (r *Resolver) GetHostByName2(ctx context.Context, name string, af int) (*HostEnt, error) {
	if af != unix.AF_INET && af != unix.AF_INET6 {
		return nil, &HostError{Name: name, Code: NetDBInternal, Err: unix.EAFNOSUPPORT}
	}
	ans, err := r.lookup(ctx, name, af)
	if err != nil {
		return nil, err
	}
	return hostEnt(name, ans, af, false)
}

// GetIPNodeByName is the RFC 2553 lookup. With AIV4Mapped, an AF_INET6 query
// that finds no IPv6 addresses returns the IPv4 ones as IPv4-mapped addresses;
// with AIAll as well, both are returned.
func (r *Resolver) GetIPNodeByName(ctx context.Context, name string, af, flags int) (*HostEnt, error) {
	if af != unix.AF_INET && af != unix.AF_INET6 {
		return nil, &HostError{Name: name, Code: NetDBInternal, Err: unix.EAFNOSUPPORT}
	}
	if af == unix.AF_INET || flags&AIV4Mapped == 0 {
		ans, err := r.lookup(ctx, name, af)
		if err != nil {
			return nil, err
		}
		return hostEnt(name, ans, af, false)
	}

	v6, err6 := r.lookup(ctx, name, unix.AF_INET6)
	if err6 == nil && filter(v6.addrs, unix.AF_INET6) != nil && flags&AIAll == 0 {
		return hostEnt(name, v6, af, false)
	}

	v4, err4 := r.lookup(ctx, name, unix.AF_INET)
	if err4 != nil {
		if err6 == nil {
			return hostEnt(name, v6, af, false)
		}
		return nil, err4
	}

	merged := &answer{cname: v4.cname}
	if err6 == nil {
		merged.addrs = append(merged.addrs, filter(v6.addrs, unix.AF_INET6)...)
	}
	merged.addrs = append(merged.addrs, filter(v4.addrs, unix.AF_INET)...)
	return hostEnt(name, merged, af, true)
}

func hostEnt(name string, ans *answer, af int, mapV4 bool) (*HostEnt, error) {
	var addrs []netip.Addr
	for _, a := range ans.addrs {
		switch {
		case familyOf(a) == af:
			addrs = append(addrs, a)
		case mapV4 && a.Is4() && af == unix.AF_INET6:
			addrs = append(addrs, netip.AddrFrom16(a.As16()))
		}
	}
	if len(addrs) == 0 {
		return nil, &HostError{Name: name, Code: NoData}
	}

	he := &HostEnt{Name: ans.cname, Family: af, Addrs: addrs}
	if ans.cname != name {
		he.Aliases = []string{name}
	}
	return he, nil
}

func filter(addrs []netip.Addr, af int) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		if familyOf(a) == af {
			out = append(out, a)
		}
	}
	return out
}
