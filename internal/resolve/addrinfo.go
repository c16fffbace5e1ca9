package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// GetAddrInfo resolves node and service into socket addresses. Errors are
// *AddrInfoError. A nil hints means no constraints.
func (r *Resolver) GetAddrInfo(ctx context.Context, node, service string, hints *Hints) ([]AddrInfo, error) {
	var h Hints
	if hints != nil {
		h = *hints
	}

	if node == "" && service == "" {
		return nil, eai(EAINoName, nil)
	}
	if h.Flags&^aiKnown != 0 || (h.Flags&AICanonName != 0 && node == "") {
		return nil, eai(EAIBadFlags, nil)
	}
	switch h.Family {
	case unix.AF_UNSPEC, unix.AF_INET, unix.AF_INET6:
	default:
		return nil, eai(EAIFamily, nil)
	}

	socktypes, err := sockTypes(h)
	if err != nil {
		return nil, err
	}

	port, err := r.servicePort(ctx, service, h)
	if err != nil {
		return nil, err
	}

	var (
		addrs []netip.Addr
		canon string
	)
	switch {
	case node == "":
		addrs = wildcard(h)
	default:
		if ip, perr := netip.ParseAddr(node); perr == nil {
			ip = ip.WithZone("")
			if h.Family != unix.AF_UNSPEC && familyOf(ip) != h.Family {
				if !(h.Family == unix.AF_INET6 && ip.Is4() && h.Flags&AIV4Mapped != 0) {
					return nil, eai(EAIAddrFamily, nil)
				}
			}
			addrs, canon = []netip.Addr{ip}, node
			break
		}
		if h.Flags&AINumericHost != 0 {
			return nil, eai(EAINoName, nil)
		}

		family := h.Family
		if family == unix.AF_INET6 && h.Flags&AIV4Mapped != 0 {
			family = unix.AF_UNSPEC
		}
		ans, err := r.lookup(ctx, node, family)
		if err != nil {
			return nil, addrInfoError(err)
		}
		addrs, canon = ans.addrs, ans.cname
	}

	var out []AddrInfo
	for _, a := range selectAddrs(addrs, h) {
		for _, st := range socktypes {
			out = append(out, AddrInfo{
				Flags:    h.Flags,
				Family:   familyOf(a),
				SockType: st.sockType,
				Protocol: st.protocol,
				Addr:     netip.AddrPortFrom(a, port),
			})
		}
	}
	if len(out) == 0 {
		return nil, eai(EAINoName, nil)
	}
	if h.Flags&AICanonName != 0 {
		out[0].CanonName = canon
	}
	return out, nil
}

type sockType struct {
	sockType int
	protocol int
}

var (
	streamType = sockType{unix.SOCK_STREAM, unix.IPPROTO_TCP}
	dgramType  = sockType{unix.SOCK_DGRAM, unix.IPPROTO_UDP}
)

func sockTypes(h Hints) ([]sockType, error) {
	switch h.SockType {
	case 0:
		switch h.Protocol {
		case 0:
			return []sockType{streamType, dgramType}, nil
		case unix.IPPROTO_TCP:
			return []sockType{streamType}, nil
		case unix.IPPROTO_UDP:
			return []sockType{dgramType}, nil
		}
	case unix.SOCK_STREAM:
		if h.Protocol == 0 || h.Protocol == unix.IPPROTO_TCP {
			return []sockType{streamType}, nil
		}
	case unix.SOCK_DGRAM:
		if h.Protocol == 0 || h.Protocol == unix.IPPROTO_UDP {
			return []sockType{dgramType}, nil
		}
	default:
		return nil, eai(EAISockType, nil)
	}
	return nil, eai(EAISockType, fmt.Errorf("protocol %d", h.Protocol))
}

func (r *Resolver) servicePort(ctx context.Context, service string, h Hints) (uint16, error) {
	if service == "" {
		return 0, nil
	}
	if p, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(p), nil
	}
	if h.Flags&AINumericServ != 0 {
		return 0, eai(EAINoName, nil)
	}

	network := "tcp"
	if h.SockType == unix.SOCK_DGRAM || h.Protocol == unix.IPPROTO_UDP {
		network = "udp"
	}
	p, err := r.cfg.Local.LookupPort(ctx, network, service)
	if err != nil || p < 0 || p > 0xffff {
		return 0, eai(EAIService, err)
	}
	return uint16(p), nil
}

func wildcard(h Hints) []netip.Addr {
	v4, v6 := netip.IPv4Unspecified(), netip.IPv6Unspecified()
	if h.Flags&AIPassive == 0 {
		v4, v6 = netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()
	}
	switch h.Family {
	case unix.AF_INET:
		return []netip.Addr{v4}
	case unix.AF_INET6:
		return []netip.Addr{v6}
	default:
		return []netip.Addr{v4, v6}
	}
}

// selectAddrs applies the family hint, including AI_V4MAPPED and AI_ALL.
func selectAddrs(addrs []netip.Addr, h Hints) []netip.Addr {
	if h.Family == unix.AF_UNSPEC {
		return addrs
	}
	if h.Family == unix.AF_INET {
		return filter(addrs, unix.AF_INET)
	}

	v6 := filter(addrs, unix.AF_INET6)
	if h.Flags&AIV4Mapped == 0 || (len(v6) > 0 && h.Flags&AIAll == 0) {
		return v6
	}
	for _, a := range filter(addrs, unix.AF_INET) {
		v6 = append(v6, netip.AddrFrom16(a.As16()))
	}
	return v6
}

func addrInfoError(err error) error {
	var he *HostError
	if !errors.As(err, &he) {
		return eai(EAIFail, err)
	}
	switch he.Code {
	case HostNotFound, NoData:
		return eai(EAINoName, err)
	case TryAgain:
		return eai(EAIAgain, err)
	case NetDBInternal:
		return eai(EAISystem, err)
	default:
		return eai(EAIFail, err)
	}
}
