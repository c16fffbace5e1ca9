package route

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/die-net/socksify/internal/socks"
)

// Action is what a matching rule does with a request.
type Action int

const (
	ActionDirect Action = iota
	ActionProxy
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionDirect:
		return "direct"
	case ActionProxy:
		return "proxy"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseAction parses "direct", "proxy" or "block".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return ActionDirect, nil
	case "proxy":
		return ActionProxy, nil
	case "block", "deny":
		return ActionBlock, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// ResolveProtocol selects how hostnames are resolved for a rule.
type ResolveProtocol int

const (
	// ResolveLocal uses the local resolver.
	ResolveLocal ResolveProtocol = iota
	// ResolveFake hands out placeholder addresses and sends the hostname to
	// the proxy at connect time.
	ResolveFake
	// ResolveTCP sends DNS queries over TCP through the proxy.
	ResolveTCP
)

func (r ResolveProtocol) String() string {
	switch r {
	case ResolveLocal:
		return "local"
	case ResolveFake:
		return "fake"
	case ResolveTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseResolveProtocol accepts "local" (also "udp"), "fake" and "tcp".
func ParseResolveProtocol(s string) (ResolveProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "udp", "":
		return ResolveLocal, nil
	case "fake":
		return ResolveFake, nil
	case "tcp":
		return ResolveTCP, nil
	default:
		return 0, fmt.Errorf("unknown resolve protocol %q", s)
	}
}

// Commands is a set of proxy commands a rule applies to.
type Commands uint8

const (
	CommandsConnect Commands = 1 << iota
	CommandsBind
	CommandsUDPAssociate

	CommandsAll = CommandsConnect | CommandsBind | CommandsUDPAssociate
)

// Has reports whether cmd is in the set.
func (c Commands) Has(cmd socks.Command) bool {
	switch cmd {
	case socks.CmdConnect:
		return c&CommandsConnect != 0
	case socks.CmdBind:
		return c&CommandsBind != 0
	case socks.CmdUDPAssociate:
		return c&CommandsUDPAssociate != 0
	default:
		return false
	}
}

// ParseCommands parses command names; an empty list means all commands.
func ParseCommands(names []string) (Commands, error) {
	if len(names) == 0 {
		return CommandsAll, nil
	}
	var c Commands
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "connect":
			c |= CommandsConnect
		case "bind", "bindreply":
			c |= CommandsBind
		case "udpassociate", "udp", "udpreply":
			c |= CommandsUDPAssociate
		default:
			return 0, fmt.Errorf("unknown command %q", n)
		}
	}
	return c, nil
}

// PortRange is an inclusive port range. The zero value matches every port.
type PortRange struct {
	Lo, Hi uint16
}

// Any reports whether r matches every port.
func (r PortRange) Any() bool {
	return r.Lo == 0 && r.Hi == 0
}

// Contains reports whether p lies in r.
func (r PortRange) Contains(p uint16) bool {
	return r.Any() || (p >= r.Lo && p <= r.Hi)
}

// ParsePortRange parses "", "any", "80" or "1000-2000".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return PortRange{}, nil
	}
	lo, hi, found := strings.Cut(s, "-")
	l, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	h := l
	if found {
		h, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port %q", s)
		}
	}
	if l == 0 || h < l {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange{Lo: uint16(l), Hi: uint16(h)}, nil
}

// Destination matches request targets. Exactly one of Any, Prefix or Domain
// is set.
type Destination struct {
	Any    bool
	Prefix netip.Prefix
	// Domain matches the name itself; a leading dot matches subdomains only.
	Domain string
	Ports  PortRange
}

var errEmptyDestination = errors.New("empty destination")

// ParseDestination parses "any", an address, a CIDR prefix, "example.com" or
// ".example.com".
func ParseDestination(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Destination{}, errEmptyDestination
	case strings.EqualFold(s, "any") || s == "*":
		return Destination{Any: true}, nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return Destination{Prefix: p.Masked()}, nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return Destination{Prefix: netip.PrefixFrom(a, a.BitLen())}, nil
	}

	suffix := strings.HasPrefix(s, ".")
	h, err := socks.CanonicalHost(strings.TrimPrefix(s, "."))
	if err != nil {
		return Destination{}, fmt.Errorf("destination %q: %w", s, err)
	}
	if suffix {
		h = "." + h
	}
	return Destination{Domain: h}, nil
}

// Match reports whether t is covered by d.
func (d Destination) Match(t socks.Addr) bool {
	if !d.Ports.Contains(t.Port) {
		return false
	}
	return d.MatchHost(t)
}

// MatchHost is Match ignoring the port.
func (d Destination) MatchHost(t socks.Addr) bool {
	switch {
	case d.Any:
		return true
	case d.Prefix.IsValid():
		return !t.IsHostname() && d.Prefix.Contains(t.IP.Unmap())
	case d.Domain != "":
		if !t.IsHostname() {
			return false
		}
		if strings.HasPrefix(d.Domain, ".") {
			return strings.HasSuffix(t.Host, d.Domain)
		}
		return t.Host == d.Domain
	default:
		return false
	}
}

func (d Destination) String() string {
	var s string
	switch {
	case d.Any:
		s = "any"
	case d.Prefix.IsValid():
		s = d.Prefix.String()
	default:
		s = d.Domain
	}
	if !d.Ports.Any() {
		if d.Ports.Lo == d.Ports.Hi {
			s += " port " + strconv.Itoa(int(d.Ports.Lo))
		} else {
			s += fmt.Sprintf(" port %d-%d", d.Ports.Lo, d.Ports.Hi)
		}
	}
	return s
}

// Rule is one routing entry.
type Rule struct {
	Dest     Destination
	Commands Commands
	Action   Action
	// Proxy names the proxy for ActionProxy.
	Proxy    string
	Resolve  ResolveProtocol
	Fallback bool
}

// Match reports whether r applies to cmd toward t.
func (r *Rule) Match(cmd socks.Command, t socks.Addr) bool {
	return r.Commands.Has(cmd) && r.Dest.Match(t)
}

func (r *Rule) String() string {
	s := r.Action.String()
	if r.Action == ActionProxy {
		s += " via " + r.Proxy
	}
	return s + " to " + r.Dest.String()
}
