package route

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/die-net/socksify/internal/socks"
)

var (
	// ErrNoRoute is returned when no rule matches and no default is set.
	ErrNoRoute = errors.New("no route to destination")
	// ErrBlocked is returned for requests matching a block rule.
	ErrBlocked = errors.New("destination blocked by routing policy")
)

var loopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// Table is an ordered, first-match rule list with an optional default.
type Table struct {
	rules []Rule
	def   *Rule
}

// NewTable copies rules into a new table. def may be nil.
func NewTable(rules []Rule, def *Rule) *Table {
	t := &Table{rules: slices.Clone(rules)}
	if def != nil {
		d := *def
		d.Dest = Destination{Any: true}
		d.Commands = CommandsAll
		t.def = &d
	}
	return t
}

// LoopbackRules returns direct rules for the loopback networks, typically
// placed ahead of user rules.
func LoopbackRules() []Rule {
	rules := make([]Rule, 0, len(loopback)+1)
	for _, p := range loopback {
		rules = append(rules, Rule{Dest: Destination{Prefix: p}, Commands: CommandsAll, Action: ActionDirect})
	}
	return append(rules, Rule{Dest: Destination{Domain: "localhost"}, Commands: CommandsAll, Action: ActionDirect})
}

// Lookup returns the first rule matching cmd toward t, or the default.
func (t *Table) Lookup(cmd socks.Command, target socks.Addr) (*Rule, error) {
	for i := range t.rules {
		if t.rules[i].Match(cmd, target) {
			return &t.rules[i], nil
		}
	}
	if t.def != nil {
		return t.def, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, cmd, target)
}

// LookupHost returns the rule governing name resolution for host: the first
// rule whose destination covers the hostname on any port for connect, or the
// default. Rules are matched ignoring their port ranges, so a name resolved
// under one rule may later be connected under another; callers must not
// assume the connect rule's protocol can carry the name.
func (t *Table) LookupHost(host string) (*Rule, error) {
	target := socks.Addr{Host: host}
	for i := range t.rules {
		r := &t.rules[i]
		if r.Commands.Has(socks.CmdConnect) && r.Dest.MatchHost(target) {
			return r, nil
		}
	}
	if t.def != nil {
		return t.def, nil
	}
	return nil, fmt.Errorf("%w: resolve %s", ErrNoRoute, host)
}

// Rules returns a copy of the rule list, without the default.
func (t *Table) Rules() []Rule {
	return slices.Clone(t.rules)
}

// Default returns the default rule, or nil.
func (t *Table) Default() *Rule {
	return t.def
}
