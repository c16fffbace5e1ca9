// Package config loads socksify's routing configuration from a YAML file and
// the environment and compiles it into a route.Table.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

// Proxy is a named upstream proxy server.
type Proxy struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Route is one routing rule as written in the configuration file.
type Route struct {
	To       string   `yaml:"to"`
	Port     string   `yaml:"port"`
	Command  []string `yaml:"command"`
	Action   string   `yaml:"action"`
	Via      string   `yaml:"via"`
	Resolve  string   `yaml:"resolve"`
	Fallback *bool    `yaml:"fallback"`
}

// Config is the complete routing configuration.
type Config struct {
	Proxies []Proxy `yaml:"proxies"`
	Routes  []Route `yaml:"routes"`

	// Default is applied when no route matches: "direct", "block", a proxy
	// name, or empty for no default.
	Default string `yaml:"default"`

	// Resolve is the resolve protocol for routes that do not set one.
	Resolve string `yaml:"resolveprotocol"`

	// Fallback allows direct connections when proxy negotiation fails, for
	// routes that do not set it themselves.
	Fallback bool `yaml:"fallback"`

	// BypassLoopback routes loopback destinations directly ahead of all
	// other rules.
	BypassLoopback bool `yaml:"bypass_loopback"`

	// Nameserver is the DNS server queried through the proxy for the "tcp"
	// resolve protocol.
	Nameserver string        `yaml:"nameserver"`
	DNSTimeout time.Duration `yaml:"dns_timeout"`

	// FakePrefix4 and FakePrefix6 are the address pools handed out by the
	// "fake" resolve protocol.
	FakePrefix4 string `yaml:"fake_prefix4"`
	FakePrefix6 string `yaml:"fake_prefix6"`

	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Default:        "direct",
		BypassLoopback: true,
		Nameserver:     "1.1.1.1:53",
		DNSTimeout:     5 * time.Second,
		FakePrefix4:    "0.0.0.0/8",
		FakePrefix6:    "100::/64",
	}
}

// Load reads path on top of Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Proxy returns the named proxy.
func (c *Config) Proxy(name string) (Proxy, bool) {
	for _, p := range c.Proxies {
		if p.Name == name {
			return p, true
		}
	}
	return Proxy{}, false
}

// Validate checks the configuration without building anything.
func (c *Config) Validate() error {
	_, err := c.Table()
	return err
}

// Table compiles the routes into a route.Table.
func (c *Config) Table() (*route.Table, error) {
	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("proxy %d: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	defResolve, err := route.ParseResolveProtocol(c.Resolve)
	if err != nil {
		return nil, err
	}

	var rules []route.Rule
	if c.BypassLoopback {
		rules = route.LoopbackRules()
	}
	for i, r := range c.Routes {
		rule, err := c.compile(r, defResolve)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	def, err := c.defaultRule(defResolve)
	if err != nil {
		return nil, err
	}
	return route.NewTable(rules, def), nil
}

func (c *Config) compile(r Route, defResolve route.ResolveProtocol) (route.Rule, error) {
	dest, err := route.ParseDestination(r.To)
	if err != nil {
		return route.Rule{}, err
	}
	if dest.Ports, err = route.ParsePortRange(r.Port); err != nil {
		return route.Rule{}, err
	}
	cmds, err := route.ParseCommands(r.Command)
	if err != nil {
		return route.Rule{}, err
	}

	action := r.Action
	if action == "" {
		action = "direct"
		if r.Via != "" {
			action = "proxy"
		}
	}
	act, err := route.ParseAction(action)
	if err != nil {
		return route.Rule{}, err
	}

	rule := route.Rule{
		Dest:     dest,
		Commands: cmds,
		Action:   act,
		Proxy:    r.Via,
		Resolve:  defResolve,
		Fallback: c.Fallback,
	}
	if r.Fallback != nil {
		rule.Fallback = *r.Fallback
	}
	if r.Resolve != "" {
		if rule.Resolve, err = route.ParseResolveProtocol(r.Resolve); err != nil {
			return route.Rule{}, err
		}
	}

	if err := c.checkProxyRef(rule); err != nil {
		return route.Rule{}, err
	}
	return rule, nil
}

func (c *Config) defaultRule(defResolve route.ResolveProtocol) (*route.Rule, error) {
	rule := &route.Rule{Dest: route.Destination{Any: true}, Commands: route.CommandsAll, Resolve: defResolve, Fallback: c.Fallback}
	switch c.Default {
	case "":
		return nil, nil
	case "direct":
		rule.Action = route.ActionDirect
	case "block":
		rule.Action = route.ActionBlock
	default:
		rule.Action = route.ActionProxy
		rule.Proxy = c.Default
	}
	if err := c.checkProxyRef(*rule); err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	return rule, nil
}

var errMissingVia = errors.New("proxy action requires via")

func (c *Config) checkProxyRef(r route.Rule) error {
	if r.Action != route.ActionProxy {
		return nil
	}
	if r.Proxy == "" {
		return errMissingVia
	}
	p, ok := c.Proxy(r.Proxy)
	if !ok {
		return fmt.Errorf("unknown proxy %q", r.Proxy)
	}
	proto, _ := socks.ParseProtocol(p.Protocol)
	if r.Resolve != route.ResolveLocal && !proto.RemoteResolve() {
		return fmt.Errorf("resolve %s: %w", r.Resolve, socks.ErrRemoteResolveUnsupported)
	}
	return nil
}

// FakePrefixes parses the fake address pools.
func (c *Config) FakePrefixes() (v4, v6 netip.Prefix, err error) {
	if v4, err = netip.ParsePrefix(c.FakePrefix4); err != nil || !v4.Addr().Is4() {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("invalid fake_prefix4 %q", c.FakePrefix4)
	}
	if v6, err = netip.ParsePrefix(c.FakePrefix6); err != nil || !v6.Addr().Is6() {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("invalid fake_prefix6 %q", c.FakePrefix6)
	}
	return v4.Masked(), v6.Masked(), nil
}

func (p Proxy) validate() error {
	if p.Name == "" {
		return errors.New("missing name")
	}
	if _, err := socks.ParseProtocol(p.Protocol); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return fmt.Errorf("address %q: %w", p.Address, err)
	}
	return nil
}

// SOCKS returns the negotiation parameters for p.
func (p Proxy) SOCKS() (socks.Protocol, socks.Auth) {
	proto, _ := socks.ParseProtocol(p.Protocol)
	return proto, socks.Auth{Username: p.Username, Password: p.Password}
}
