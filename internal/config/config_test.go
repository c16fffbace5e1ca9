package config

import (
	"errors"
	"testing"
	"time"

	"github.com/die-net/socksify/internal/route"
	"github.com/die-net/socksify/internal/socks"
)

const sampleYAML = `
proxies:
  - name: corp
    protocol: socks5
    address: proxy.corp.example:1080
    username: alice
    password: secret
  - name: legacy
    protocol: socks4
    address: 10.0.0.1:1080
routes:
  - to: 10.0.0.0/8
    action: direct
  - to: .onion
    via: corp
    resolve: fake
  - to: 192.0.2.0/24
    port: 6660-6669
    action: block
  - to: any
    command: [bind]
    via: legacy
    resolve: local
    fallback: true
default: corp
resolveprotocol: tcp
negotiation_timeout: 3s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NegotiationTimeout != 3*time.Second {
		t.Fatalf("negotiation timeout %v", cfg.NegotiationTimeout)
	}
	if !cfg.BypassLoopback {
		t.Fatal("expected default bypass_loopback")
	}

	tbl, err := cfg.Table()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		cmd         socks.Command
		target      string
		wantAction  route.Action
		wantProxy   string
		wantResolve route.ResolveProtocol
	}{
		{socks.CmdConnect, "127.0.0.1:22", route.ActionDirect, "", route.ResolveLocal},
		{socks.CmdConnect, "10.9.9.9:22", route.ActionDirect, "", route.ResolveTCP},
		{socks.CmdConnect, "abc.onion:80", route.ActionProxy, "corp", route.ResolveFake},
		{socks.CmdConnect, "192.0.2.5:6667", route.ActionBlock, "", route.ResolveTCP},
		{socks.CmdBind, "0.0.0.0:0", route.ActionProxy, "legacy", route.ResolveLocal},
		{socks.CmdConnect, "198.51.100.1:443", route.ActionProxy, "corp", route.ResolveTCP},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			target, err := socks.ParseAddr(tt.target)
			if err != nil {
				t.Fatal(err)
			}
			r, err := tbl.Lookup(tt.cmd, target)
			if err != nil {
				t.Fatal(err)
			}
			if r.Action != tt.wantAction || r.Proxy != tt.wantProxy {
				t.Fatalf("got %s", r)
			}
			if r.Action != route.ActionBlock && r.Dest.Prefix.IsValid() && r.Dest.Prefix.Addr().IsLoopback() {
				return
			}
			if r.Resolve != tt.wantResolve {
				t.Fatalf("resolve %s want %s", r.Resolve, tt.wantResolve)
			}
		})
	}

	bind, _ := tbl.Lookup(socks.CmdBind, socks.Addr{})
	if !bind.Fallback {
		t.Fatal("expected fallback on bind route")
	}
}

func TestTableErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown proxy", "routes: [{to: any, via: nope}]"},
		{"bad protocol", "proxies: [{name: p, protocol: gopher, address: h:1}]"},
		{"bad address", "proxies: [{name: p, protocol: socks5, address: nohost}]"},
		{"duplicate proxy", "proxies: [{name: p, address: h:1}, {name: p, address: h:2}]"},
		{"bad port", "routes: [{to: any, port: x, action: direct}]"},
		{"bad action", "routes: [{to: any, action: maybe}]"},
		{"proxy without via", "routes: [{to: any, action: proxy}]"},
		{"bad command", "routes: [{to: any, command: [listen], action: direct}]"},
		{"unknown default", "default: nowhere"},
		{"bad resolve", "resolveprotocol: carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSOCKS4RemoteResolveRejected(t *testing.T) {
	cfg, err := Parse([]byte("proxies: [{name: p, protocol: socks4, address: h:1}]\nroutes: [{to: any, via: p, resolve: fake}]"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); !errors.Is(err, socks.ErrRemoteResolveUnsupported) {
		t.Fatalf("got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		wantDefault  string
		wantProxy    Proxy
		wantFallback bool
	}{
		{
			name:        "none",
			env:         map[string]string{},
			wantDefault: "direct",
		},
		{
			name:        "socks_server bare",
			env:         map[string]string{"SOCKS_SERVER": "proxy.example:1081", "SOCKS_USERNAME": "u", "SOCKS_PASSWORD": "p"},
			wantDefault: "socks_server",
			wantProxy:   Proxy{Name: "socks_server", Protocol: "socks5", Address: "proxy.example:1081", Username: "u", Password: "p"},
		},
		{
			name:        "socks4 beats generic",
			env:         map[string]string{"SOCKS_SERVER": "a:1", "SOCKS4_SERVER": "b:2"},
			wantDefault: "socks4_server",
			wantProxy:   Proxy{Name: "socks4_server", Protocol: "socks4", Address: "b:2"},
		},
		{
			name:         "all_proxy url",
			env:          map[string]string{"ALL_PROXY": "socks5h://x:y@gw.example", "SOCKS_DIRECTROUTE_FALLBACK": "yes"},
			wantDefault:  "all_proxy",
			wantProxy:    Proxy{Name: "all_proxy", Protocol: "socks5", Address: "gw.example:1080", Username: "x", Password: "y"},
			wantFallback: true,
		},
		{
			name:        "all_proxy direct",
			env:         map[string]string{"all_proxy": "direct://"},
			wantDefault: "direct",
		},
		{
			name:        "http connect",
			env:         map[string]string{"HTTP_CONNECT_PROXY": "http://cache.example"},
			wantDefault: "http_connect_proxy",
			wantProxy:   Proxy{Name: "http_connect_proxy", Protocol: "http", Address: "cache.example:80"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.ApplyEnv(func(k string) string { return tt.env[k] }); err != nil {
				t.Fatal(err)
			}
			if cfg.Default != tt.wantDefault {
				t.Fatalf("default %q want %q", cfg.Default, tt.wantDefault)
			}
			if cfg.Fallback != tt.wantFallback {
				t.Fatalf("fallback %v", cfg.Fallback)
			}
			if tt.wantProxy.Name != "" {
				p, ok := cfg.Proxy(tt.wantProxy.Name)
				if !ok || p != tt.wantProxy {
					t.Fatalf("proxy %+v want %+v", p, tt.wantProxy)
				}
			}
			if err := cfg.Validate(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestParseProxyURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "socks5://h"},
		{in: "SOCKS4A://h:9"},
		{in: "http://u:p@h:3128"},
		{in: "direct://"},
		{in: "gopher://h", wantErr: true},
		{in: "h:1080", wantErr: true},
		{in: "socks5://", wantErr: true},
		{in: "socks5://h/path", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseProxyURL("p", tt.in, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
