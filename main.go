package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksify/internal/config"
	"github.com/die-net/socksify/internal/dialer"
	"github.com/die-net/socksify/internal/metrics"
	"github.com/die-net/socksify/internal/proxy"
	"github.com/die-net/socksify/internal/socks"
	"github.com/die-net/socksify/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = pflag.String("config", "", "Routing configuration file (YAML). Empty uses the defaults plus environment.")
		httpListen   = pflag.String("http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		socksListen  = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		tproxyListen = pflag.String("tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")

		upstream = pflag.String("upstream", "", "Default upstream proxy URL, overriding the configuration default: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks4://[user@]host:port | socks4a://[user@]host:port | socks5://[user:pass@]host:port")
		check    = pflag.String("check", "", "Print the routing decision for host:port and exit")

		socksUser = pflag.String("socks5-username", "", "Username required from SOCKS5 clients. Empty disables authentication.")
		socksPass = pflag.String("socks5-password", "", "Password required from SOCKS5 clients")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		httpMaxIdleConns   = pflag.Int("http-max-idle-conns", 100, "Maximum number of idle HTTP proxy connections")
		ioTimeout          = pflag.Duration("io-timeout", 0, "Maximum lifetime of a relayed connection. Zero disables.")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel           = pflag.String("log-level", "info", "Log level: panic|fatal|error|warn|info|debug|trace")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.SetFormatter(&nested.Formatter{TimestampFormat: time.RFC3339, HideKeys: false})
	log.SetLevel(level)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	rcfg, err := loadConfig(*configPath, *upstream)
	if err != nil {
		return err
	}
	if *negotiationTimeout > 0 && rcfg.NegotiationTimeout == 0 {
		rcfg.NegotiationTimeout = *negotiationTimeout
	}

	router, err := dialer.NewRouter(dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: rcfg.NegotiationTimeout,
		KeepAlive:          ka,
	}, rcfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if *check != "" {
		return printDecision(os.Stdout, router, *check)
	}

	if *httpListen == "" && *socksListen == "" && *tproxyListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen, --tproxy-listen)")
	}

	cfg := proxy.Config{
		NegotiationTimeout: rcfg.NegotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		HTTPMaxIdleConns:   *httpMaxIdleConns,
		IOTimeout:          *ioTimeout,
		KeepAlive:          ka,
		Dialer:             router,
		Username:           *socksUser,
		Password:           *socksPass,
		Logger:             log.StandardLogger(),
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", metrics.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Infof("debug listening on %s", *debugListen)
	}

	if *httpListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *httpListen, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewHTTPProxyServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		log.Infof("http proxy listening on %s", *httpListen)
	}

	if *socksListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.Infof("socks5 proxy listening on %s", *socksListen)
	}

	if *tproxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(ctx, *tproxyListen, ka)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		log.Infof("tproxy listening on %s", *tproxyListen)
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// loadConfig reads the routing configuration, applies the environment, and
// lets --upstream replace the default route.
func loadConfig(path, upstream string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if upstream != "" {
		p, err := config.ParseProxyURL("upstream", upstream, "")
		if err != nil {
			return nil, fmt.Errorf("invalid --upstream: %w", err)
		}
		if p.Name == "" {
			cfg.Default = "direct"
		} else {
			cfg.Proxies = slices.DeleteFunc(cfg.Proxies, func(q config.Proxy) bool { return q.Name == p.Name })
			cfg.Proxies = append(cfg.Proxies, p)
			cfg.Default = p.Name
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// printDecision writes the rule that applies to a CONNECT toward target.
func printDecision(w io.Writer, r *dialer.Router, target string) error {
	addr, err := socks.ParseAddr(target)
	if err != nil {
		return fmt.Errorf("invalid --check: %w", err)
	}
	rule, err := r.Decide(socks.CmdConnect, addr)
	if rule == nil {
		return err
	}
	_, werr := fmt.Fprintf(w, "%s: %s\n", addr, rule)
	return werr
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
