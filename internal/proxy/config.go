package proxy

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/socksify/internal/dialer"
)

type Config struct {
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int

	// IOTimeout bounds a whole relayed connection; zero means no limit.
	IOTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Dialer is normally a *dialer.Router.
	Dialer dialer.ContextDialer

	// Auth, if set, is required from SOCKS5 clients.
	Username string
	Password string

	Logger log.FieldLogger
}

func (c Config) logger() log.FieldLogger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}
