// Package metrics exposes socksify's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RouteDecisions counts routing decisions by action.
	RouteDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksify_route_decisions_total",
		Help: "Routing decisions by action (direct, proxy, block, fallback)",
	}, []string{"action"})

	// Negotiations counts proxy negotiations by protocol and result.
	Negotiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksify_negotiations_total",
		Help: "Proxy negotiations by protocol and result",
	}, []string{"protocol", "result"})

	// Resolutions counts hostname lookups by resolve protocol.
	Resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socksify_resolutions_total",
		Help: "Hostname resolutions by resolve protocol",
	}, []string{"protocol"})

	// ProxiedSessions is the number of sockets currently carried by a proxy.
	ProxiedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socksify_proxied_sessions",
		Help: "Current number of proxied sockets",
	})
)

func init() {
	prometheus.MustRegister(RouteDecisions, Negotiations, Resolutions, ProxiedSessions)
}

// Result labels a negotiation outcome.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
