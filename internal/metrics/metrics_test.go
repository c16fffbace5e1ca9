package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	RouteDecisions.WithLabelValues("direct").Inc()
	Negotiations.WithLabelValues("socks5", Result(errors.New("x"))).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`socksify_route_decisions_total{action="direct"}`,
		`socksify_negotiations_total{protocol="socks5",result="failure"}`,
		"socksify_proxied_sessions",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %s", want)
		}
	}
}
