package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the login flow collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	logins          prometheus.Counter
	callbacks       *prometheus.CounterVec
	discovery       *prometheus.HistogramVec
	issuerFallbacks prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"handler", "code", "method"}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oidcrp_login_initiations_total",
			Help: "Login attempts redirected to the identity provider.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcrp_callbacks_total",
			Help: "Completed callbacks by outcome.",
		}, []string{"outcome"}),
		discovery: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oidcrp_discovery_duration_seconds",
			Help:    "Duration of identity provider discovery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		issuerFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oidcrp_issuer_fallback_total",
			Help: "ID tokens accepted without an iss claim.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.logins, m.callbacks, m.discovery, m.issuerFallbacks} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status), r.Method).Inc()
	})
}

func (m *Metrics) loginInitiated() {
	if m == nil {
		return
	}
	m.logins.Inc()
}

func (m *Metrics) callbackOutcome(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeDiscovery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) issuerFallback() {
	if m == nil {
		return
	}
	m.issuerFallbacks.Inc()
}
