package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const revenueAPIPrefix = "/api/v1/revenue/"

// Metrics owns the process registry and the HTTP metrics of the revenue API.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
}

// NewMetrics builds a registry carrying the Go runtime, process and HTTP collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revrec_http_requests_total",
		Help: "HTTP requests by API surface, method, route and status code.",
	}, []string{"surface", "method", "route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "revrec_http_request_duration_seconds",
		Help:    "HTTP request latency by API surface and route.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"surface", "route"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "revrec_http_requests_in_flight",
		Help: "HTTP requests currently being served by API surface.",
	}, []string{"surface"})
	registry.MustRegister(
		requests,
		duration,
		inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		requestsTotal:   requests,
		requestDuration: duration,
		inFlight:        inFlight,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records a request against the chi route it matched. The route is only known once the
// router has run, so the in-flight gauge is keyed by the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		pending := m.inFlight.WithLabelValues(Surface(r.URL.Path))
		pending.Inc()
		defer pending.Dec()

		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)

		route := routePattern(r)
		surface := Surface(route)
		if route == "unknown" {
			surface = Surface(r.URL.Path)
		}
		m.requestsTotal.WithLabelValues(surface, r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(surface, route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry to the engine and job metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Surface names the part of the API a path belongs to: the resource under /api/v1/revenue
// (events, contracts, ssp, rules, periods, forecast), or jobs, health, metrics, other.
func Surface(path string) string {
	switch {
	case strings.HasPrefix(path, revenueAPIPrefix):
		resource, _, _ := strings.Cut(strings.TrimPrefix(path, revenueAPIPrefix), "/")
		switch resource {
		case "events", "contracts", "ssp", "rules", "periods", "forecast":
			return resource
		}
		return "other"
	case path == "/jobs" || strings.HasPrefix(path, "/jobs/"):
		return "jobs"
	case path == "/healthz":
		return "health"
	case path == "/metrics":
		return "metrics"
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
