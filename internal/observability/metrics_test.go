package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	engine := NewEngineMetrics(metrics.Registerer())
	engine.EventProcessed("BOOKING", "processed")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `revrec_source_events_total{event_type="BOOKING",outcome="processed"} 1`) {
		t.Fatalf("expected body to contain revrec_source_events_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/revenue/periods/{id}/sweep")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/revenue/periods/4/sweep", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	for _, want := range []string{
		`revrec_http_requests_total{code="418",method="POST",route="/api/v1/revenue/periods/{id}/sweep",surface="periods"} 1`,
		`revrec_http_request_duration_seconds_bucket{route="/api/v1/revenue/periods/{id}/sweep",surface="periods"`,
		`revrec_http_requests_in_flight{surface="periods"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(metricsBody, want) {
			t.Fatalf("expected %q in metrics output, got: %s", want, metricsBody)
		}
	}
}

func TestMetricsMiddlewareUnmatchedRouteUsesPath(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.NotFoundHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/unknown", nil))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `revrec_http_requests_total{code="404",method="GET",route="unknown",surface="jobs"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("expected %q in metrics output, got: %s", want, rr.Body.String())
	}
}

func TestSurface(t *testing.T) {
	cases := map[string]string{
		"/api/v1/revenue/events/":            "events",
		"/api/v1/revenue/events/batch":       "events",
		"/api/v1/revenue/contracts/{id}":     "contracts",
		"/api/v1/revenue/ssp/lookup":         "ssp",
		"/api/v1/revenue/rules/":             "rules",
		"/api/v1/revenue/periods/{id}/sweep": "periods",
		"/api/v1/revenue/forecast":           "forecast",
		"/api/v1/revenue/unknown":            "other",
		"/jobs/revenue/events":               "jobs",
		"/jobs":                              "jobs",
		"/jobsx":                             "other",
		"/healthz":                           "health",
		"/metrics":                           "metrics",
		"/":                                  "other",
	}
	for path, want := range cases {
		if got := Surface(path); got != want {
			t.Fatalf("Surface(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestEngineMetricsNilReceiver(t *testing.T) {
	var m *EngineMetrics
	m.EventProcessed("BOOKING", "failed")
	m.SSPDefaulted()
	m.AllocationSkipped()
	m.InvariantViolated("allocation")
	m.CatchupWritten(true)
	m.SweepCompleted("1", 10, 2)
}

func TestEngineMetricsSweep(t *testing.T) {
	metrics := NewMetrics()
	engine := NewEngineMetrics(metrics.Registerer())
	engine.SweepCompleted("7", 100, 3)
	engine.CatchupWritten(false)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`revrec_sweep_unbilled_amount{ledger="7"} 100`,
		`revrec_sweep_posted_rows_total 3`,
		`revrec_catchup_adjustments_total{sign="positive"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output, got: %s", want, body)
		}
	}
}
