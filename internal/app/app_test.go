package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	_ "github.com/odyssey-erp/revrec/internal/testing/guard"
)

func TestGuardEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 12, cfg.DefaultDurationMonths)
	require.Equal(t, 5*time.Minute, cfg.SweepLockTTL)
	require.True(t, cfg.SweepAutoPost)
	require.True(t, cfg.SSPDefault.IsZero())
	require.Equal(t, recognition.BasisRaw, cfg.RecognitionConfig().ScheduleBasis)
}

func TestLoadConfigRejectsInvalidEngineSettings(t *testing.T) {
	t.Setenv("REVREC_SCHEDULE_BASIS", "net")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("REVREC_SCHEDULE_BASIS", "ALLOCATED")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, recognition.BasisAllocated, cfg.RecognitionConfig().ScheduleBasis)

	t.Setenv("REVREC_SSP_DEFAULT", "-1")
	_, err = LoadConfig()
	require.Error(t, err)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestRouterHealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{Config: &Config{RateLimitPerMinute: 100}, Metrics: metrics, Database: stubPinger{}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), "revrec_http_requests_total"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRouterHealthReportsDatabaseFailure(t *testing.T) {
	router := NewRouter(RouterParams{Database: stubPinger{err: errors.New("down")}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
