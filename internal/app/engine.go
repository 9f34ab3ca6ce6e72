package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/platform/cache"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/forecast"
	"github.com/odyssey-erp/revrec/internal/revenue/modification"
	"github.com/odyssey-erp/revrec/internal/revenue/periodclose"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	"github.com/odyssey-erp/revrec/internal/revenue/rules"
	"github.com/odyssey-erp/revrec/internal/revenue/ssp"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// Engine bundles the revenue services shared by the API server and the worker.
type Engine struct {
	Store         *contracts.Repository
	Catalog       *ssp.Service
	Rules         *rules.Service
	Pipeline      *recognition.Service
	Contracts     *contracts.Service
	Modifications *modification.Service
	Periods       *periodclose.Service
	Forecasts     *forecast.Service
	Metrics       *observability.EngineMetrics
}

// NewEngine wires the revenue services over pool and redisClient. A nil redisClient disables caching
// and sweep locking.
func NewEngine(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, registerer prometheus.Registerer, logger *slog.Logger) *Engine {
	metrics := observability.NewEngineMetrics(registerer)
	store := contracts.NewRepository(pool)
	audit := shared.NewAuditLogger(pool)

	catalog := ssp.NewService(ssp.NewRepository(pool), cache.NewVersioned(redisClient, "revrec:ssp", cfg.SSPCacheTTL), cfg.SSPDefault, logger)
	ruleSet := rules.NewService(rules.NewRepository(pool), cache.NewVersioned(redisClient, "revrec:rules", cfg.SSPCacheTTL), logger)
	periods := periodclose.NewService(store, shared.NewLocker(redisClient, cfg.SweepLockTTL), audit, metrics, periodclose.Options{
		AutoPost:    cfg.SweepAutoPost,
		ClosePeriod: cfg.SweepClosePeriod,
	}, logger)
	forecasts := forecast.NewService(store, cache.NewVersioned(redisClient, "revrec:forecast", cfg.ForecastCacheTTL), logger)
	periods.WithInvalidator(forecasts)

	return &Engine{
		Store:         store,
		Catalog:       catalog,
		Rules:         ruleSet,
		Pipeline:      recognition.NewService(store, catalog, ruleSet, cfg.RecognitionConfig(), metrics, logger),
		Contracts:     contracts.NewService(store, logger),
		Modifications: modification.NewService(store, audit, metrics, logger),
		Periods:       periods,
		Forecasts:     forecasts,
		Metrics:       metrics,
	}
}
