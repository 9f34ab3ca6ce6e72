package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/revrec/internal/app"
	jobmetrics "github.com/odyssey-erp/revrec/internal/jobs"
	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/platform/cache"
	"github.com/odyssey-erp/revrec/internal/platform/db"
	"github.com/odyssey-erp/revrec/internal/revenue/periodclose"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	"github.com/odyssey-erp/revrec/jobs"
)

// warmupMonths is the forecast horizon pre-computed by the nightly warmup.
const warmupMonths = 3

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	engine := app.NewEngine(cfg, pool, redisClient, metrics.Registerer(), logger)
	jm := jobmetrics.NewMetrics(metrics.Registerer())

	eventJob := recognition.NewEventJob(engine.Pipeline, jm, logger)
	sweepJob := periodclose.NewSweepJob(engine.Periods, jm, logger)
	warmupJob := jobs.NewForecastWarmupJob(engine.Forecasts, engine.Contracts, logger, jm)

	sweepTask, err := jobs.NewPeriodSweepTask(0)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewForecastWarmupTask(warmupMonths)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRevenueEventProcess, Handler: eventJob.Handle},
			{Type: jobs.TaskRevenuePeriodSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskRevenueForecastWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueCritical)}},
			{Spec: cfg.ForecastWarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
