package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/revrec/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ForecastWarmer refreshes the cached forecast of one ledger.
type ForecastWarmer interface {
	WarmLedger(ctx context.Context, ledgerID int64, months int) error
}

// LedgerSource lists the ledgers that carry contracts.
type LedgerSource interface {
	ListLedgerIDs(ctx context.Context) ([]int64, error)
}

// ForecastWarmupJob pre-populates forecast caches for every active ledger.
type ForecastWarmupJob struct {
	Forecasts ForecastWarmer
	Ledgers   LedgerSource
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewForecastWarmupJob wires dependencies for the warmup handler.
func NewForecastWarmupJob(forecasts ForecastWarmer, ledgers LedgerSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *ForecastWarmupJob {
	return &ForecastWarmupJob{
		Forecasts: forecasts,
		Ledgers:   ledgers,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes forecast warmup tasks.
func (j *ForecastWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Forecasts == nil || j.Ledgers == nil {
		return errors.New("forecast warmup: handler not configured")
	}
	var payload ForecastWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Months <= 0 {
		payload.Months = 3
	}

	tracker := j.metrics().Track(TaskRevenueForecastWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("months", payload.Months))
	ledgers, err := j.Ledgers.ListLedgerIDs(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load warmup ledgers", slog.Any("error", err))
		return resultErr
	}
	if len(ledgers) == 0 {
		logger.Info("no ledgers discovered for warmup")
		return resultErr
	}

	start := j.now()
	warmed := 0
	for _, ledgerID := range ledgers {
		ledgerCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err := j.Forecasts.WarmLedger(ledgerCtx, ledgerID, payload.Months)
		cancel()
		if err != nil {
			resultErr = err
			logger.Error("warm ledger", slog.Int64("ledger_id", ledgerID), slog.Any("error", err))
			return resultErr
		}
		j.metrics().AddItems(TaskRevenueForecastWarmup, ledgerID, 1)
		warmed++
	}

	logger.Info("completed forecast warmup", slog.Int("ledgers", warmed), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ForecastWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRevenueForecastWarmup))
	}
	return slog.Default().With(slog.String("job", TaskRevenueForecastWarmup))
}

func (j *ForecastWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ForecastWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ForecastWarmupJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
