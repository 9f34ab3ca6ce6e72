package periodclose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/revrec/internal/jobs"
	"github.com/odyssey-erp/revrec/internal/shared"
	"github.com/odyssey-erp/revrec/jobs"
)

// SweepJob runs scheduled or on-demand period sweeps.
type SweepJob struct {
	service *Service
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewSweepJob constructs a job handler.
func NewSweepJob(service *Service, metrics *jobmetrics.Metrics, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{service: service, metrics: metrics, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract. A zero PeriodID sweeps every Open period that ended
// before today.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.PeriodSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics.Track(jobs.TaskRevenuePeriodSweep)
	if payload.PeriodID > 0 {
		return tracker.End(j.sweep(ctx, payload.PeriodID))
	}
	due, err := j.service.DuePeriods(ctx, j.service.now())
	if err != nil {
		return tracker.End(err)
	}
	var errs []error
	for _, p := range due {
		if err := j.sweep(ctx, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return tracker.End(errors.Join(errs...))
}

func (j *SweepJob) sweep(ctx context.Context, periodID int64) error {
	report, err := j.service.RunSweep(ctx, periodID)
	switch {
	case err == nil:
		j.metrics.AddItems(jobs.TaskRevenuePeriodSweep, report.LedgerID, len(report.UnbilledDetails))
		return nil
	case errors.Is(err, ErrSweepInProgress):
		j.logger.Info("period sweep skipped, lock held", slog.Int64("period_id", periodID))
		return nil
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}
