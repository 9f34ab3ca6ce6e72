package periodclose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// Locker guards a sweep against concurrent runs.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context), error)
}

// Invalidator drops caches derived from posted revenue.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service manages revenue periods and sweeps.
type Service struct {
	store   contracts.Store
	locker  Locker
	derived Invalidator
	audit   shared.AuditPort
	metrics *observability.EngineMetrics
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

var validate = validator.New()

// NewService constructs the period close service. locker, audit and metrics may be nil.
func NewService(store contracts.Store, locker Locker, audit shared.AuditPort, metrics *observability.EngineMetrics, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, locker: locker, audit: audit, metrics: metrics, opts: opts, logger: logger, now: time.Now}
}

// WithInvalidator registers a cache to drop whenever a sweep posts rows.
func (s *Service) WithInvalidator(inv Invalidator) {
	s.derived = inv
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreatePeriod stores a new Open period after checking it does not overlap the ledger's periods.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (contracts.Period, error) {
	in.PeriodName = strings.TrimSpace(in.PeriodName)
	if err := validate.Struct(in); err != nil {
		return contracts.Period{}, fmt.Errorf("periodclose: invalid period: %w", shared.ErrValidation)
	}
	in.StartDate = day(in.StartDate)
	in.EndDate = day(in.EndDate)
	if in.EndDate.Before(in.StartDate) {
		return contracts.Period{}, ErrInvalidRange
	}
	if in.PeriodName == "" {
		in.PeriodName = contracts.PeriodName(in.StartDate)
	}
	var out contracts.Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		overlap, err := tx.PeriodRangeConflict(ctx, in.LedgerID, in.StartDate, in.EndDate)
		if err != nil {
			return err
		}
		if overlap {
			return ErrPeriodOverlap
		}
		out, err = tx.InsertPeriod(ctx, contracts.Period{
			LedgerID:   in.LedgerID,
			PeriodName: in.PeriodName,
			StartDate:  in.StartDate,
			EndDate:    in.EndDate,
			Status:     contracts.PeriodStatusOpen,
		})
		return err
	})
	return out, err
}

// GetPeriod loads a period.
func (s *Service) GetPeriod(ctx context.Context, id int64) (contracts.Period, error) {
	var out contracts.Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		out, err = tx.GetPeriod(ctx, id)
		return err
	})
	return out, err
}

// ListPeriods returns periods matching filter.
func (s *Service) ListPeriods(ctx context.Context, filter contracts.PeriodFilter) ([]contracts.Period, error) {
	var out []contracts.Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		out, err = tx.ListPeriods(ctx, filter)
		return err
	})
	return out, err
}

// TransitionPeriod moves a period to target when the lifecycle allows it.
func (s *Service) TransitionPeriod(ctx context.Context, id int64, target contracts.PeriodStatus, actor string) (contracts.Period, error) {
	var out contracts.Period
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		p, err := tx.LockPeriod(ctx, id)
		if err != nil {
			return err
		}
		if err := shared.ValidatePeriodTransition(string(p.Status), string(target)); err != nil {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, target)
		}
		if p.Status == target {
			out = p
			return nil
		}
		if err := tx.UpdatePeriodStatus(ctx, id, target, s.now()); err != nil {
			return err
		}
		out, err = tx.GetPeriod(ctx, id)
		return err
	})
	if err != nil {
		return contracts.Period{}, err
	}
	s.recordAudit(ctx, actor, "period.transitioned", id, map[string]any{"status": string(out.Status)})
	return out, nil
}

// RunSweep reconciles the period. On an Open period Pending rows dated inside it are posted first
// (when AutoPost is set), the reconciliation is computed, and the period is Closed (when ClosePeriod
// is set). On a period that is already closed the sweep only reads, so repeating it yields the same
// figures. The unit of work reads committed rows after the period lock is granted, so recognitions
// written by an event that held the period's share lock are posted and reconciled too.
func (s *Service) RunSweep(ctx context.Context, periodID int64) (Report, error) {
	release, err := s.acquire(ctx, periodID)
	if err != nil {
		return Report{}, err
	}
	defer release(context.WithoutCancel(ctx))

	now := s.now()
	var report Report
	err = s.store.WithLockingTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		p, err := tx.LockPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		report = Report{
			PeriodID:   p.ID,
			LedgerID:   p.LedgerID,
			PeriodName: p.PeriodName,
			StartDate:  p.StartDate,
			EndDate:    p.EndDate,
			Status:     p.Status,
			ReadOnly:   p.Status != contracts.PeriodStatusOpen,
		}
		if !report.ReadOnly && s.opts.AutoPost {
			posted, err := tx.PostPendingRecognitions(ctx, p.LedgerID, p.StartDate, p.EndDate, now)
			if err != nil {
				return fmt.Errorf("periodclose: post pending: %w", err)
			}
			report.PostedRows = posted
		}
		rows, err := tx.Reconciliation(ctx, contracts.ActivityWindow{LedgerID: p.LedgerID, From: p.StartDate, To: p.EndDate})
		if err != nil {
			return fmt.Errorf("periodclose: reconciliation: %w", err)
		}
		report.UnbilledDetails, report.Totals = buildDetails(rows)
		if !report.ReadOnly && s.opts.ClosePeriod {
			if err := tx.UpdatePeriodStatus(ctx, p.ID, contracts.PeriodStatusClosed, now); err != nil {
				return err
			}
			report.Status = contracts.PeriodStatusClosed
		}
		return nil
	})
	if err != nil {
		s.logger.Error("period sweep failed", slog.Int64("period_id", periodID), slog.Any("error", err))
		return Report{}, err
	}
	report.GeneratedAt = now

	unbilled, _ := report.Totals.Unbilled.Float64()
	s.metrics.SweepCompleted(strconv.FormatInt(report.LedgerID, 10), unbilled, report.PostedRows)
	s.logger.Info("period sweep completed",
		slog.Int64("period_id", report.PeriodID),
		slog.String("period", report.PeriodName),
		slog.Bool("read_only", report.ReadOnly),
		slog.Int64("posted_rows", report.PostedRows),
		slog.Int("contracts", len(report.UnbilledDetails)),
		slog.String("unbilled", report.Totals.Unbilled.String()),
	)
	if report.PostedRows > 0 && s.derived != nil {
		if err := s.derived.Invalidate(ctx); err != nil {
			s.logger.Warn("invalidate forecast cache", slog.Int64("period_id", report.PeriodID), slog.Any("error", err))
		}
	}
	if !report.ReadOnly {
		s.recordAudit(ctx, "system", "period.swept", report.PeriodID, map[string]any{
			"posted_rows": report.PostedRows,
			"unbilled":    report.Totals.Unbilled.String(),
			"status":      string(report.Status),
		})
	}
	return report, nil
}

// DuePeriods lists Open periods that ended before asOf.
func (s *Service) DuePeriods(ctx context.Context, asOf time.Time) ([]contracts.Period, error) {
	before := day(asOf)
	return s.ListPeriods(ctx, contracts.PeriodFilter{Status: contracts.PeriodStatusOpen, EndingBefore: &before})
}

func (s *Service) acquire(ctx context.Context, periodID int64) (func(context.Context), error) {
	if s.locker == nil {
		return func(context.Context) {}, nil
	}
	release, err := s.locker.Acquire(ctx, shared.RevenuePeriodLockKey(periodID))
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, ErrSweepInProgress
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, periodID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "revenue_period",
		EntityID: strconv.FormatInt(periodID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit period", slog.Int64("period_id", periodID), slog.Any("error", err))
	}
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
