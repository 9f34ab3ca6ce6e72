// Package modification applies contract price changes with version snapshots and cumulative catch-up.
package modification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// Input describes a modification request.
type Input struct {
	NewTotalValue decimal.Decimal `json:"new_total_value"`
	Reason        string          `json:"reason" validate:"required,max=500"`
	Actor         string          `json:"-"`
}

// Result reports the effect of a modification.
type Result struct {
	ContractID      int64           `json:"contract_id"`
	CatchupAmount   decimal.Decimal `json:"catchup_amount"`
	PreviousVersion int             `json:"previous_version"`
	VersionNumber   int             `json:"version_number"`
}

var (
	// ErrContractNotModifiable rejects changes to Closed or Cancelled contracts.
	ErrContractNotModifiable = fmt.Errorf("modification: contract not active: %w", shared.ErrValidation)
	// ErrVersionSequenceGap signals the stored snapshots are not exactly 1..version-1.
	ErrVersionSequenceGap = fmt.Errorf("modification: version snapshots out of sequence: %w", shared.ErrInvariant)
)

var validate = validator.New()

// Service modifies contracts.
type Service struct {
	store   contracts.Store
	audit   shared.AuditPort
	metrics *observability.EngineMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the modification service. audit and metrics may be nil.
func NewService(store contracts.Store, audit shared.AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: audit, metrics: metrics, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ModifyContract snapshots the contract, replaces its transaction price, writes a catch-up row for
// newTotal minus the amount recognized to date, and re-allocates the obligations.
func (s *Service) ModifyContract(ctx context.Context, contractID int64, in Input) (Result, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := validate.Struct(in); err != nil {
		return Result{}, fmt.Errorf("modification: reason is required: %w", shared.ErrValidation)
	}
	if in.NewTotalValue.IsNegative() {
		return Result{}, fmt.Errorf("modification: new total must be >= 0: %w", shared.ErrValidation)
	}

	now := s.now()
	asOf := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var res Result
	var allocationSkipped bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		c, err := tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		if c.Status != contracts.ContractStatusActive {
			return fmt.Errorf("%w: contract %d is %s", ErrContractNotModifiable, c.ID, c.Status)
		}
		if !money.FitsScale(in.NewTotalValue, c.Currency) {
			return fmt.Errorf("modification: new total exceeds %s precision: %w", c.Currency, shared.ErrValidation)
		}
		if err := checkSequence(ctx, tx, c); err != nil {
			return err
		}

		if err := tx.InsertVersion(ctx, contracts.Version{
			ContractID:            c.ID,
			VersionNumber:         c.VersionNumber,
			TotalTransactionPrice: c.TotalTransactionPrice,
			TotalAllocatedPrice:   c.TotalAllocatedPrice,
			ChangeReason:          in.Reason,
			SnapshotAt:            now,
		}); err != nil {
			return err
		}

		recognized, err := tx.SumRecognizedToDate(ctx, c.ID, asOf)
		if err != nil {
			return fmt.Errorf("modification: sum recognized: %w", err)
		}
		catchup := in.NewTotalValue.Sub(recognized)

		updated, err := tx.ReplaceTransactionPrice(ctx, c.ID, in.NewTotalValue, c.VersionNumber)
		if err != nil {
			return err
		}

		if !catchup.IsZero() {
			if err := checkPeriodOpen(ctx, tx, c.LedgerID, asOf); err != nil {
				return err
			}
			if _, err := tx.InsertRecognitions(ctx, []contracts.Recognition{{
				ContractID:   c.ID,
				PeriodName:   contracts.PeriodName(asOf),
				ScheduleDate: asOf,
				Amount:       catchup,
				AccountType:  contracts.AccountTypeRevenue,
				Status:       contracts.RecognitionStatusPending,
				EventType:    contracts.RecognitionEventCatchup,
			}}); err != nil {
				return fmt.Errorf("modification: insert catch-up: %w", err)
			}
		}

		allocation, err := recognition.AllocateContract(ctx, tx, updated)
		if err != nil {
			return err
		}
		allocationSkipped = allocation.Skipped

		res = Result{
			ContractID:      c.ID,
			CatchupAmount:   catchup,
			PreviousVersion: c.VersionNumber,
			VersionNumber:   updated.VersionNumber,
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionSequenceGap):
			s.metrics.InvariantViolated("version_sequence")
		case errors.Is(err, recognition.ErrAllocationMismatch):
			s.metrics.InvariantViolated("allocation")
		}
		return Result{}, err
	}

	if !res.CatchupAmount.IsZero() {
		s.metrics.CatchupWritten(res.CatchupAmount.IsNegative())
	}
	if allocationSkipped {
		s.metrics.AllocationSkipped()
		s.logger.Warn("allocation skipped: total ssp is zero", slog.Int64("contract_id", contractID))
	}
	s.logger.Info("contract modified",
		slog.Int64("contract_id", contractID),
		slog.Int("version", res.VersionNumber),
		slog.String("catchup", res.CatchupAmount.String()),
	)
	s.recordAudit(ctx, in, res)
	return res, nil
}

// ListVersions returns the snapshots of a contract in version order.
func (s *Service) ListVersions(ctx context.Context, contractID int64) ([]contracts.Version, error) {
	var out []contracts.Version
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if _, err := tx.GetContract(ctx, contractID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListVersions(ctx, contractID)
		return err
	})
	return out, err
}

func checkSequence(ctx context.Context, tx contracts.Tx, c contracts.Contract) error {
	versions, err := tx.ListVersions(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("modification: list versions: %w", err)
	}
	if len(versions) != c.VersionNumber-1 {
		return fmt.Errorf("%w: contract %d at version %d has %d snapshots", ErrVersionSequenceGap, c.ID, c.VersionNumber, len(versions))
	}
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			return fmt.Errorf("%w: contract %d snapshot %d numbered %d", ErrVersionSequenceGap, c.ID, i+1, v.VersionNumber)
		}
	}
	return nil
}

func checkPeriodOpen(ctx context.Context, tx contracts.Tx, ledgerID int64, date time.Time) error {
	period, err := tx.FindPeriodByDate(ctx, ledgerID, date)
	if errors.Is(err, contracts.ErrPeriodNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !shared.PeriodAcceptsEvents(string(period.Status)) {
		return fmt.Errorf("%w: %s is %s", recognition.ErrPeriodClosed, period.PeriodName, period.Status)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, in Input, res Result) {
	if s.audit == nil {
		return
	}
	actor := in.Actor
	if actor == "" {
		actor = "system"
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   "contract.modified",
		Entity:   "revenue_contract",
		EntityID: strconv.FormatInt(res.ContractID, 10),
		Meta: map[string]any{
			"reason":           in.Reason,
			"new_total":        in.NewTotalValue.String(),
			"catchup":          res.CatchupAmount.String(),
			"previous_version": res.PreviousVersion,
			"version":          res.VersionNumber,
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit contract modification", slog.Int64("contract_id", res.ContractID), slog.Any("error", err))
	}
}
