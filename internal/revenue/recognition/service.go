package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/observability"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
	"github.com/odyssey-erp/revrec/internal/revenue/rules"
	"github.com/odyssey-erp/revrec/internal/revenue/ssp"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// SSPResolver resolves standalone selling prices.
type SSPResolver interface {
	GetSSP(ctx context.Context, q ssp.Query) (ssp.Lookup, error)
}

// RuleMatcher evaluates identification rules.
type RuleMatcher interface {
	Match(ctx context.Context, attrs rules.Attributes) (rules.Outcome, bool, error)
}

// Service runs the recognition pipeline.
type Service struct {
	store   contracts.Store
	ssp     SSPResolver
	rules   RuleMatcher
	cfg     Config
	metrics *observability.EngineMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the pipeline. metrics may be nil.
func NewService(store contracts.Store, sspResolver SSPResolver, matcher RuleMatcher, cfg Config, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		ssp:     sspResolver,
		rules:   matcher,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type obligationPlan struct {
	name           string
	method         contracts.SatisfactionMethod
	durationMonths int
	sspPrice       decimal.Decimal
}

// ProcessSourceEvent records the event and runs it through the pipeline in one transaction. On failure
// nothing but the source event row is kept; it is marked Failed with the error and may be retried.
func (s *Service) ProcessSourceEvent(ctx context.Context, in EventInput) (Result, error) {
	in = in.normalized()
	if err := in.Validate(); err != nil {
		s.metrics.EventProcessed(string(in.EventType), "rejected")
		return Result{}, err
	}
	logger := s.logger.With(
		slog.String("source_system", in.SourceSystem),
		slog.String("source_id", in.SourceID),
		slog.String("event_type", string(in.EventType)),
	)

	eventID, err := s.register(ctx, in)
	if err != nil {
		s.metrics.EventProcessed(string(in.EventType), "rejected")
		return Result{}, err
	}
	logger = logger.With(slog.Int64("source_event_id", eventID))

	res, err := s.process(ctx, eventID, in, logger)
	if err != nil {
		s.markFailed(ctx, eventID, err, logger)
		s.metrics.EventProcessed(string(in.EventType), "failed")
		if errors.Is(err, shared.ErrInvariant) {
			s.metrics.InvariantViolated("allocation")
		}
		return Result{}, err
	}
	s.metrics.EventProcessed(string(in.EventType), "processed")
	logger.Info("source event processed", slog.Int64("contract_id", res.ContractID), slog.Int64("pob_id", res.POBID))
	return res, nil
}

// register stores the source event as Processing, or reclaims a Failed one carrying the same fields.
func (s *Service) register(ctx context.Context, in EventInput) (int64, error) {
	var id int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		existing, err := tx.FindSourceEvent(ctx, in.SourceSystem, in.SourceID, in.EventType)
		switch {
		case errors.Is(err, contracts.ErrEventNotFound):
			evt, err := tx.InsertSourceEvent(ctx, in.sourceEvent())
			if errors.Is(err, contracts.ErrDuplicateEvent) {
				return ErrEventInFlight
			}
			if err != nil {
				return err
			}
			id = evt.ID
			return nil
		case err != nil:
			return err
		}
		locked, err := tx.LockSourceEvent(ctx, existing.ID)
		if err != nil {
			return err
		}
		switch locked.ProcessingStatus {
		case contracts.ProcessingStatusProcessed:
			return ErrEventAlreadyProcessed
		case contracts.ProcessingStatusProcessing:
			return ErrEventInFlight
		}
		if !in.matches(locked) {
			return ErrRetryPayloadChanged
		}
		id = locked.ID
		return tx.UpdateSourceEventStatus(ctx, id, contracts.ProcessingStatusProcessing, nil, "", s.now())
	})
	if err != nil {
		return 0, fmt.Errorf("recognition: register source event: %w", err)
	}
	return id, nil
}

func (s *Service) markFailed(ctx context.Context, eventID int64, cause error, logger *slog.Logger) {
	logger.Error("source event failed", slog.Any("error", cause))
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.UpdateSourceEventStatus(ctx, eventID, contracts.ProcessingStatusFailed, nil, cause.Error(), s.now())
	})
	if err != nil {
		logger.Error("mark source event failed", slog.Any("error", err))
	}
}

func (s *Service) process(ctx context.Context, eventID int64, in EventInput, logger *slog.Logger) (Result, error) {
	var plan obligationPlan
	if !in.EventType.IsBilling() {
		var err error
		plan, err = s.planObligation(ctx, in, logger)
		if err != nil {
			return Result{}, err
		}
	}

	res := Result{SourceEventID: eventID}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := s.checkPeriod(ctx, tx, in); err != nil {
			return err
		}

		// 1. identify contract
		contract, err := s.identifyContract(ctx, tx, in)
		if err != nil {
			return err
		}
		res.ContractID = contract.ID
		if in.EventType.IsBilling() {
			return tx.UpdateSourceEventStatus(ctx, eventID, contracts.ProcessingStatusProcessed, &contract.ID, "", s.now())
		}

		// 2. identify obligation
		pob, err := tx.InsertObligation(ctx, contracts.Obligation{
			ContractID:         contract.ID,
			Name:               plan.name,
			ItemID:             in.ItemID,
			ItemType:           in.ItemType,
			TransactionPrice:   in.Amount,
			SSPPrice:           plan.sspPrice,
			AllocatedPrice:     decimal.Zero,
			SatisfactionMethod: plan.method,
			StartDate:          in.EventDate,
			EndDate:            contracts.AddMonths(in.EventDate, plan.durationMonths),
			Status:             contracts.ObligationStatusOpen,
		})
		if err != nil {
			return fmt.Errorf("recognition: insert obligation: %w", err)
		}
		res.POBID = pob.ID

		// 3. update transaction price
		contract, err = tx.AddTransactionPrice(ctx, contract.ID, in.Amount)
		if err != nil {
			return fmt.Errorf("recognition: update transaction price: %w", err)
		}

		// 4. allocate
		allocation, err := AllocateContract(ctx, tx, contract)
		if err != nil {
			return err
		}
		if allocation.Skipped {
			s.metrics.AllocationSkipped()
			logger.Warn("allocation skipped: total ssp is zero", slog.Int64("contract_id", contract.ID))
		}

		// 5. schedule
		if in.EventType.TriggersSchedule() {
			basis := in.Amount
			if s.cfg.ScheduleBasis == BasisAllocated {
				if amount, ok := allocation.Amounts[pob.ID]; ok {
					basis = amount
				}
			}
			rows := BuildSchedule(pob, basis, plan.durationMonths, money.Scale(contract.Currency))
			if _, err := tx.InsertRecognitions(ctx, rows); err != nil {
				return fmt.Errorf("recognition: insert schedule: %w", err)
			}
		}
		return tx.UpdateSourceEventStatus(ctx, eventID, contracts.ProcessingStatusProcessed, &contract.ID, "", s.now())
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) planObligation(ctx context.Context, in EventInput, logger *slog.Logger) (obligationPlan, error) {
	plan := obligationPlan{
		name:           "POB-" + in.SourceID,
		method:         contracts.SatisfactionRatable,
		durationMonths: s.cfg.DefaultDurationMonths,
	}
	if s.rules != nil {
		outcome, ok, err := s.rules.Match(ctx, attributesOf(in))
		if err != nil {
			return obligationPlan{}, fmt.Errorf("recognition: match rules: %w", err)
		}
		if ok {
			if outcome.POBName != "" {
				plan.name = outcome.POBName
			}
			if outcome.SatisfactionMethod.Valid() {
				plan.method = outcome.SatisfactionMethod
			}
			plan.durationMonths = outcome.DurationMonths
		}
	}
	if plan.method == contracts.SatisfactionRatable && plan.durationMonths <= 0 {
		plan.durationMonths = s.cfg.DefaultDurationMonths
	}
	if plan.method == contracts.SatisfactionPointInTime && plan.durationMonths < 0 {
		plan.durationMonths = 0
	}

	plan.sspPrice = decimal.Zero
	if s.ssp != nil {
		lookup, err := s.ssp.GetSSP(ctx, ssp.Query{ItemID: in.ItemID, Quantity: in.Quantity, AsOf: in.EventDate})
		if err != nil {
			return obligationPlan{}, fmt.Errorf("recognition: ssp lookup: %w", err)
		}
		plan.sspPrice = lookup.Value
		if !lookup.Found {
			s.metrics.SSPDefaulted()
			logger.Warn("ssp not found, using default", slog.String("item_id", in.ItemID), slog.String("ssp", lookup.Value.String()))
		}
	}
	return plan, nil
}

func (s *Service) checkPeriod(ctx context.Context, tx contracts.Tx, in EventInput) error {
	period, err := tx.FindPeriodByDate(ctx, in.LedgerID, in.EventDate)
	if errors.Is(err, contracts.ErrPeriodNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recognition: find period: %w", err)
	}
	if !shared.PeriodAcceptsEvents(string(period.Status)) {
		return fmt.Errorf("%w: %s is %s", ErrPeriodClosed, period.PeriodName, period.Status)
	}
	return nil
}

func (s *Service) identifyContract(ctx context.Context, tx contracts.Tx, in EventInput) (contracts.Contract, error) {
	if in.RelatedContractID != nil {
		c, err := tx.LockContract(ctx, *in.RelatedContractID)
		if err != nil {
			return contracts.Contract{}, err
		}
		if c.Status != contracts.ContractStatusActive {
			return contracts.Contract{}, fmt.Errorf("%w: contract %d is %s", ErrContractNotActive, c.ID, c.Status)
		}
		if c.LedgerID != in.LedgerID {
			return contracts.Contract{}, ErrLedgerMismatch
		}
		if !strings.EqualFold(c.Currency, in.Currency) {
			return contracts.Contract{}, ErrCurrencyMismatch
		}
		return c, nil
	}
	c, err := tx.InsertContract(ctx, contracts.Contract{
		ContractNumber:        s.contractNumber(),
		CustomerID:            in.CustomerID,
		LedgerID:              in.LedgerID,
		LegalEntityID:         in.LegalEntityID,
		OrgID:                 in.OrgID,
		Currency:              in.Currency,
		Status:                contracts.ContractStatusActive,
		TotalTransactionPrice: decimal.Zero,
		TotalAllocatedPrice:   decimal.Zero,
		VersionNumber:         1,
	})
	if err != nil {
		return contracts.Contract{}, fmt.Errorf("recognition: create contract: %w", err)
	}
	return c, nil
}

func (s *Service) contractNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RC-%s-%s", s.now().UTC().Format("20060102"), suffix)
}

func attributesOf(in EventInput) rules.Attributes {
	attrs := rules.Attributes{
		rules.AttrSourceSystem: in.SourceSystem,
		rules.AttrEventType:    string(in.EventType),
		rules.AttrItemID:       in.ItemID,
		rules.AttrItemType:     in.ItemType,
		rules.AttrCurrency:     in.Currency,
		rules.AttrCustomerID:   in.CustomerID,
		rules.AttrLedgerID:     fmt.Sprintf("%d", in.LedgerID),
	}
	if in.LegalEntityID != nil {
		attrs[rules.AttrLegalEntityID] = fmt.Sprintf("%d", *in.LegalEntityID)
	}
	if in.OrgID != nil {
		attrs[rules.AttrOrgID] = fmt.Sprintf("%d", *in.OrgID)
	}
	return attrs
}
