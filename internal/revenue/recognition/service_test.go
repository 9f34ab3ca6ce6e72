package recognition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts/contractstest"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
	"github.com/odyssey-erp/revrec/internal/revenue/rules"
	"github.com/odyssey-erp/revrec/internal/revenue/ssp"
	"github.com/odyssey-erp/revrec/internal/shared"
)

type stubSSP struct {
	prices map[string]decimal.Decimal
	def    decimal.Decimal
}

func (s stubSSP) GetSSP(ctx context.Context, q ssp.Query) (ssp.Lookup, error) {
	if v, ok := s.prices[q.ItemID]; ok {
		return ssp.Lookup{Value: v, Found: true}, nil
	}
	return ssp.Lookup{Value: s.def}, nil
}

type stubRules []rules.Rule

func (r stubRules) Match(ctx context.Context, attrs rules.Attributes) (rules.Outcome, bool, error) {
	rule, ok := rules.MatchRule(r, attrs)
	if !ok {
		return rules.Outcome{}, false, nil
	}
	return rules.Outcome{RuleID: rule.ID, POBName: rule.POBName, SatisfactionMethod: rule.SatisfactionMethod, DurationMonths: rule.DurationMonths}, true, nil
}

var eventDate = time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)

func newTestService(store *contractstest.Store, prices map[string]decimal.Decimal, rs stubRules, cfg Config) *Service {
	svc := NewService(store, stubSSP{prices: prices}, rs, cfg, nil, nil)
	svc.WithNow(func() time.Time { return eventDate })
	return svc
}

func booking(sourceID, itemID string, amount int64) EventInput {
	return EventInput{
		SourceSystem: "crm",
		SourceID:     sourceID,
		EventType:    contracts.EventTypeBooking,
		CustomerID:   "CUST-1",
		LedgerID:     1,
		Amount:       decimal.NewFromInt(amount),
		Currency:     "usd",
		EventDate:    eventDate,
		ItemID:       itemID,
	}
}

func contractByID(t *testing.T, store *contractstest.Store, id int64) contracts.Contract {
	t.Helper()
	for _, c := range store.Contracts() {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("contract %d not found", id)
	return contracts.Contract{}
}

func TestBookingWithMatchingRule(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, map[string]decimal.Decimal{"X": decimal.NewFromInt(1200)}, stubRules{
		{ID: 1, Attribute: rules.AttrItemID, Value: "X", POBName: "Premium Support", SatisfactionMethod: contracts.SatisfactionRatable, DurationMonths: 24, Active: true},
	}, Config{})

	res, err := svc.ProcessSourceEvent(context.Background(), booking("B-1", "X", 2400))
	require.NoError(t, err)
	require.NotZero(t, res.ContractID)
	require.NotZero(t, res.POBID)

	obligations := store.Obligations(res.ContractID)
	require.Len(t, obligations, 1)
	pob := obligations[0]
	require.Equal(t, "Premium Support", pob.Name)
	require.Equal(t, contracts.SatisfactionRatable, pob.SatisfactionMethod)
	require.Equal(t, eventDate.AddDate(0, 24, 0), pob.EndDate)
	require.True(t, pob.SSPPrice.Equal(decimal.NewFromInt(1200)))
	require.True(t, pob.AllocatedPrice.Equal(decimal.NewFromInt(2400)))

	c := contractByID(t, store, res.ContractID)
	require.Equal(t, "USD", c.Currency)
	require.Equal(t, 1, c.VersionNumber)
	require.Equal(t, contracts.ContractStatusActive, c.Status)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(2400)))
	require.True(t, c.TotalAllocatedPrice.Equal(decimal.NewFromInt(2400)))
	require.Regexp(t, `^RC-20260115-[0-9A-F]{8}$`, c.ContractNumber)

	rows := store.Recognitions(res.ContractID)
	require.Len(t, rows, 24)
	for _, r := range rows {
		require.True(t, r.Amount.Equal(decimal.NewFromInt(100)))
		require.Equal(t, contracts.RecognitionStatusPending, r.Status)
	}

	events := store.Events()
	require.Len(t, events, 1)
	require.Equal(t, contracts.ProcessingStatusProcessed, events[0].ProcessingStatus)
	require.Equal(t, res.ContractID, *events[0].ContractID)
}

func TestDefaultsWithoutRule(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, map[string]decimal.Decimal{"X": decimal.NewFromInt(10)}, nil, Config{})

	res, err := svc.ProcessSourceEvent(context.Background(), booking("B-9", "X", 1200))
	require.NoError(t, err)
	pob := store.Obligations(res.ContractID)[0]
	require.Equal(t, "POB-B-9", pob.Name)
	require.Equal(t, contracts.SatisfactionRatable, pob.SatisfactionMethod)
	require.Equal(t, eventDate.AddDate(0, 12, 0), pob.EndDate)
	require.Len(t, store.Recognitions(res.ContractID), 12)
}

func TestTwoBookingsAccumulateOnOneContract(t *testing.T) {
	store := contractstest.NewStore()
	prices := map[string]decimal.Decimal{"A": decimal.NewFromInt(1000), "B": decimal.NewFromInt(1000)}
	svc := newTestService(store, prices, nil, Config{})
	ctx := context.Background()

	first, err := svc.ProcessSourceEvent(ctx, booking("B-1", "A", 5000))
	require.NoError(t, err)
	second := booking("B-2", "B", 1000)
	second.RelatedContractID = &first.ContractID
	res, err := svc.ProcessSourceEvent(ctx, second)
	require.NoError(t, err)
	require.Equal(t, first.ContractID, res.ContractID)

	c := contractByID(t, store, first.ContractID)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(6000)))
	require.True(t, c.TotalAllocatedPrice.Equal(decimal.NewFromInt(6000)))

	obligations := store.Obligations(first.ContractID)
	require.Len(t, obligations, 2)
	allocated := make([]decimal.Decimal, 0, len(obligations))
	for _, o := range obligations {
		require.True(t, o.AllocatedPrice.Equal(decimal.NewFromInt(3000)))
		allocated = append(allocated, o.AllocatedPrice)
	}
	require.True(t, money.Sum(allocated...).Equal(decimal.NewFromInt(6000)))
}

func TestZeroSSPSkipsAllocation(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})

	res, err := svc.ProcessSourceEvent(context.Background(), booking("B-1", "UNPRICED", 900))
	require.NoError(t, err)

	c := contractByID(t, store, res.ContractID)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(900)))
	require.True(t, c.TotalAllocatedPrice.IsZero())
	pob := store.Obligations(res.ContractID)[0]
	require.True(t, pob.AllocatedPrice.IsZero())
	require.True(t, pob.SSPPrice.IsZero())
	require.Len(t, store.Recognitions(res.ContractID), 12)
}

func TestAllocatedScheduleBasis(t *testing.T) {
	store := contractstest.NewStore()
	prices := map[string]decimal.Decimal{"A": decimal.NewFromInt(500), "B": decimal.NewFromInt(1500)}
	svc := newTestService(store, prices, nil, Config{ScheduleBasis: BasisAllocated})
	ctx := context.Background()

	first, err := svc.ProcessSourceEvent(ctx, booking("B-1", "A", 1000))
	require.NoError(t, err)
	second := booking("B-2", "B", 1000)
	second.RelatedContractID = &first.ContractID
	res, err := svc.ProcessSourceEvent(ctx, second)
	require.NoError(t, err)

	total := decimal.Zero
	for _, r := range store.Recognitions(first.ContractID) {
		if r.ObligationID == res.POBID {
			total = total.Add(r.Amount)
		}
	}
	require.True(t, total.Equal(decimal.NewFromInt(1500)), total.String())
}

func TestReplayOfProcessedEventRejected(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()

	_, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.NoError(t, err)
	_, err = svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.ErrorIs(t, err, ErrEventAlreadyProcessed)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Len(t, store.Contracts(), 1)
}

func TestFailureRollsBackAndAllowsRetry(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()
	boom := errors.New("disk full")
	store.FailOn = func(op string) error {
		if op == "InsertRecognitions" {
			return boom
		}
		return nil
	}

	_, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.Contracts())
	events := store.Events()
	require.Len(t, events, 1)
	require.Equal(t, contracts.ProcessingStatusFailed, events[0].ProcessingStatus)
	require.Contains(t, events[0].ErrorMessage, "disk full")

	store.FailOn = nil
	res, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.NoError(t, err)
	require.Len(t, store.Contracts(), 1)
	events = store.Events()
	require.Len(t, events, 1)
	require.Equal(t, contracts.ProcessingStatusProcessed, events[0].ProcessingStatus)
	require.Empty(t, events[0].ErrorMessage)
	require.Equal(t, res.ContractID, *events[0].ContractID)
}

func TestRetryMustRepeatStoredFields(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()
	store.FailOn = func(op string) error {
		if op == "InsertRecognitions" {
			return errors.New("disk full")
		}
		return nil
	}
	_, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.Error(t, err)
	store.FailOn = nil

	_, err = svc.ProcessSourceEvent(ctx, booking("B-1", "X", 700))
	require.ErrorIs(t, err, ErrRetryPayloadChanged)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, store.Contracts())
	events := store.Events()
	require.Len(t, events, 1)
	require.Equal(t, contracts.ProcessingStatusFailed, events[0].ProcessingStatus)
	require.True(t, events[0].Amount.Equal(decimal.NewFromInt(100)))

	res, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 100))
	require.NoError(t, err)
	c := contractByID(t, store, res.ContractID)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(100)))
}

func TestInvoiceRetryMayFixContractReference(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()
	first, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 1200))
	require.NoError(t, err)

	missing := int64(999)
	invoice := booking("INV-1", "X", 500)
	invoice.EventType = contracts.EventTypeInvoice
	invoice.RelatedContractID = &missing
	_, err = svc.ProcessSourceEvent(ctx, invoice)
	require.ErrorIs(t, err, shared.ErrNotFound)

	invoice.RelatedContractID = &first.ContractID
	invoice.Amount = decimal.NewFromInt(800)
	_, err = svc.ProcessSourceEvent(ctx, invoice)
	require.ErrorIs(t, err, ErrRetryPayloadChanged)

	invoice.Amount = decimal.NewFromInt(500)
	res, err := svc.ProcessSourceEvent(ctx, invoice)
	require.NoError(t, err)
	require.Equal(t, first.ContractID, res.ContractID)

	var stored contracts.SourceEvent
	for _, e := range store.Events() {
		if e.SourceID == "INV-1" {
			stored = e
		}
	}
	require.Equal(t, contracts.ProcessingStatusProcessed, stored.ProcessingStatus)
	require.True(t, stored.Amount.Equal(decimal.NewFromInt(500)))
	require.Equal(t, first.ContractID, *stored.ContractID)
}

func TestInvoiceIsBillingOnly(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()

	first, err := svc.ProcessSourceEvent(ctx, booking("B-1", "X", 1200))
	require.NoError(t, err)

	invoice := booking("INV-1", "X", 500)
	invoice.EventType = contracts.EventTypeInvoice
	invoice.RelatedContractID = &first.ContractID
	res, err := svc.ProcessSourceEvent(ctx, invoice)
	require.NoError(t, err)
	require.Equal(t, first.ContractID, res.ContractID)
	require.Zero(t, res.POBID)

	c := contractByID(t, store, first.ContractID)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(1200)))
	require.Len(t, store.Obligations(first.ContractID), 1)
	require.Len(t, store.Recognitions(first.ContractID), 12)

	noContract := booking("INV-2", "X", 500)
	noContract.EventType = contracts.EventTypeInvoice
	_, err = svc.ProcessSourceEvent(ctx, noContract)
	require.ErrorIs(t, err, ErrInvoiceWithoutContract)
}

func TestClosedPeriodRejectsEvent(t *testing.T) {
	store := contractstest.NewStore()
	store.SeedPeriod(contracts.Period{
		LedgerID:   1,
		PeriodName: "Jan-26",
		StartDate:  time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC),
		Status:     contracts.PeriodStatusClosed,
	})
	svc := newTestService(store, nil, nil, Config{})

	_, err := svc.ProcessSourceEvent(context.Background(), booking("B-1", "X", 100))
	require.ErrorIs(t, err, ErrPeriodClosed)
	require.Empty(t, store.Contracts())
	require.Equal(t, contracts.ProcessingStatusFailed, store.Events()[0].ProcessingStatus)

	other := booking("B-2", "X", 100)
	other.LedgerID = 2
	_, err = svc.ProcessSourceEvent(context.Background(), other)
	require.NoError(t, err)
}

func TestRelatedContractChecks(t *testing.T) {
	store := contractstest.NewStore()
	cancelled := store.SeedContract(contracts.Contract{CustomerID: "CUST-1", LedgerID: 1, Currency: "USD", Status: contracts.ContractStatusCancelled, VersionNumber: 1})
	eur := store.SeedContract(contracts.Contract{CustomerID: "CUST-1", LedgerID: 1, Currency: "EUR", Status: contracts.ContractStatusActive, VersionNumber: 1})
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()

	in := booking("B-1", "X", 100)
	in.RelatedContractID = &cancelled.ID
	_, err := svc.ProcessSourceEvent(ctx, in)
	require.ErrorIs(t, err, ErrContractNotActive)

	in = booking("B-2", "X", 100)
	in.RelatedContractID = &eur.ID
	_, err = svc.ProcessSourceEvent(ctx, in)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	missing := int64(999)
	in = booking("B-3", "X", 100)
	in.RelatedContractID = &missing
	_, err = svc.ProcessSourceEvent(ctx, in)
	require.ErrorIs(t, err, contracts.ErrContractNotFound)
}

func TestInputValidation(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx := context.Background()

	cases := map[string]func(*EventInput){
		"negative amount":  func(in *EventInput) { in.Amount = decimal.NewFromInt(-1) },
		"missing customer": func(in *EventInput) { in.CustomerID = "" },
		"unknown type":     func(in *EventInput) { in.EventType = "REFUND" },
		"bad currency":     func(in *EventInput) { in.Currency = "ZZZ" },
		"sub-cent amount":  func(in *EventInput) { in.Amount = decimal.RequireFromString("1.001") },
		"missing ledger":   func(in *EventInput) { in.LedgerID = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := booking("B-"+name, "X", 100)
			mutate(&in)
			_, err := svc.ProcessSourceEvent(ctx, in)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	require.Empty(t, store.Events())
}

func TestPointInTimeRule(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, stubRules{
		{ID: 1, Attribute: rules.AttrItemType, Value: "hardware", POBName: "Device", SatisfactionMethod: contracts.SatisfactionPointInTime, Active: true},
	}, Config{})

	in := booking("B-1", "HW-1", 800)
	in.ItemType = "Hardware"
	res, err := svc.ProcessSourceEvent(context.Background(), in)
	require.NoError(t, err)
	pob := store.Obligations(res.ContractID)[0]
	require.Equal(t, contracts.SatisfactionPointInTime, pob.SatisfactionMethod)
	require.Equal(t, eventDate, pob.EndDate)
	rows := store.Recognitions(res.ContractID)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Amount.Equal(decimal.NewFromInt(800)))
}
