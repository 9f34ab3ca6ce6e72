package periodclose

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts/contractstest"
	"github.com/odyssey-erp/revrec/internal/shared"
	"github.com/odyssey-erp/revrec/jobs"
)

var now = time.Date(2026, time.February, 3, 8, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newService(store *contractstest.Store, locker Locker, opts Options) *Service {
	svc := NewService(store, locker, nil, nil, opts, nil)
	svc.WithNow(func() time.Time { return now })
	return svc
}

// seedJanuary builds a contract with 600 of pending revenue and a 500 invoice inside January 2026.
func seedJanuary(store *contractstest.Store) (contracts.Period, contracts.Contract) {
	period := store.SeedPeriod(contracts.Period{
		LedgerID:   1,
		PeriodName: "Jan-26",
		StartDate:  date(2026, time.January, 1),
		EndDate:    date(2026, time.January, 31),
		Status:     contracts.PeriodStatusOpen,
	})
	c := store.SeedContract(contracts.Contract{
		ContractNumber:        "RC-20260105-AAAA0001",
		CustomerID:            "CUST-1",
		LedgerID:              1,
		Currency:              "USD",
		Status:                contracts.ContractStatusActive,
		TotalTransactionPrice: decimal.NewFromInt(1200),
		TotalAllocatedPrice:   decimal.NewFromInt(1200),
		VersionNumber:         1,
	})
	for _, d := range []int{10, 20} {
		store.SeedRecognition(contracts.Recognition{
			ContractID:   c.ID,
			ObligationID: 1,
			PeriodName:   "Jan-26",
			ScheduleDate: date(2026, time.January, d),
			Amount:       decimal.NewFromInt(300),
			AccountType:  contracts.AccountTypeRevenue,
			Status:       contracts.RecognitionStatusPending,
			EventType:    contracts.RecognitionEventSchedule,
		})
	}
	// February rows must stay pending.
	store.SeedRecognition(contracts.Recognition{
		ContractID:   c.ID,
		ObligationID: 1,
		PeriodName:   "Feb-26",
		ScheduleDate: date(2026, time.February, 10),
		Amount:       decimal.NewFromInt(600),
		AccountType:  contracts.AccountTypeRevenue,
		Status:       contracts.RecognitionStatusPending,
		EventType:    contracts.RecognitionEventSchedule,
	})
	contractID := c.ID
	store.SeedEvent(contracts.SourceEvent{
		SourceSystem:     "billing",
		SourceID:         "INV-1",
		EventType:        contracts.EventTypeInvoice,
		CustomerID:       "CUST-1",
		LedgerID:         1,
		Amount:           decimal.NewFromInt(500),
		Currency:         "USD",
		EventDate:        date(2026, time.January, 25),
		ContractID:       &contractID,
		ProcessingStatus: contracts.ProcessingStatusProcessed,
	})
	return period, c
}

func TestRunSweepPostsThenReconciles(t *testing.T) {
	store := contractstest.NewStore()
	period, c := seedJanuary(store)
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})

	report, err := svc.RunSweep(context.Background(), period.ID)
	require.NoError(t, err)
	require.False(t, report.ReadOnly)
	require.Equal(t, int64(2), report.PostedRows)
	require.Equal(t, contracts.PeriodStatusClosed, report.Status)
	require.Len(t, report.UnbilledDetails, 1)

	detail := report.UnbilledDetails[0]
	require.Equal(t, c.ID, detail.ContractID)
	require.Equal(t, c.ContractNumber, detail.ContractNumber)
	require.True(t, detail.Recognized.Equal(decimal.NewFromInt(600)))
	require.True(t, detail.Invoiced.Equal(decimal.NewFromInt(500)))
	require.True(t, detail.Unbilled.Equal(decimal.NewFromInt(100)))
	require.True(t, report.Totals.ContractAssets.Equal(decimal.NewFromInt(100)))
	require.True(t, report.Totals.ContractLiabilities.IsZero())

	var pending int
	for _, r := range store.Recognitions(c.ID) {
		if r.Status == contracts.RecognitionStatusPending {
			pending++
			require.Equal(t, "Feb-26", r.PeriodName)
		}
	}
	require.Equal(t, 1, pending)

	stored, err := svc.GetPeriod(context.Background(), period.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusClosed, stored.Status)
	require.NotNil(t, stored.ClosedAt)
}

func TestRunSweepRepeatIsReadOnly(t *testing.T) {
	store := contractstest.NewStore()
	period, _ := seedJanuary(store)
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})
	ctx := context.Background()

	first, err := svc.RunSweep(ctx, period.ID)
	require.NoError(t, err)
	second, err := svc.RunSweep(ctx, period.ID)
	require.NoError(t, err)

	require.True(t, second.ReadOnly)
	require.Zero(t, second.PostedRows)
	require.Len(t, second.UnbilledDetails, len(first.UnbilledDetails))
	for i := range first.UnbilledDetails {
		require.Equal(t, first.UnbilledDetails[i].ContractID, second.UnbilledDetails[i].ContractID)
		require.True(t, first.UnbilledDetails[i].Unbilled.Equal(second.UnbilledDetails[i].Unbilled))
	}
	require.True(t, first.Totals.Unbilled.Equal(second.Totals.Unbilled))
}

func TestRunSweepWithoutAutoPostSeesOnlyPosted(t *testing.T) {
	store := contractstest.NewStore()
	period, _ := seedJanuary(store)
	svc := newService(store, nil, Options{})

	report, err := svc.RunSweep(context.Background(), period.ID)
	require.NoError(t, err)
	require.Zero(t, report.PostedRows)
	require.Equal(t, contracts.PeriodStatusOpen, report.Status)
	require.Len(t, report.UnbilledDetails, 1)
	require.True(t, report.UnbilledDetails[0].Recognized.IsZero())
	require.True(t, report.Totals.Unbilled.Equal(decimal.NewFromInt(-500)))
	require.True(t, report.Totals.ContractLiabilities.Equal(decimal.NewFromInt(500)))
}

func TestRunSweepFailureKeepsPeriodOpen(t *testing.T) {
	store := contractstest.NewStore()
	period, c := seedJanuary(store)
	store.FailOn = func(op string) error {
		if op == "UpdatePeriodStatus" {
			return errors.New("boom")
		}
		return nil
	}
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})

	_, err := svc.RunSweep(context.Background(), period.ID)
	require.Error(t, err)
	for _, r := range store.Recognitions(c.ID) {
		require.Equal(t, contracts.RecognitionStatusPending, r.Status)
	}
	store.FailOn = nil
	stored, err := svc.GetPeriod(context.Background(), period.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusOpen, stored.Status)
}

func TestRunSweepLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	store := contractstest.NewStore()
	period, _ := seedJanuary(store)
	locker := shared.NewLocker(client, time.Minute)
	svc := newService(store, locker, Options{AutoPost: true, ClosePeriod: true})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, shared.RevenuePeriodLockKey(period.ID))
	require.NoError(t, err)

	_, err = svc.RunSweep(ctx, period.ID)
	require.ErrorIs(t, err, ErrSweepInProgress)
	require.ErrorIs(t, err, shared.ErrConflict)

	release(ctx)
	report, err := svc.RunSweep(ctx, period.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusClosed, report.Status)
	require.False(t, mr.Exists(shared.RevenuePeriodLockKey(period.ID)))
}

func TestRunSweepUnknownPeriod(t *testing.T) {
	svc := newService(contractstest.NewStore(), nil, Options{})
	_, err := svc.RunSweep(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRunSweepPostsRowsCommittedWhileWaitingOnPeriodLock(t *testing.T) {
	store := contractstest.NewStore()
	period, c := seedJanuary(store)
	committed := false
	store.Concurrent = func(op string, tx contracts.Tx) {
		if op != "LockPeriod" || committed {
			return
		}
		committed = true
		_, err := tx.InsertRecognitions(context.Background(), []contracts.Recognition{{
			ContractID:   c.ID,
			ObligationID: 1,
			PeriodName:   "Jan-26",
			ScheduleDate: date(2026, time.January, 15),
			Amount:       decimal.NewFromInt(400),
			AccountType:  contracts.AccountTypeRevenue,
			Status:       contracts.RecognitionStatusPending,
			EventType:    contracts.RecognitionEventSchedule,
		}})
		require.NoError(t, err)
	}
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})

	report, err := svc.RunSweep(context.Background(), period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, store.LockingTxs)
	require.Equal(t, int64(3), report.PostedRows)
	require.Equal(t, contracts.PeriodStatusClosed, report.Status)
	require.True(t, report.UnbilledDetails[0].Recognized.Equal(decimal.NewFromInt(1000)))
	require.True(t, report.Totals.Unbilled.Equal(decimal.NewFromInt(500)))

	for _, r := range store.Recognitions(c.ID) {
		if r.ScheduleDate.Month() == time.January {
			require.Equal(t, contracts.RecognitionStatusPosted, r.Status, r.ScheduleDate)
		}
	}
}

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls++
	return c.err
}

func TestRunSweepInvalidatesForecastsWhenRowsPost(t *testing.T) {
	store := contractstest.NewStore()
	period, _ := seedJanuary(store)
	inv := &countingInvalidator{}
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})
	svc.WithInvalidator(inv)
	ctx := context.Background()

	_, err := svc.RunSweep(ctx, period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, inv.calls)

	// Nothing posts on a closed period.
	_, err = svc.RunSweep(ctx, period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, inv.calls)
}

func TestRunSweepInvalidationFailureKeepsReport(t *testing.T) {
	store := contractstest.NewStore()
	period, _ := seedJanuary(store)
	inv := &countingInvalidator{err: errors.New("redis down")}
	svc := newService(store, nil, Options{AutoPost: true})
	svc.WithInvalidator(inv)

	report, err := svc.RunSweep(context.Background(), period.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.PostedRows)
	require.Equal(t, 1, inv.calls)

	other := contractstest.NewStore()
	p2, _ := seedJanuary(other)
	readOnly := newService(other, nil, Options{})
	readOnly.WithInvalidator(inv)
	_, err = readOnly.RunSweep(context.Background(), p2.ID)
	require.NoError(t, err)
	require.Equal(t, 1, inv.calls)
}

func TestCreatePeriod(t *testing.T) {
	store := contractstest.NewStore()
	svc := newService(store, nil, Options{})
	ctx := context.Background()

	p, err := svc.CreatePeriod(ctx, CreatePeriodInput{LedgerID: 1, StartDate: date(2026, time.March, 1), EndDate: date(2026, time.March, 31)})
	require.NoError(t, err)
	require.Equal(t, "Mar-26", p.PeriodName)
	require.Equal(t, contracts.PeriodStatusOpen, p.Status)

	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{LedgerID: 1, StartDate: date(2026, time.March, 15), EndDate: date(2026, time.April, 15)})
	require.ErrorIs(t, err, ErrPeriodOverlap)

	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{LedgerID: 2, StartDate: date(2026, time.March, 15), EndDate: date(2026, time.April, 15)})
	require.NoError(t, err)

	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{LedgerID: 1, StartDate: date(2026, time.May, 31), EndDate: date(2026, time.May, 1)})
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{StartDate: date(2026, time.May, 1), EndDate: date(2026, time.May, 31)})
	require.ErrorIs(t, err, shared.ErrValidation)

	ledger := int64(1)
	periods, err := svc.ListPeriods(ctx, contracts.PeriodFilter{LedgerID: &ledger})
	require.NoError(t, err)
	require.Len(t, periods, 1)
}

func TestTransitionPeriod(t *testing.T) {
	store := contractstest.NewStore()
	svc := newService(store, nil, Options{})
	ctx := context.Background()
	p, err := svc.CreatePeriod(ctx, CreatePeriodInput{LedgerID: 1, StartDate: date(2026, time.March, 1), EndDate: date(2026, time.March, 31)})
	require.NoError(t, err)

	_, err = svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusPermanentlyClosed, "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, err, shared.ErrValidation)

	closed, err := svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusClosed, "alice")
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusClosed, closed.Status)

	reopened, err := svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusOpen, "alice")
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusOpen, reopened.Status)
	require.Nil(t, reopened.ClosedAt)

	_, err = svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusClosed, "alice")
	require.NoError(t, err)
	final, err := svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusPermanentlyClosed, "alice")
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusPermanentlyClosed, final.Status)

	_, err = svc.TransitionPeriod(ctx, p.ID, contracts.PeriodStatusOpen, "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepJobSweepsDuePeriods(t *testing.T) {
	store := contractstest.NewStore()
	january, _ := seedJanuary(store)
	february := store.SeedPeriod(contracts.Period{
		LedgerID:   1,
		PeriodName: "Feb-26",
		StartDate:  date(2026, time.February, 1),
		EndDate:    date(2026, time.February, 28),
		Status:     contracts.PeriodStatusOpen,
	})
	svc := newService(store, nil, Options{AutoPost: true, ClosePeriod: true})
	job := NewSweepJob(svc, nil, nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(jobs.TaskRevenuePeriodSweep, nil)))

	jan, err := svc.GetPeriod(context.Background(), january.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusClosed, jan.Status)
	feb, err := svc.GetPeriod(context.Background(), february.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.PeriodStatusOpen, feb.Status)
}

func TestSweepJobUnknownPeriodSkipsRetry(t *testing.T) {
	svc := newService(contractstest.NewStore(), nil, Options{})
	job := NewSweepJob(svc, nil, nil)
	payload, err := json.Marshal(jobs.PeriodSweepPayload{PeriodID: 42})
	require.NoError(t, err)

	err = job.Handle(context.Background(), asynq.NewTask(jobs.TaskRevenuePeriodSweep, payload))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
