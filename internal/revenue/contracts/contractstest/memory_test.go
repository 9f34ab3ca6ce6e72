package contractstest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		c, err := tx.InsertContract(ctx, contracts.Contract{CustomerID: "C1", LedgerID: 1, VersionNumber: 1})
		require.NoError(t, err)
		_, err = tx.AddTransactionPrice(ctx, c.ID, decimal.NewFromInt(100))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.Contracts())
}

func TestReplaceTransactionPriceChecksVersion(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	c := store.SeedContract(contracts.Contract{CustomerID: "C1", LedgerID: 1, VersionNumber: 1, TotalTransactionPrice: decimal.NewFromInt(10)})

	err := store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.ReplaceTransactionPrice(ctx, c.ID, decimal.NewFromInt(20), 2)
		return err
	})
	require.ErrorIs(t, err, contracts.ErrVersionConflict)

	err = store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		updated, err := tx.ReplaceTransactionPrice(ctx, c.ID, decimal.NewFromInt(20), 1)
		require.NoError(t, err)
		require.Equal(t, 2, updated.VersionNumber)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicateSourceEventRejected(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	evt := contracts.SourceEvent{SourceSystem: "crm", SourceID: "1", EventType: contracts.EventTypeBooking, EventDate: time.Now()}
	store.SeedEvent(evt)

	err := store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.InsertSourceEvent(ctx, evt)
		return err
	})
	require.ErrorIs(t, err, contracts.ErrDuplicateEvent)
}

func concurrentPending(contractID int64) func(string, contracts.Tx) {
	return func(op string, tx contracts.Tx) {
		if op != "LockPeriod" {
			return
		}
		_, _ = tx.InsertRecognitions(context.Background(), []contracts.Recognition{{
			ContractID:   contractID,
			ScheduleDate: time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC),
			Amount:       decimal.NewFromInt(5),
			AccountType:  contracts.AccountTypeRevenue,
			Status:       contracts.RecognitionStatusPending,
		}})
	}
}

func TestConcurrentCommitVisibility(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name    string
		locking bool
		seen    int
	}{
		{name: "snapshot unit of work", locking: false, seen: 0},
		{name: "locking unit of work", locking: true, seen: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore()
			p := store.SeedPeriod(contracts.Period{LedgerID: 1, PeriodName: "Jan-26", Status: contracts.PeriodStatusOpen})
			store.Concurrent = concurrentPending(7)
			seen := -1
			fn := func(ctx context.Context, tx contracts.Tx) error {
				if _, err := tx.LockPeriod(ctx, p.ID); err != nil {
					return err
				}
				rows, err := tx.ListRecognitions(ctx, 7)
				seen = len(rows)
				return err
			}
			var err error
			if tc.locking {
				err = store.WithLockingTx(ctx, fn)
			} else {
				err = store.WithTx(ctx, fn)
			}
			require.NoError(t, err)
			require.Equal(t, tc.seen, seen)
			// The other unit of work committed either way.
			require.Len(t, store.Recognitions(7), 1)
		})
	}
}
