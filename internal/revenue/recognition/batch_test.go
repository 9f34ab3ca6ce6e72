package recognition

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts/contractstest"
	"github.com/odyssey-erp/revrec/internal/shared"
	"github.com/odyssey-erp/revrec/jobs"
)

func TestProcessBatchGroupsByContract(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, map[string]decimal.Decimal{"X": decimal.NewFromInt(100)}, nil, Config{BatchParallelism: 3})
	ctx := context.Background()

	seed, err := svc.ProcessSourceEvent(ctx, booking("SEED", "X", 100))
	require.NoError(t, err)

	events := []EventInput{booking("A", "X", 200), booking("B", "X", 300), booking("C", "X", 400), booking("D", "X", -5)}
	events[0].RelatedContractID = &seed.ContractID
	events[1].RelatedContractID = &seed.ContractID

	items, err := svc.ProcessBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, items[i].Err)
		require.Equal(t, i, items[i].Index)
	}
	require.ErrorIs(t, items[3].Err, shared.ErrValidation)
	require.Equal(t, seed.ContractID, items[0].Result.ContractID)
	require.Equal(t, seed.ContractID, items[1].Result.ContractID)
	require.NotEqual(t, seed.ContractID, items[2].Result.ContractID)

	c := contractByID(t, store, seed.ContractID)
	require.True(t, c.TotalTransactionPrice.Equal(decimal.NewFromInt(600)))
	require.Len(t, store.Contracts(), 2)
}

func TestProcessBatchCancelled(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, err := svc.ProcessBatch(ctx, []EventInput{booking("A", "X", 1)})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, items[0].Err, context.Canceled)
	require.Empty(t, store.Contracts())
}

func TestEventJobHandle(t *testing.T) {
	store := contractstest.NewStore()
	svc := newTestService(store, nil, nil, Config{})
	job := NewEventJob(svc, nil, nil)
	ctx := context.Background()

	task, err := jobs.NewRevenueEventTask(PayloadFromEvent(booking("Q-1", "X", 120)))
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.NoError(t, job.Handle(ctx, task), "replay of a processed event is a no-op")
	require.Len(t, store.Contracts(), 1)

	bad := booking("Q-2", "X", -1)
	task, err = jobs.NewRevenueEventTask(PayloadFromEvent(bad))
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(ctx, task), asynq.SkipRetry)

	require.ErrorIs(t, job.Handle(ctx, asynq.NewTask(jobs.TaskRevenueEventProcess, []byte("not json"))), asynq.SkipRetry)
}
