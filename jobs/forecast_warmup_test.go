package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/revrec/internal/jobs"
)

type stubWarmer struct {
	calls map[int64]int
	fail  int64
}

func (s *stubWarmer) WarmLedger(ctx context.Context, ledgerID int64, months int) error {
	if s.calls == nil {
		s.calls = map[int64]int{}
	}
	if ledgerID == s.fail {
		return errors.New("warm failed")
	}
	s.calls[ledgerID] = months
	return nil
}

type stubLedgers []int64

func (s stubLedgers) ListLedgerIDs(ctx context.Context) ([]int64, error) {
	return s, nil
}

func TestForecastWarmupWarmsEveryLedger(t *testing.T) {
	warmer := &stubWarmer{}
	job := NewForecastWarmupJob(warmer, stubLedgers{1, 2}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewForecastWarmupTask(0)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, map[int64]int{1: 3, 2: 3}, warmer.calls)
}

func TestForecastWarmupStopsOnError(t *testing.T) {
	warmer := &stubWarmer{fail: 1}
	job := NewForecastWarmupJob(warmer, stubLedgers{1, 2}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewForecastWarmupTask(6)
	require.NoError(t, err)

	require.Error(t, job.Handle(context.Background(), task))
	require.Empty(t, warmer.calls)
}

func TestForecastWarmupRejectsBadPayload(t *testing.T) {
	job := NewForecastWarmupJob(&stubWarmer{}, stubLedgers{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskRevenueForecastWarmup, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRevenueEventTaskUsesEventIdentity(t *testing.T) {
	task, err := NewRevenueEventTask(RevenueEventPayload{SourceSystem: "crm", SourceID: "42", EventType: "BOOKING"})
	require.NoError(t, err)
	require.Equal(t, TaskRevenueEventProcess, task.Type())

	var payload RevenueEventPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "42", payload.SourceID)
}
