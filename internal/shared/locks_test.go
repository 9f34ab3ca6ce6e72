package shared

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	locker := NewLocker(client, time.Minute)
	key := RevenuePeriodLockKey(7)

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	release(ctx)
	release2, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	release2(ctx)
}

func TestNilLockerIsNoop(t *testing.T) {
	locker := NewLocker(nil, 0)
	release, err := locker.Acquire(context.Background(), "any")
	require.NoError(t, err)
	release(context.Background())
}

func TestValidatePeriodTransition(t *testing.T) {
	require.NoError(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusClosed))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusClosed, PeriodStatusOpen))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusClosed, PeriodStatusPermanentlyClosed))
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusPermanentlyClosed), ErrInvalidPeriodTransition)
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusPermanentlyClosed, PeriodStatusOpen), ErrInvalidPeriodTransition)
}
