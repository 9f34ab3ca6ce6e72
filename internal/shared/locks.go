package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another worker owns the lock.
var ErrLockHeld = errors.New("lock already held")

// RevenuePeriodLockKey builds redis keys guarding a period close sweep.
func RevenuePeriodLockKey(periodID int64) string {
	return fmt.Sprintf("revenue:period:%d:lock", periodID)
}

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short-lived redis locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. A nil client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock for key and returns the release func.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	if l == nil || l.client == nil {
		return func(context.Context) {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) {
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
