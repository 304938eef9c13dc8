package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBatchLocker implements the per-batch advisory lock on Redis. The lock
// is keyed by (employer, batch id) with a TTL so a crashed holder cannot
// strand a batch forever.
type RedisBatchLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBatchLocker creates a locker. TTL should comfortably exceed the
// worst-case settlement of one batch, including the full poll window.
func NewRedisBatchLocker(client *redis.Client, ttl time.Duration) *RedisBatchLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisBatchLocker{client: client, ttl: ttl}
}

func lockKey(employer string, batchID int64) string {
	return fmt.Sprintf("payroll:lock:%s:%d", employer, batchID)
}

// TryLock acquires the batch lock if it is free. Returns false without error
// when another instance holds it.
func (l *RedisBatchLocker) TryLock(ctx context.Context, employer string, batchID int64) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(employer, batchID), "locked", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the batch lock.
func (l *RedisBatchLocker) Unlock(ctx context.Context, employer string, batchID int64) error {
	if err := l.client.Del(ctx, lockKey(employer, batchID)).Err(); err != nil {
		return fmt.Errorf("failed to release batch lock: %w", err)
	}
	return nil
}
