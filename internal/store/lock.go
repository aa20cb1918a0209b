package store

import (
	"context"
	"fmt"
	"time"
)

// lockRetry is the polling interval while waiting on a held lock.
const lockRetry = 25 * time.Millisecond

// lockTTL expires abandoned locks from crashed holders.
const lockTTL = 30 * time.Second

// WithLock runs fn while holding an advisory lock named by key. Used to
// serialize read-modify-write cycles on shared entities, e.g. concurrent
// preview workers updating one PatchRequest.
func (s *Store) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := "lock:" + key

	for {
		acquired, err := s.kv.SetNX(ctx, lockKey, []byte("1"))
		if err != nil {
			return fmt.Errorf("store: acquire lock %s: %w", key, err)
		}

		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("store: wait for lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetry):
		}
	}

	// Refresh the key with a TTL so a crash mid-fn cannot wedge the lock.
	_ = s.kv.SetTTL(ctx, lockKey, []byte("1"), lockTTL)

	defer func() {
		_ = s.kv.Delete(context.WithoutCancel(ctx), lockKey)
	}()

	return fn(ctx)
}
