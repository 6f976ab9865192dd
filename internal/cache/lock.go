package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/proofline/internal/logger"
)

const lockPrefix = "lock_"

// Locker provides short advisory locks on top of a Store.
// A lock expires on its own after its TTL, so a crashed holder cannot stall others forever.
type Locker struct {
	store Store
}

// NewLocker creates a Locker backed by store.
func NewLocker(store Store) *Locker {
	return &Locker{store: store}
}

// TryAcquire attempts to take the lock without waiting.
// Parameters:
//   - ctx: request context.
//   - key: lock name.
//   - ttl: lifetime after which the lock frees itself.
//
// Returns:
//   - release: frees the lock if it is still ours; safe to call more than once.
//   - acquired: false when another holder owns the lock.
//   - err: store failure.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, lockPrefix+key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release = func() {
		// runs after ctx is done as well
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.store.CompareAndDelete(releaseCtx, lockPrefix+key, token); err != nil {
			logger.FromContext(ctx).WithError(err).WithField("lock", key).Warn("Failed to release lock; it will expire on its own")
		}
	}
	return release, true, nil
}

// Held reports whether anyone currently owns the lock.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	_, err := l.store.Get(ctx, lockPrefix+key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrMiss):
		return false, nil
	default:
		return false, err
	}
}
