package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Store.Get and Store.GetDel when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a TTL key-value store shared across requests and worker ticks.
// Values are last-write-wins; only SetNX, GetDel and CompareAndDelete are atomic.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDel returns the value and removes the key in one step.
	GetDel(ctx context.Context, key string) (string, error)
	// TTL returns the remaining lifetime of key, or ErrMiss.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}
