package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
	"github.com/timmy/proofline/internal/retry"
)

// DefaultConcurrency bounds the parallel calls issued by ExistsMany and SignMany.
const DefaultConcurrency = 10

// base carries what every driver shares: retries, metrics, failure logging and batch fan-out.
type base struct {
	name        string
	retry       *retry.Executor
	signs       *SignCache
	expiry      time.Duration
	concurrency int
}

func newBase(name string, exec *retry.Executor, signs *SignCache, expiry time.Duration, concurrency int) base {
	if exec == nil {
		exec = retry.New()
	}
	if expiry <= 0 {
		expiry = DefaultSignedURLExpiry
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return base{name: name, retry: exec, signs: signs, expiry: expiry, concurrency: concurrency}
}

// Name returns the driver name.
func (b *base) Name() string {
	return b.name
}

func (b *base) log(ctx context.Context, key string) *logger.Logger {
	return logger.FromContext(ctx).WithBackend(b.name, key)
}

// run executes fn under the retry policy and records metrics.
// A final failure is logged and returned as *OpError.
func (b *base) run(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := b.retry.Run(ctx, b.name+"."+op, fn)
	b.observe(op, start, err)
	if err != nil {
		b.log(ctx, key).WithField(logger.FieldOperation, op).WithError(err).Error("Storage operation failed")
		return &OpError{Op: op, Backend: b.name, Key: key, Err: err}
	}
	return nil
}

// probe runs an existence lookup. Failures are logged and reported as absent.
func (b *base) probe(ctx context.Context, key string, fn func(ctx context.Context) (bool, error)) bool {
	start := time.Now()
	found, err := retry.Do(ctx, b.retry, b.name+".exists", fn)
	b.observe("exists", start, err)
	if err != nil {
		b.log(ctx, key).WithError(err).Warn("Existence check failed, treating object as missing")
		return false
	}
	return found
}

func (b *base) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StorageOperations.WithLabelValues(b.name, op, status).Inc()
	metrics.StorageLatency.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
}

// existsMany fans one lookup per distinct key out over a bounded pool.
func (b *base) existsMany(ctx context.Context, keys []string, exists func(ctx context.Context, key string) bool) map[string]bool {
	result := make(map[string]bool, len(keys))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for _, key := range uniqueKeys(keys) {
		g.Go(func() error {
			found := exists(ctx, key)
			mu.Lock()
			result[key] = found
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// sign returns a cached URL for key or mints one with the default expiry.
func (b *base) sign(ctx context.Context, key string, mint func(ctx context.Context, key string, expires time.Duration) (string, error)) (string, error) {
	if b.signs != nil {
		if url, ok := b.signs.Get(ctx, b.name, key); ok {
			return url, nil
		}
	}

	var url string
	err := b.run(ctx, "sign", key, func(ctx context.Context) error {
		var err error
		url, err = mint(ctx, key, b.expiry)
		return err
	})
	if err != nil {
		return "", err
	}

	if b.signs != nil {
		b.signs.Put(ctx, b.name, key, url)
	}
	return url, nil
}

// signMany signs every distinct key concurrently and omits the ones that failed.
func (b *base) signMany(ctx context.Context, keys []string, sign func(ctx context.Context, key string) (string, error)) map[string]string {
	result := make(map[string]string, len(keys))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for _, key := range uniqueKeys(keys) {
		g.Go(func() error {
			url, err := sign(ctx, key)
			if err != nil {
				return nil
			}
			mu.Lock()
			result[key] = url
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// forget drops a deleted key from the sign cache.
func (b *base) forget(ctx context.Context, key string) {
	if b.signs != nil {
		b.signs.Forget(ctx, b.name, key)
	}
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
