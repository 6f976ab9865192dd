package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
)

const (
	// SignCachePrefix namespaces signed URLs in the shared store.
	SignCachePrefix = "signed_url_"

	// DefaultSignTTL is how long a signed URL is reused across requests.
	DefaultSignTTL = 60 * time.Second
)

// SignCache layers a memo scoped to one request or worker tick over the shared TTL store.
// The memo never expires while its owner lives; shared entries expire before the URL does.
type SignCache struct {
	store cache.Store
	ttl   time.Duration

	mu   sync.RWMutex
	memo map[string]string
}

// NewSignCache creates a SignCache.
// Parameters:
//   - store: shared store, may be nil to keep only the memo layer.
//   - ttl: shared entry lifetime, non-positive selects DefaultSignTTL.
//   - validity: lifetime of the URLs being cached. The shared TTL is halved
//     whenever it would reach the validity window.
//
// Returns:
//   - *SignCache: an empty cache owned by one backend instance.
func NewSignCache(store cache.Store, ttl, validity time.Duration) *SignCache {
	if ttl <= 0 {
		ttl = DefaultSignTTL
	}
	if validity > 0 && ttl >= validity {
		ttl = validity / 2
	}
	return &SignCache{store: store, ttl: ttl, memo: make(map[string]string)}
}

// TTL returns the effective shared entry lifetime.
func (c *SignCache) TTL() time.Duration {
	return c.ttl
}

func signCacheKey(backend, key string) string {
	return backend + "|" + key
}

// Get looks up the memo first, then the shared store. Shared hits are promoted into the memo.
func (c *SignCache) Get(ctx context.Context, backend, key string) (string, bool) {
	id := signCacheKey(backend, key)

	c.mu.RLock()
	url, ok := c.memo[id]
	c.mu.RUnlock()
	if ok {
		metrics.SignCacheLookups.WithLabelValues("memo", "hit").Inc()
		return url, true
	}
	metrics.SignCacheLookups.WithLabelValues("memo", "miss").Inc()

	if c.store == nil {
		return "", false
	}
	url, err := c.store.Get(ctx, SignCachePrefix+id)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.FromContext(ctx).WithBackend(backend, key).WithError(err).Warn("Signed URL cache read failed")
		}
		metrics.SignCacheLookups.WithLabelValues("shared", "miss").Inc()
		return "", false
	}
	metrics.SignCacheLookups.WithLabelValues("shared", "hit").Inc()

	c.mu.Lock()
	c.memo[id] = url
	c.mu.Unlock()
	return url, true
}

// Put records url in both layers. Shared store failures are logged and ignored.
func (c *SignCache) Put(ctx context.Context, backend, key, url string) {
	id := signCacheKey(backend, key)

	c.mu.Lock()
	c.memo[id] = url
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, SignCachePrefix+id, url, c.ttl); err != nil {
		logger.FromContext(ctx).WithBackend(backend, key).WithError(err).Warn("Signed URL cache write failed")
	}
}

// Forget drops key from both layers, used after the object is deleted.
func (c *SignCache) Forget(ctx context.Context, backend, key string) {
	id := signCacheKey(backend, key)

	c.mu.Lock()
	delete(c.memo, id)
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Delete(ctx, SignCachePrefix+id)
	}
}
