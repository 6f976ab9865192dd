package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
)

const (
	// ProofCachePrefix namespaces proof batch entries in the shared store.
	ProofCachePrefix = "proof_cache_"

	// DefaultProofTTL is how long a resolved proof URL map is reused.
	DefaultProofTTL = 900 * time.Second
)

// ProofCache stores resolved proof URL maps keyed by the ordered image set they were computed for.
type ProofCache struct {
	store Store
	ttl   time.Duration
}

// NewProofCache creates a ProofCache. A non-positive ttl uses DefaultProofTTL.
func NewProofCache(store Store, ttl time.Duration) *ProofCache {
	if ttl <= 0 {
		ttl = DefaultProofTTL
	}
	return &ProofCache{store: store, ttl: ttl}
}

// TTL returns the default entry lifetime.
func (c *ProofCache) TTL() time.Duration {
	return c.ttl
}

// GenerateKey derives a stable key from the context ID and the ordered images.
// Each image contributes its result key and identifier, so reordering, adding or
// removing an image, or renaming its result key, changes the key.
func GenerateKey(contextID string, images []domain.ImageRef) string {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ResultKey() + "|" + img.Identifier()
	}
	// Marshalling a []string cannot fail.
	payload, _ := json.Marshal(ids)
	sum := md5.Sum(payload)
	return contextID + "_" + hex.EncodeToString(sum[:])
}

// Get returns the cached URL map for key. Store failures are logged and reported as a miss.
func (c *ProofCache) Get(ctx context.Context, key string) (map[string]string, bool) {
	raw, err := c.store.Get(ctx, ProofCachePrefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			logger.FromContext(ctx).WithError(err).WithField("cache_key", key).Warn("Proof cache read failed")
		}
		metrics.ProofCacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}

	var urls map[string]string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		logger.FromContext(ctx).WithError(err).WithField("cache_key", key).Warn("Discarding corrupt proof cache entry")
		_ = c.store.Delete(ctx, ProofCachePrefix+key)
		metrics.ProofCacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.ProofCacheLookups.WithLabelValues("shared", "hit").Inc()
	return urls, true
}

// Set stores urls under key. A non-positive ttl uses the cache default.
func (c *ProofCache) Set(ctx context.Context, key string, urls map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, ProofCachePrefix+key, string(payload), ttl)
}

// Invalidate removes the entry for key.
func (c *ProofCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, ProofCachePrefix+key)
}
