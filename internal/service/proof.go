package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
	"github.com/timmy/proofline/internal/retry"
	"github.com/timmy/proofline/internal/storage"
)

const (
	// ProofPrefix is the key prefix under which proofs are stored.
	ProofPrefix = "proofs/"

	defaultMemoSize       = 1024
	defaultPlaceholderTTL = 60 * time.Second
	defaultProofConcur    = 4
)

// JobEnqueuer accepts proof generation jobs.
type JobEnqueuer interface {
	EnqueueBatch(ctx context.Context, jobs []domain.ProofJob) (int, error)
}

// ProofServiceConfig holds configuration for ProofService.
type ProofServiceConfig struct {
	Options         ProofOptions
	SignedURLExpiry time.Duration
	PlaceholderTTL  time.Duration
	MemoSize        int
	TempDir         string
	Concurrency     int
	Retry           *retry.Executor
}

type memoEntry struct {
	urls    map[string]string
	expires time.Time
}

// ProofService resolves proof URLs for gallery images and generates missing proofs.
type ProofService struct {
	cache       *cache.ProofCache
	memo        *lru.Cache[string, memoEntry]
	queue       JobEnqueuer
	recorder    ProofRecorder
	downloader  *Downloader
	watermark   *Watermarker
	opts        ProofOptions
	cacheTTL    time.Duration
	placeTTL    time.Duration
	tempDir     string
	concurrency int
	retry       *retry.Executor
	now         func() time.Time
}

// NewProofService creates a new proof service.
// Parameters:
//   - proofCache: shared cache of resolved URL maps.
//   - queue: receives jobs for missing proofs.
//   - recorder: notified about proofs that exist but were not flagged; nil discards.
//   - downloader: fetches remote originals during generation.
//   - cfg: options, TTLs and limits.
//
// Returns:
//   - *ProofService: initialized service.
//   - error: non-nil if the watermark font or memo cannot be set up.
func NewProofService(
	proofCache *cache.ProofCache,
	queue JobEnqueuer,
	recorder ProofRecorder,
	downloader *Downloader,
	cfg ProofServiceConfig,
) (*ProofService, error) {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = defaultMemoSize
	}
	if cfg.PlaceholderTTL <= 0 {
		cfg.PlaceholderTTL = defaultPlaceholderTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultProofConcur
	}
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = storage.DefaultSignedURLExpiry
	}
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New()
	}
	if downloader == nil {
		downloader = NewDownloader(DownloadConfig{}, cfg.Retry)
	}

	memo, err := lru.New[string, memoEntry](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create proof memo: %w", err)
	}
	wm, err := NewWatermarker(cfg.Options.MaxSize, cfg.Options.Quality, cfg.Options.WatermarkText)
	if err != nil {
		return nil, err
	}

	// A cached map must never outlive the signed URLs inside it.
	ttl := proofCache.TTL()
	if ttl >= cfg.SignedURLExpiry {
		ttl = cfg.SignedURLExpiry / 2
	}

	return &ProofService{
		cache:       proofCache,
		memo:        memo,
		queue:       queue,
		recorder:    recorder,
		downloader:  downloader,
		watermark:   wm,
		opts:        cfg.Options,
		cacheTTL:    ttl,
		placeTTL:    min(cfg.PlaceholderTTL, ttl),
		tempDir:     cfg.TempDir,
		concurrency: cfg.Concurrency,
		retry:       cfg.Retry,
		now:         time.Now,
	}, nil
}

// log returns a logger from context tagged with the proof component.
func (s *ProofService) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithField(logger.FieldComponent, "proof")
}

// ProofPathFor derives the proof key of an original: dir/name.ext becomes proofs/dir/name_proof.jpg.
func ProofPathFor(original string) string {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(original, "\\", "/")), "/")
	dir, file := path.Split(clean)
	name := strings.TrimSuffix(file, path.Ext(file))
	return ProofPrefix + dir + name + "_proof.jpg"
}

// GetProofURLs returns a URL for every image, keyed by ImageRef.ResultKey.
// Existing proofs get signed URLs; missing ones get the placeholder and are queued for generation.
// It never waits for image processing.
// Parameters:
//   - ctx: request context.
//   - contextID: gallery or project the images belong to, scoping the cache key.
//   - images: ordered image set.
//   - backend: storage holding originals and proofs.
//
// Returns:
//   - map[string]string: image key mapped to a proof or placeholder URL.
func (s *ProofService) GetProofURLs(ctx context.Context, contextID string, images []domain.ImageRef, backend storage.Backend) map[string]string {
	if len(images) == 0 {
		return map[string]string{}
	}
	ctx = logger.WithField(ctx, logger.FieldContextID, contextID)
	key := cache.GenerateKey(contextID, images)

	// Single-use URLs are dead after the first view, so their maps are never reused.
	reusable := !storage.SingleUseURLs(backend)
	if reusable {
		if urls, ok := s.memoGet(key); ok {
			metrics.ProofCacheLookups.WithLabelValues("memo", "hit").Inc()
			return urls
		}
		metrics.ProofCacheLookups.WithLabelValues("memo", "miss").Inc()
		if urls, ok := s.cache.Get(ctx, key); ok {
			s.memoPut(key, urls, s.cacheTTL)
			return urls
		}
	}

	proofPaths := make(map[string]string, len(images))
	var toCheck []string
	trusted := make(map[string]bool)
	for _, img := range images {
		src := img.SourcePath()
		if src == "" {
			continue
		}
		pp := ProofPathFor(src)
		proofPaths[img.ResultKey()] = pp
		if img.HasProof {
			trusted[pp] = true
		} else {
			toCheck = append(toCheck, pp)
		}
	}

	found := map[string]bool{}
	if len(toCheck) > 0 {
		found = backend.ExistsMany(ctx, toCheck)
	}

	var discovered []int64
	existing := make([]string, 0, len(trusted)+len(found))
	for pp := range trusted {
		existing = append(existing, pp)
	}
	for pp, ok := range found {
		if ok && !trusted[pp] {
			existing = append(existing, pp)
		}
	}
	for _, img := range images {
		pp, ok := proofPaths[img.ResultKey()]
		if ok && !img.HasProof && found[pp] && img.ID > 0 {
			discovered = append(discovered, img.ID)
		}
	}
	if len(discovered) > 0 {
		if err := s.recorder.MarkProofExisting(ctx, discovered); err != nil {
			s.log(ctx).WithError(err).WithField(logger.FieldCount, len(discovered)).Warn("Failed to record existing proofs")
		}
	}

	signed := map[string]string{}
	if len(existing) > 0 {
		signed = backend.SignMany(ctx, existing)
	}

	urls := make(map[string]string, len(images))
	var jobs []domain.ProofJob
	placeholders := 0
	for _, img := range images {
		rk := img.ResultKey()
		pp, ok := proofPaths[rk]
		if !ok {
			urls[rk] = s.opts.PlaceholderURL
			placeholders++
			continue
		}
		if u, ok := signed[pp]; ok {
			urls[rk] = u
			continue
		}
		urls[rk] = s.opts.PlaceholderURL
		placeholders++
		if trusted[pp] || found[pp] {
			// exists but signing failed; the next request retries
			continue
		}
		jobs = append(jobs, newProofJob(img, pp))
	}

	if len(jobs) > 0 {
		if _, err := s.queue.EnqueueBatch(ctx, jobs); err != nil {
			s.log(ctx).WithError(err).WithField(logger.FieldCount, len(jobs)).Error("Failed to enqueue proof jobs")
		}
	}

	if reusable {
		ttl := s.cacheTTL
		if placeholders > 0 {
			ttl = s.placeTTL
		}
		if err := s.cache.Set(ctx, key, urls, ttl); err != nil {
			s.log(ctx).WithError(err).Warn("Failed to cache proof URLs")
		}
		s.memoPut(key, urls, ttl)
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(images),
		"cached":          reusable,
		"signed":          len(signed),
		"placeholders":    placeholders,
		"enqueued":        len(jobs),
	}).Debug(ctx, "Resolved proof URLs")
	return urls
}

// Invalidate drops the cached URL map of an image set from both cache layers.
func (s *ProofService) Invalidate(ctx context.Context, contextID string, images []domain.ImageRef) error {
	key := cache.GenerateKey(contextID, images)
	s.memo.Remove(key)
	return s.cache.Invalidate(ctx, key)
}

func newProofJob(img domain.ImageRef, proofPath string) domain.ProofJob {
	job := domain.ProofJob{OriginalPath: img.SourcePath(), ProofPath: proofPath}
	if img.ID > 0 {
		id := img.ID
		job.ImageID = &id
	}
	if img.ProjectID > 0 {
		pid := img.ProjectID
		job.ProjectID = &pid
	}
	return job
}

func (s *ProofService) memoGet(key string) (map[string]string, bool) {
	e, ok := s.memo.Get(key)
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expires) {
		s.memo.Remove(key)
		return nil, false
	}
	return e.urls, true
}

func (s *ProofService) memoPut(key string, urls map[string]string, ttl time.Duration) {
	s.memo.Add(key, memoEntry{urls: urls, expires: s.now().Add(ttl)})
}
