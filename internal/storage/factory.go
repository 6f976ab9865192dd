package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/retry"
)

// Deps are the process-wide collaborators handed to every backend the factory builds.
type Deps struct {
	Retry *retry.Executor
	// Store backs the cross-request signed URL cache. Nil keeps only the per-backend memo.
	Store cache.Store
	// Tokens serves single-use local URLs and must be shared with the /files endpoint.
	Tokens      *TokenStore
	HTTP        *resty.Client
	SignTTL     time.Duration
	Concurrency int
}

// Factory builds backends from a Config.
type Factory struct {
	deps Deps

	mu sync.Mutex
	s3 map[S3Config]*s3Clients
}

// NewFactory creates a Factory. Missing dependencies fall back to defaults.
func NewFactory(deps Deps) *Factory {
	if deps.Retry == nil {
		deps.Retry = retry.New()
	}
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClient(0)
	}
	return &Factory{deps: deps, s3: make(map[S3Config]*s3Clients)}
}

// Make creates a backend for cfg. Each call returns a fresh instance with its own
// signed URL memo, so callers scope it to one request or worker tick. S3 clients
// are built once per S3Config and reused.
// Parameters:
//   - ctx: context for backend initialisation (AWS config loading).
//   - cfg: storage configuration.
//
// Returns:
//   - Backend: the configured driver.
//   - error: ErrUnknownDriver, ErrInvalidConfig or an initialisation failure.
func (f *Factory) Make(ctx context.Context, cfg Config) (Backend, error) {
	expiry := cfg.SignedURLExpiry
	if expiry <= 0 {
		expiry = DefaultSignedURLExpiry
	}
	signs := NewSignCache(f.deps.Store, f.deps.SignTTL, expiry)

	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case DriverLocal:
		if f.deps.Tokens == nil {
			return nil, fmt.Errorf("%w: local: token store is required", ErrInvalidConfig)
		}
		return NewLocalStorage(cfg.Local, f.deps.Tokens, f.deps.Retry, expiry, f.deps.Concurrency)
	case DriverS3:
		clients, err := f.s3ClientsFor(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return clients.storage(cfg.S3, f.deps.Retry, signs, expiry, f.deps.Concurrency), nil
	case DriverCloudinary:
		return NewCloudinaryStorage(cfg.Cloudinary, f.deps.HTTP, f.deps.Retry, signs, expiry, f.deps.Concurrency)
	case DriverImageKit:
		return NewImageKitStorage(cfg.ImageKit, f.deps.HTTP, f.deps.Retry, signs, expiry, f.deps.Concurrency)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func (f *Factory) s3ClientsFor(ctx context.Context, cfg S3Config) (*s3Clients, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.s3[cfg]; ok {
		return c, nil
	}
	c, err := newS3Clients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.s3[cfg] = c
	return c, nil
}
