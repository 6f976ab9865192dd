package storage

import (
	"context"
	"time"

	"github.com/timmy/proofline/internal/domain"
)

// Backend defines the operations every storage driver supports.
type Backend interface {
	// Name returns the driver name (local, s3, cloudinary, imagekit).
	Name() string

	// Upload copies or streams the local file to DestinationKey.
	// It fails when the source is unreadable and is idempotent when Overwrite is set.
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error)

	// Delete removes an object. A missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present. Lookup failures report false.
	Exists(ctx context.Context, key string) bool

	// ExistsMany checks all keys concurrently. Every key appears in the result.
	ExistsMany(ctx context.Context, keys []string) map[string]bool

	// URL returns a public URL, or a time-limited URL when opts.Signed is set.
	URL(ctx context.Context, key string, opts URLOptions) (string, error)

	// Sign returns a signed URL with the backend's default lifetime, served from cache when possible.
	Sign(ctx context.Context, key string) (string, error)

	// SignMany signs keys in one batch. Keys that could not be signed are omitted.
	SignMany(ctx context.Context, keys []string) map[string]string

	// Stats reports backend health. It never fails.
	Stats(ctx context.Context) Stats
}

// URLOptions controls URL generation.
type URLOptions struct {
	Signed  bool
	Expires time.Duration
	// ClientIP binds local single-use tokens to one client when set.
	ClientIP string
}

// Stats is a health snapshot. Metrics are nil when the backend cannot report them.
type Stats struct {
	Backend        string `json:"backend"`
	Healthy        bool   `json:"healthy"`
	UsedBytes      *int64 `json:"used_bytes"`
	AvailableBytes *int64 `json:"available_bytes"`
	Error          string `json:"error,omitempty"`
}

// LocalResolver is implemented by backends whose objects live on this machine's filesystem.
type LocalResolver interface {
	LocalPath(key string) (string, error)
}

// TokenResolver resolves single-use file tokens minted by signed local URLs.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token, clientIP string) (*FileToken, error)
}

// SingleUseSigner is implemented by backends whose signed URLs stop working after one fetch.
type SingleUseSigner interface {
	SingleUseURLs() bool
}

// SingleUseURLs reports whether b mints URLs that must not be reused across requests.
func SingleUseURLs(b Backend) bool {
	s, ok := b.(SingleUseSigner)
	return ok && s.SingleUseURLs()
}
