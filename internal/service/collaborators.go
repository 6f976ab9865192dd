package service

import (
	"context"

	"github.com/timmy/proofline/internal/domain"
)

// ProofRecorder persists the "has proof" flag for gallery images.
// Calls are fire-and-forget; a failure is logged and never affects the caller's result.
type ProofRecorder interface {
	MarkProofExisting(ctx context.Context, imageIDs []int64) error
}

// JobCorrelator maps original storage paths to the gallery records that own them.
// Paths without a match are absent from the result.
type JobCorrelator interface {
	ResolveImageIDsForPaths(ctx context.Context, paths []string) (map[string]domain.ImageCorrelation, error)
}

// NoopRecorder discards proof flags.
type NoopRecorder struct{}

// MarkProofExisting does nothing.
func (NoopRecorder) MarkProofExisting(context.Context, []int64) error { return nil }

// NoopCorrelator resolves nothing, leaving jobs path-only.
type NoopCorrelator struct{}

// ResolveImageIDsForPaths returns an empty map.
func (NoopCorrelator) ResolveImageIDsForPaths(context.Context, []string) (map[string]domain.ImageCorrelation, error) {
	return map[string]domain.ImageCorrelation{}, nil
}
