package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
	"github.com/timmy/proofline/internal/storage"
)

// Stage names recorded for each job of a generation batch.
const (
	StageDownload  = "download"
	StageTransform = "transform"
	StageUpload    = "upload"
)

// StageError reports the pipeline stage at which a job failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// batchState tracks per-job outcomes while one batch moves through the pipeline.
type batchState struct {
	mu      sync.Mutex
	results map[string]error
}

func (b *batchState) fail(proofPath, stage string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[proofPath] = &StageError{Stage: stage, Err: err}
}

func (b *batchState) succeed(proofPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[proofPath] = nil
}

// GenerateBatch downloads, watermarks and uploads proofs for jobs.
// Each job is isolated: a failure affects only its own entry.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: jobs to process; duplicates by proof path are processed once.
//   - backend: storage holding the originals and receiving the proofs.
//
// Returns:
//   - map[string]error: proof path mapped to nil on success or a *StageError.
func (s *ProofService) GenerateBatch(ctx context.Context, jobs []domain.ProofJob, backend storage.Backend) map[string]error {
	start := time.Now()
	state := &batchState{results: make(map[string]error, len(jobs))}
	if len(jobs) == 0 {
		return state.results
	}
	defer func() {
		metrics.ProofBatchDuration.Observe(time.Since(start).Seconds())
	}()

	byPath := make(map[string]domain.ProofJob, len(jobs))
	for _, job := range jobs {
		if _, dup := byPath[job.ProofPath]; !dup {
			byPath[job.ProofPath] = job
		}
	}

	workDir, err := os.MkdirTemp(s.tempDir, "proofgen-*")
	if err != nil {
		for pp := range byPath {
			state.fail(pp, StageDownload, err)
		}
		return state.results
	}
	defer os.RemoveAll(workDir)

	originals := s.fetchOriginals(ctx, byPath, backend, workDir, state)

	proofs := make(map[string]string, len(originals))
	for pp, orig := range originals {
		dst := filepath.Join(workDir, fmt.Sprintf("proof-%d.jpg", len(proofs)))
		if err := s.transformOne(ctx, pp, orig, dst); err != nil {
			state.fail(pp, StageTransform, err)
			os.Remove(orig)
			continue
		}
		if orig != dst {
			// bound disk usage as the batch progresses
			os.Remove(orig)
		}
		proofs[pp] = dst
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for pp, file := range proofs {
		g.Go(func() error {
			defer os.Remove(file)
			req := domain.NewUploadRequest(file, pp)
			req.ContentType = "image/jpeg"
			if _, err := backend.Upload(gctx, req); err != nil {
				state.fail(pp, StageUpload, err)
				return nil
			}
			state.succeed(pp)
			return nil
		})
	}
	_ = g.Wait()

	s.logBatch(ctx, state.results, time.Since(start))
	return state.results
}

// fetchOriginals places every original in workDir, copying from disk for local backends
// and downloading signed URLs otherwise.
func (s *ProofService) fetchOriginals(ctx context.Context, jobs map[string]domain.ProofJob, backend storage.Backend, workDir string, state *batchState) map[string]string {
	files := make(map[string]string, len(jobs))

	if resolver, ok := backend.(storage.LocalResolver); ok {
		var mu sync.Mutex
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		i := 0
		for pp, job := range jobs {
			dst := filepath.Join(workDir, fmt.Sprintf("orig-%d%s", i, filepath.Ext(job.OriginalPath)))
			i++
			g.Go(func() error {
				src, err := resolver.LocalPath(job.OriginalPath)
				if err == nil {
					err = copyLocal(src, dst)
				}
				if err != nil {
					state.fail(pp, StageDownload, err)
					return nil
				}
				mu.Lock()
				files[pp] = dst
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		return files
	}

	originalPaths := make([]string, 0, len(jobs))
	for _, job := range jobs {
		originalPaths = append(originalPaths, job.OriginalPath)
	}
	signed := backend.SignMany(ctx, originalPaths)

	urls := make(map[string]string, len(jobs))
	for pp, job := range jobs {
		u, ok := signed[job.OriginalPath]
		if !ok {
			state.fail(pp, StageDownload, fmt.Errorf("no URL for original %s", job.OriginalPath))
			continue
		}
		urls[pp] = u
	}

	downloaded, failures := s.downloader.DownloadAll(ctx, urls, workDir)
	for pp, err := range failures {
		state.fail(pp, StageDownload, err)
	}
	for pp, file := range downloaded {
		files[pp] = file
	}
	return files
}

// transformOne writes the proof of orig to dst. Undecodable originals become a placeholder
// unless the original fallback is enabled.
func (s *ProofService) transformOne(ctx context.Context, proofPath, orig, dst string) error {
	err := s.watermark.Transform(orig, dst)
	if err == nil {
		metrics.ProofsGenerated.WithLabelValues("success").Inc()
		return nil
	}
	if !errors.Is(err, ErrUnsupportedImage) {
		metrics.ProofsGenerated.WithLabelValues("failed").Inc()
		return err
	}

	log := s.log(ctx).WithField(logger.FieldProofPath, proofPath).WithError(err)
	if s.opts.AllowOriginalFallback {
		log.Warn("Original cannot be decoded, uploading it unmodified as its proof")
		metrics.ProofsGenerated.WithLabelValues("original_fallback").Inc()
		return copyLocal(orig, dst)
	}
	log.Error("Original cannot be decoded, writing placeholder proof")
	metrics.ProofsGenerated.WithLabelValues("placeholder").Inc()
	return s.watermark.Placeholder(dst)
}

func (s *ProofService) logBatch(ctx context.Context, results map[string]error, elapsed time.Duration) {
	stages := map[string]int{}
	succeeded := 0
	for _, err := range results {
		var se *StageError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &se):
			stages[se.Stage]++
		}
	}
	logger.With(logger.Fields{
		logger.FieldComponent: "proof",
		"succeeded":           succeeded,
		"failed_download":     stages[StageDownload],
		"failed_transform":    stages[StageTransform],
		"failed_upload":       stages[StageUpload],
	}).WithCount(len(results)).WithDuration(elapsed).Info(ctx, "Proof batch finished")
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
