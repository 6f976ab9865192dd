package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/metrics"
	"github.com/timmy/proofline/internal/repository"
	"github.com/timmy/proofline/internal/storage"
)

const (
	// QueueLockKey serialises queue runs across processes.
	QueueLockKey = "proof_queue"

	DefaultQueueMaxSize   = 250
	DefaultQueueBatchSize = 5
	DefaultQueueLockTTL   = 60 * time.Second

	// correlationChunkSize bounds the paths sent to the correlator in one call.
	correlationChunkSize = 500
)

// BatchGenerator produces proofs for a batch of jobs.
type BatchGenerator interface {
	GenerateBatch(ctx context.Context, jobs []domain.ProofJob, backend storage.Backend) map[string]error
}

// BackendProvider builds the storage backend for one queue run.
type BackendProvider func(ctx context.Context) (storage.Backend, error)

// QueueConfig holds configuration for ProofQueue.
type QueueConfig struct {
	MaxSize     int
	BatchSize   int
	LockTTL     time.Duration
	MaxAttempts int
}

// QueueStats is the queue health snapshot.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing bool  `json:"processing"`
}

// QueueRunResult summarises one ProcessQueue call.
type QueueRunResult struct {
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Dropped   int   `json:"dropped"`
	Remaining int64 `json:"remaining"`
	// Skipped is set when another run held the lock.
	Skipped bool `json:"skipped"`
}

// ProofQueue is the background proof generation queue.
type ProofQueue struct {
	repo       *repository.ProofJobRepository
	locker     *cache.Locker
	generator  BatchGenerator
	backend    BackendProvider
	correlator JobCorrelator
	recorder   ProofRecorder
	cfg        QueueConfig
	kick       chan struct{}
}

// NewProofQueue creates a new proof queue.
// Parameters:
//   - repo: durable job storage.
//   - locker: advisory lock shared by every process draining the queue.
//   - generator: runs the pipeline for a batch; nil makes ProcessQueue a no-op until SetGenerator.
//   - backend: builds the storage backend for each run.
//   - correlator: upgrades path-only jobs; nil leaves them path-only.
//   - recorder: notified when correlated jobs succeed; nil discards.
//   - cfg: capacity, batch size, lock TTL and attempt cap.
//
// Returns:
//   - *ProofQueue: initialized queue.
func NewProofQueue(
	repo *repository.ProofJobRepository,
	locker *cache.Locker,
	generator BatchGenerator,
	backend BackendProvider,
	correlator JobCorrelator,
	recorder ProofRecorder,
	cfg QueueConfig,
) *ProofQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultQueueMaxSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultQueueBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultQueueLockTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.MaxProofAttempts
	}
	if correlator == nil {
		correlator = NoopCorrelator{}
	}
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &ProofQueue{
		repo:       repo,
		locker:     locker,
		generator:  generator,
		backend:    backend,
		correlator: correlator,
		recorder:   recorder,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
	}
}

// SetGenerator sets the batch generator. The queue and ProofService depend on each other,
// so one of them is wired after construction.
func (q *ProofQueue) SetGenerator(g BatchGenerator) {
	q.generator = g
}

// Kick delivers a signal whenever a run leaves work behind.
func (q *ProofQueue) Kick() <-chan struct{} {
	return q.kick
}

func (q *ProofQueue) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithField(logger.FieldComponent, "queue")
}

// EnqueueBatch queues jobs for proofs not yet queued. Duplicates and jobs beyond
// capacity are dropped silently.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: jobs to add.
//
// Returns:
//   - int: number of jobs inserted.
//   - error: non-nil if the store fails.
func (q *ProofQueue) EnqueueBatch(ctx context.Context, jobs []domain.ProofJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	q.correlate(ctx, jobs)

	inserted, err := q.repo.EnqueueBatch(ctx, jobs, q.cfg.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue proof jobs: %w", err)
	}
	metrics.QueueJobs.WithLabelValues("enqueued").Add(float64(inserted))

	count, err := q.repo.Count(ctx)
	if err == nil {
		metrics.QueueDepth.Set(float64(count))
		if count >= int64(q.cfg.MaxSize) && inserted < len(jobs) {
			q.log(ctx).WithError(ErrQueueFull).WithFields(logger.Fields{
				"queued":    count,
				"requested": len(jobs),
				"inserted":  inserted,
			}).Warn("Proof queue at capacity")
		}
	}
	return inserted, nil
}

// ProcessQueue runs one batch of the oldest jobs under the queue lock.
// A run that finds the lock held returns a skipped result.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - *QueueRunResult: outcome of the run.
//   - error: non-nil if the lock, store or backend fail.
func (q *ProofQueue) ProcessQueue(ctx context.Context) (*QueueRunResult, error) {
	ctx = logger.WithField(ctx, logger.FieldTick, uuid.NewString())
	result := &QueueRunResult{}

	release, acquired, err := q.locker.TryAcquire(ctx, QueueLockKey, q.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		result.Skipped = true
		q.log(ctx).Debug("Proof queue is being processed elsewhere, skipping")
		return result, nil
	}
	defer release()

	if q.generator == nil {
		return nil, fmt.Errorf("proof queue has no generator")
	}

	jobs, err := q.repo.Oldest(ctx, q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load proof jobs: %w", err)
	}
	if len(jobs) == 0 {
		metrics.QueueDepth.Set(0)
		return result, nil
	}

	q.correlateQueued(ctx, jobs)

	backend, err := q.backend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	outcomes := q.generator.GenerateBatch(ctx, jobs, backend)

	var succeeded []uint
	var imageIDs []int64
	failed := make(map[uint]string)
	for _, job := range jobs {
		err, ok := outcomes[job.ProofPath]
		switch {
		case !ok:
			failed[job.ID] = "not processed"
		case err != nil:
			failed[job.ID] = err.Error()
		default:
			succeeded = append(succeeded, job.ID)
			if job.ImageID != nil {
				imageIDs = append(imageIDs, *job.ImageID)
			}
		}
	}

	dropped, err := q.repo.ApplyResults(ctx, succeeded, failed, q.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to write back proof jobs: %w", err)
	}
	for _, job := range dropped {
		q.log(ctx).WithFields(logger.Fields{
			logger.FieldJobID:     job.ID,
			logger.FieldProofPath: job.ProofPath,
			logger.FieldAttempt:   job.Attempts,
		}).WithField("last_error", job.LastError).Error("Dropping proof job after final attempt")
	}

	if len(imageIDs) > 0 {
		if err := q.recorder.MarkProofExisting(ctx, imageIDs); err != nil {
			q.log(ctx).WithError(err).Warn("Failed to record generated proofs")
		}
	}

	metrics.QueueJobs.WithLabelValues("succeeded").Add(float64(len(succeeded)))
	metrics.QueueJobs.WithLabelValues("failed").Add(float64(len(failed) - len(dropped)))
	metrics.QueueJobs.WithLabelValues("dropped").Add(float64(len(dropped)))

	result.Processed = len(jobs)
	result.Succeeded = len(succeeded)
	result.Failed = len(failed)
	result.Dropped = len(dropped)

	remaining, err := q.repo.Count(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to count proof jobs: %w", err)
	}
	result.Remaining = remaining
	metrics.QueueDepth.Set(float64(remaining))

	if remaining > 0 {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}

	q.log(ctx).WithFields(logger.Fields{
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"dropped":   result.Dropped,
		"remaining": result.Remaining,
	}).Info("Proof queue run finished")
	return result, nil
}

// GetStats reports the queue depth and whether a run holds the lock.
func (q *ProofQueue) GetStats(ctx context.Context) (QueueStats, error) {
	count, err := q.repo.Count(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	held, err := q.locker.Held(ctx, QueueLockKey)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Queued: count, Processing: held}, nil
}

// correlate fills project and image IDs on path-only jobs in place.
func (q *ProofQueue) correlate(ctx context.Context, jobs []domain.ProofJob) {
	index := make(map[string][]int)
	for i, job := range jobs {
		if !job.Correlated() {
			index[job.OriginalPath] = append(index[job.OriginalPath], i)
		}
	}
	if len(index) == 0 {
		return
	}

	for path, c := range q.resolve(ctx, index) {
		for _, i := range index[path] {
			pid, iid := c.ProjectID, c.ImageID
			jobs[i].ProjectID, jobs[i].ImageID = &pid, &iid
		}
	}
}

// correlateQueued upgrades path-only jobs that are already stored.
func (q *ProofQueue) correlateQueued(ctx context.Context, jobs []domain.ProofJob) {
	index := make(map[string][]int)
	for i, job := range jobs {
		if !job.Correlated() {
			index[job.OriginalPath] = append(index[job.OriginalPath], i)
		}
	}
	if len(index) == 0 {
		return
	}

	for path, c := range q.resolve(ctx, index) {
		for _, i := range index[path] {
			if err := q.repo.Correlate(ctx, jobs[i].ID, c); err != nil {
				q.log(ctx).WithError(err).WithField(logger.FieldJobID, jobs[i].ID).Warn("Failed to store job correlation")
				continue
			}
			pid, iid := c.ProjectID, c.ImageID
			jobs[i].ProjectID, jobs[i].ImageID = &pid, &iid
		}
	}
}

// resolve looks up correlations for the indexed paths in chunks. Failures leave jobs path-only.
func (q *ProofQueue) resolve(ctx context.Context, index map[string][]int) map[string]domain.ImageCorrelation {
	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}

	resolved := make(map[string]domain.ImageCorrelation, len(paths))
	for start := 0; start < len(paths); start += correlationChunkSize {
		end := min(start+correlationChunkSize, len(paths))
		found, err := q.correlator.ResolveImageIDsForPaths(ctx, paths[start:end])
		if err != nil {
			q.log(ctx).WithError(err).WithField(logger.FieldCount, end-start).Warn("Failed to correlate proof jobs")
			continue
		}
		for p, c := range found {
			resolved[p] = c
		}
	}
	return resolved
}
