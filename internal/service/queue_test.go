package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/timmy/proofline/internal/cache"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/storage"
)

// scriptedGenerator fails the proof paths listed in fail and succeeds the rest.
type scriptedGenerator struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls [][]domain.ProofJob
}

func (g *scriptedGenerator) GenerateBatch(_ context.Context, jobs []domain.ProofJob, _ storage.Backend) map[string]error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, jobs)
	out := make(map[string]error, len(jobs))
	for _, j := range jobs {
		if g.fail[j.ProofPath] {
			out[j.ProofPath] = &StageError{Stage: StageTransform, Err: errors.New("decode failed")}
			continue
		}
		out[j.ProofPath] = nil
	}
	return out
}

func newTestQueue(t *testing.T, gen BatchGenerator, correlator JobCorrelator, recorder ProofRecorder, cfg QueueConfig) (*ProofQueue, *cache.Locker) {
	t.Helper()
	locker := cache.NewLocker(newMemoryStore(t))
	backend := newFakeBackend("https://store.example.com")
	q := NewProofQueue(newTestRepo(t), locker, gen, func(context.Context) (storage.Backend, error) {
		return backend, nil
	}, correlator, recorder, cfg)
	return q, locker
}

func queueJob(n int) domain.ProofJob {
	orig := fmt.Sprintf("gallery/%03d.jpg", n)
	return domain.ProofJob{OriginalPath: orig, ProofPath: ProofPathFor(orig)}
}

func TestQueueDeduplicatesAndCaps(t *testing.T) {
	q, _ := newTestQueue(t, &scriptedGenerator{}, nil, nil, QueueConfig{})
	ctx := context.Background()

	n, err := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(0), queueJob(0)})
	if err != nil || n != 1 {
		t.Fatalf("EnqueueBatch duplicate pair: got %d, %v; want 1", n, err)
	}
	if n, _ := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(0)}); n != 0 {
		t.Errorf("EnqueueBatch already queued: got %d, want 0", n)
	}

	jobs := make([]domain.ProofJob, 0, 260)
	for i := 1; i < 260; i++ {
		jobs = append(jobs, queueJob(i))
	}
	if _, err := q.EnqueueBatch(ctx, jobs); err != nil {
		t.Fatalf("EnqueueBatch fill: %v", err)
	}
	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Queued != DefaultQueueMaxSize {
		t.Fatalf("Queued: got %d, want %d", stats.Queued, DefaultQueueMaxSize)
	}

	testCases := []struct {
		name string
		job  domain.ProofJob
	}{
		{"distinct path at capacity", queueJob(999)},
		{"queued path at capacity", queueJob(3)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := q.EnqueueBatch(ctx, []domain.ProofJob{tc.job})
			if err != nil {
				t.Fatalf("EnqueueBatch: %v", err)
			}
			if n != 0 {
				t.Errorf("inserted: got %d, want 0", n)
			}
			stats, _ := q.GetStats(ctx)
			if stats.Queued != DefaultQueueMaxSize {
				t.Errorf("Queued: got %d, want %d", stats.Queued, DefaultQueueMaxSize)
			}
		})
	}
}

func TestQueueDropsJobAfterThreeFailures(t *testing.T) {
	bad := queueJob(1)
	gen := &scriptedGenerator{fail: map[string]bool{bad.ProofPath: true}}
	q, _ := newTestQueue(t, gen, nil, nil, QueueConfig{})
	ctx := context.Background()

	if _, err := q.EnqueueBatch(ctx, []domain.ProofJob{bad}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := q.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("ProcessQueue attempt %d: %v", attempt, err)
		}
		if res.Failed != 1 {
			t.Errorf("attempt %d: Failed got %d, want 1", attempt, res.Failed)
		}
		wantRemaining, wantDropped := int64(1), 0
		if attempt == 3 {
			wantRemaining, wantDropped = 0, 1
		}
		if res.Remaining != wantRemaining || res.Dropped != wantDropped {
			t.Errorf("attempt %d: remaining %d dropped %d, want %d and %d", attempt, res.Remaining, res.Dropped, wantRemaining, wantDropped)
		}
	}

	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue after drop: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("Processed after drop: got %d, want 0", res.Processed)
	}
	if len(gen.calls) != 3 {
		t.Errorf("generator calls: got %d, want 3", len(gen.calls))
	}
}

func TestQueueSuccessRecordsAndCorrelates(t *testing.T) {
	recorder := &recordingRecorder{}
	correlator := mapCorrelator{"gallery/001.jpg": {ProjectID: 7, ImageID: 71}}
	q, _ := newTestQueue(t, &scriptedGenerator{}, correlator, recorder, QueueConfig{})
	ctx := context.Background()

	if _, err := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(1), queueJob(2)}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if res.Succeeded != 2 || res.Remaining != 0 {
		t.Errorf("result: got %+v", res)
	}
	if len(recorder.ids) != 1 || recorder.ids[0] != 71 {
		t.Errorf("MarkProofExisting: got %v, want [71]", recorder.ids)
	}
}

func TestQueueProcessesInBatchesAndKicks(t *testing.T) {
	gen := &scriptedGenerator{}
	q, _ := newTestQueue(t, gen, nil, nil, QueueConfig{BatchSize: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(i)}); err != nil {
			t.Fatalf("EnqueueBatch: %v", err)
		}
	}

	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if res.Processed != 2 || res.Remaining != 1 {
		t.Errorf("first run: got %+v", res)
	}
	if gen.calls[0][0].ProofPath != queueJob(0).ProofPath {
		t.Errorf("oldest job first: got %s", gen.calls[0][0].ProofPath)
	}
	select {
	case <-q.Kick():
	case <-time.After(time.Second):
		t.Errorf("expected a kick when work remains")
	}

	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	select {
	case <-q.Kick():
		t.Errorf("unexpected kick on an empty queue")
	default:
	}
}

func TestQueueSkipsWhenLocked(t *testing.T) {
	gen := &scriptedGenerator{}
	q, locker := newTestQueue(t, gen, nil, nil, QueueConfig{})
	ctx := context.Background()
	if _, err := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(1)}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	release, ok, err := locker.TryAcquire(ctx, QueueLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	stats, _ := q.GetStats(ctx)
	if !stats.Processing {
		t.Errorf("Processing: got false while locked")
	}

	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if !res.Skipped || len(gen.calls) != 0 {
		t.Errorf("locked run: skipped %v, generator calls %d", res.Skipped, len(gen.calls))
	}

	release()
	res, err = q.ProcessQueue(ctx)
	if err != nil || res.Skipped || res.Succeeded != 1 {
		t.Errorf("after release: got %+v, %v", res, err)
	}
	stats, _ = q.GetStats(ctx)
	if stats.Processing {
		t.Errorf("lock still held after ProcessQueue returned")
	}
}

func TestQueueReleasesLockOnBackendError(t *testing.T) {
	locker := cache.NewLocker(newMemoryStore(t))
	q := NewProofQueue(newTestRepo(t), locker, &scriptedGenerator{}, func(context.Context) (storage.Backend, error) {
		return nil, storage.ErrUnknownDriver
	}, nil, nil, QueueConfig{})
	ctx := context.Background()
	if _, err := q.EnqueueBatch(ctx, []domain.ProofJob{queueJob(1)}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	if _, err := q.ProcessQueue(ctx); !errors.Is(err, storage.ErrUnknownDriver) {
		t.Fatalf("ProcessQueue: got %v, want ErrUnknownDriver", err)
	}
	held, err := locker.Held(ctx, QueueLockKey)
	if err != nil || held {
		t.Errorf("lock held after failure: %v %v", held, err)
	}
}
