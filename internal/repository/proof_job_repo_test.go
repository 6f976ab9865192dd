package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/timmy/proofline/internal/config"
	"github.com/timmy/proofline/internal/domain"
)

func newTestRepo(t *testing.T) *ProofJobRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewProofJobRepository(db)
}

func job(n int) domain.ProofJob {
	return domain.ProofJob{
		OriginalPath: fmt.Sprintf("gallery/%03d.jpg", n),
		ProofPath:    fmt.Sprintf("proofs/gallery/%03d_proof.jpg", n),
	}
}

func TestEnqueueBatchDeduplicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n, err := repo.EnqueueBatch(ctx, []domain.ProofJob{job(1), job(1), job(2)}, 250)
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted: got %d, want 2", n)
	}

	n, err = repo.EnqueueBatch(ctx, []domain.ProofJob{job(2)}, 250)
	if err != nil {
		t.Fatalf("EnqueueBatch again: %v", err)
	}
	if n != 0 {
		t.Errorf("re-enqueue inserted: got %d, want 0", n)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count: got %d, want 2", count)
	}
}

func TestEnqueueBatchRespectsCapacity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	jobs := make([]domain.ProofJob, 250)
	for i := range jobs {
		jobs[i] = job(i)
	}
	if _, err := repo.EnqueueBatch(ctx, jobs, 250); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	testCases := []struct {
		name string
		job  domain.ProofJob
	}{
		{"new path when full", job(999)},
		{"existing path when full", job(7)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := repo.EnqueueBatch(ctx, []domain.ProofJob{tc.job}, 250)
			if err != nil {
				t.Fatalf("EnqueueBatch: %v", err)
			}
			if n != 0 {
				t.Errorf("inserted: got %d, want 0", n)
			}
			count, _ := repo.Count(ctx)
			if count != 250 {
				t.Errorf("Count: got %d, want 250", count)
			}
		})
	}
}

func TestOldestIsFIFO(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := repo.EnqueueBatch(ctx, []domain.ProofJob{job(i)}, 0); err != nil {
			t.Fatalf("EnqueueBatch: %v", err)
		}
	}

	jobs, err := repo.Oldest(ctx, 3)
	if err != nil {
		t.Fatalf("Oldest: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("Oldest: got %d jobs, want 3", len(jobs))
	}
	for i, j := range jobs {
		if j.ProofPath != job(i).ProofPath {
			t.Errorf("jobs[%d]: got %s, want %s", i, j.ProofPath, job(i).ProofPath)
		}
	}
}

func TestApplyResultsDropsAfterMaxAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if _, err := repo.EnqueueBatch(ctx, []domain.ProofJob{job(1), job(2)}, 0); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	jobs, _ := repo.Oldest(ctx, 2)
	failing, passing := jobs[0].ID, jobs[1].ID

	if _, err := repo.ApplyResults(ctx, []uint{passing}, nil, 3); err != nil {
		t.Fatalf("ApplyResults: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		dropped, err := repo.ApplyResults(ctx, nil, map[uint]string{failing: "decode failed"}, 3)
		if err != nil {
			t.Fatalf("ApplyResults attempt %d: %v", attempt, err)
		}
		count, _ := repo.Count(ctx)
		if attempt < 3 {
			if len(dropped) != 0 || count != 1 {
				t.Errorf("attempt %d: dropped %d, count %d; want 0 and 1", attempt, len(dropped), count)
			}
			remaining, _ := repo.Oldest(ctx, 1)
			if remaining[0].Attempts != attempt || remaining[0].LastError != "decode failed" {
				t.Errorf("attempt %d: got attempts=%d last_error=%q", attempt, remaining[0].Attempts, remaining[0].LastError)
			}
			continue
		}
		if len(dropped) != 1 || dropped[0].ID != failing {
			t.Errorf("attempt 3: dropped %+v, want job %d", dropped, failing)
		}
		if count != 0 {
			t.Errorf("attempt 3: count %d, want 0", count)
		}
	}
}

func TestCorrelate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if _, err := repo.EnqueueBatch(ctx, []domain.ProofJob{job(1)}, 0); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	jobs, _ := repo.Oldest(ctx, 1)
	if jobs[0].Correlated() {
		t.Fatalf("new path-only job should not be correlated")
	}

	if err := repo.Correlate(ctx, jobs[0].ID, domain.ImageCorrelation{ProjectID: 4, ImageID: 42}); err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	jobs, _ = repo.Oldest(ctx, 1)
	if !jobs[0].Correlated() || *jobs[0].ImageID != 42 || *jobs[0].ProjectID != 4 {
		t.Errorf("Correlate: got project=%v image=%v", jobs[0].ProjectID, jobs[0].ImageID)
	}

	if _, err := repo.ApplyResults(ctx, []uint{jobs[0].ID}, nil, 0); err != nil {
		t.Fatalf("ApplyResults: %v", err)
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Errorf("job still queued after success: count %d", n)
	}
}

func TestEnqueueBatchConcurrentRespectsCapacity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	const maxSize = 25

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]domain.ProofJob, 0, 10)
			for i := 0; i < 10; i++ {
				batch = append(batch, job(w*10+i))
			}
			if _, err := repo.EnqueueBatch(ctx, batch, maxSize); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("EnqueueBatch: %v", err)
	}

	if n, err := repo.Count(ctx); err != nil || n != maxSize {
		t.Errorf("Count: got %d, %v; want %d", n, err, maxSize)
	}
}
