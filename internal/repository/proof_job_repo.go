package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/proofline/internal/domain"
)

// enqueueLockKey is the Postgres advisory lock serialising capacity checks across processes.
const enqueueLockKey int64 = 0x70726f6f666a6f62

// ProofJobRepository is the durable proof generation queue.
// Rows are unique by proof path; the oldest rows are processed first.
type ProofJobRepository struct {
	db *gorm.DB
}

// NewProofJobRepository creates a new ProofJobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *ProofJobRepository: repository instance bound to db.
func NewProofJobRepository(db *gorm.DB) *ProofJobRepository {
	return &ProofJobRepository{db: db}
}

// Count returns the number of queued jobs.
func (r *ProofJobRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ProofJob{}).Count(&count).Error
	return count, err
}

// EnqueueBatch inserts jobs whose proof path is not queued yet, in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: candidate jobs; duplicates within the slice are collapsed.
//   - maxSize: queue capacity; inserts stop once it is reached. Non-positive means unbounded.
//
// Returns:
//   - int: number of rows inserted.
//   - error: non-nil if the transaction fails.
func (r *ProofJobRepository) EnqueueBatch(ctx context.Context, jobs []domain.ProofJob, maxSize int) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForEnqueue(tx); err != nil {
			return fmt.Errorf("failed to lock proof queue: %w", err)
		}

		var existing []string
		if err := tx.Model(&domain.ProofJob{}).Pluck("proof_path", &existing).Error; err != nil {
			return fmt.Errorf("failed to read queued paths: %w", err)
		}

		seen := make(map[string]struct{}, len(existing)+len(jobs))
		for _, p := range existing {
			seen[p] = struct{}{}
		}

		free := len(jobs)
		if maxSize > 0 {
			free = maxSize - len(existing)
		}

		batch := make([]domain.ProofJob, 0, len(jobs))
		for _, job := range jobs {
			if free <= 0 {
				break
			}
			if job.ProofPath == "" || job.OriginalPath == "" {
				continue
			}
			if _, ok := seen[job.ProofPath]; ok {
				continue
			}
			seen[job.ProofPath] = struct{}{}
			batch = append(batch, domain.ProofJob{
				OriginalPath: job.OriginalPath,
				ProofPath:    job.ProofPath,
				ProjectID:    job.ProjectID,
				ImageID:      job.ImageID,
			})
			free--
		}
		if len(batch) == 0 {
			return nil
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "proof_path"}},
			DoNothing: true,
		}).Create(&batch)
		if res.Error != nil {
			return fmt.Errorf("failed to insert proof jobs: %w", res.Error)
		}
		inserted = int(res.RowsAffected)
		return nil
	})
	return inserted, err
}

// lockForEnqueue holds the enqueue lock until tx ends. SQLite runs on a single
// connection, so its transactions are already serial.
func lockForEnqueue(tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", enqueueLockKey).Error
}

// Oldest returns up to limit jobs in creation order.
func (r *ProofJobRepository) Oldest(ctx context.Context, limit int) ([]domain.ProofJob, error) {
	var jobs []domain.ProofJob
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Correlate stores the project and image IDs resolved for a path-only job.
func (r *ProofJobRepository) Correlate(ctx context.Context, id uint, c domain.ImageCorrelation) error {
	return r.db.WithContext(ctx).Model(&domain.ProofJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"project_id": c.ProjectID,
			"image_id":   c.ImageID,
		}).Error
}

// ApplyResults writes back one processing run in a single transaction.
// Successful jobs are removed. Failed jobs have their attempt counter incremented,
// and those reaching maxAttempts are removed and returned.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - succeeded: IDs of jobs whose proof was generated.
//   - failed: IDs of failed jobs mapped to their error message.
//   - maxAttempts: attempt cap.
//
// Returns:
//   - []domain.ProofJob: jobs dropped after exhausting their attempts.
//   - error: non-nil if the transaction fails.
func (r *ProofJobRepository) ApplyResults(ctx context.Context, succeeded []uint, failed map[uint]string, maxAttempts int) ([]domain.ProofJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = domain.MaxProofAttempts
	}

	var dropped []domain.ProofJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(succeeded) > 0 {
			if err := tx.Where("id IN ?", succeeded).Delete(&domain.ProofJob{}).Error; err != nil {
				return fmt.Errorf("failed to delete completed jobs: %w", err)
			}
		}
		if len(failed) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(failed))
		for id := range failed {
			ids = append(ids, id)
		}
		var jobs []domain.ProofJob
		if err := tx.Where("id IN ?", ids).Find(&jobs).Error; err != nil {
			return fmt.Errorf("failed to load failed jobs: %w", err)
		}

		var exhausted []uint
		for _, job := range jobs {
			job.Attempts++
			job.LastError = failed[job.ID]
			if job.Attempts >= maxAttempts {
				exhausted = append(exhausted, job.ID)
				dropped = append(dropped, job)
				continue
			}
			if err := tx.Model(&domain.ProofJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
				"attempts":   job.Attempts,
				"last_error": job.LastError,
			}).Error; err != nil {
				return fmt.Errorf("failed to record attempt for job %d: %w", job.ID, err)
			}
		}
		if len(exhausted) > 0 {
			if err := tx.Where("id IN ?", exhausted).Delete(&domain.ProofJob{}).Error; err != nil {
				return fmt.Errorf("failed to drop exhausted jobs: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}
