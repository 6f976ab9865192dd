package domain

import "time"

// MaxProofAttempts is the number of failed processing runs after which a job is dropped.
const MaxProofAttempts = 3

// ProofJob is one queued request to generate a proof derivative.
// At most one row exists per ProofPath.
type ProofJob struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	OriginalPath string    `gorm:"type:text;not null" json:"original_path"`
	ProofPath    string    `gorm:"type:text;not null;uniqueIndex" json:"proof_path"`
	ProjectID    *int64    `gorm:"index" json:"project_id,omitempty"`
	ImageID      *int64    `gorm:"index" json:"image_id,omitempty"`
	Attempts     int       `gorm:"default:0;index" json:"attempts"`
	LastError    string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for ProofJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ProofJob) TableName() string {
	return "proof_jobs"
}

// Correlated reports whether the job carries project and image IDs.
func (j ProofJob) Correlated() bool {
	return j.ProjectID != nil && j.ImageID != nil
}

// ImageCorrelation links a storage path to the gallery records that own it.
type ImageCorrelation struct {
	ProjectID int64
	ImageID   int64
}
