package batch

import (
	"context"
	"time"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

// JobStore persists batch jobs. Every mutating call that reports ok is
// guarded on the job's current status; ok=false means the guard did not
// match and nothing was written.
type JobStore interface {
	Create(ctx context.Context, job models.BatchJob, images []models.ImageRef) error
	Get(ctx context.Context, id string) (models.BatchJob, error)
	Images(ctx context.Context, id string) ([]models.ImageRef, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.BatchJob, error)
	ListStale(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.BatchJob, error)

	// MarkRunning claims the job for runner owner. Pending and paused jobs
	// move to running; a running job is only claimable after its previous
	// owner released it. started_at is only set the first time.
	MarkRunning(ctx context.Context, id string, owner string) (models.BatchJob, bool, error)
	// Release drops owner's claim on a running job so another runner can
	// resume it. The job stays running.
	Release(ctx context.Context, id string, owner string) (bool, error)
	// ListReleased returns running jobs that no runner owns.
	ListReleased(ctx context.Context, limit int) ([]models.BatchJob, error)
	SetProviderBatchID(ctx context.Context, id string, batchID string) error
	// UpdateProgress raises processed_images to processed, never lowering it.
	UpdateProgress(ctx context.Context, id string, processed int) (int, bool, error)
	// RecordRating stores one rating and increments processed_images.
	RecordRating(ctx context.Context, id string, rating models.Rating) (int, bool, error)
	RatedImageIDs(ctx context.Context, id string) ([]string, error)
	Results(ctx context.Context, id string) ([]models.Rating, error)
	// IncrementRetry counts a failed provider call. lastError is kept apart
	// from the job's error message, which only a failed job carries.
	IncrementRetry(ctx context.Context, id string, lastError string) (int, error)
	// Complete stores ratings, sets completed and appends debit, atomically.
	Complete(ctx context.Context, id string, ratings []models.Rating, credits int64, debit *models.LedgerEntry) (bool, error)
	Fail(ctx context.Context, id string, message string) (bool, error)
	Pause(ctx context.Context, id string) (bool, error)
}

// ImageStore keeps uploaded image payloads and archived result sets.
type ImageStore interface {
	PutImage(ctx context.Context, key string, data []byte, mimeType string) error
	GetImage(ctx context.Context, key string) ([]byte, error)
	ImageURL(ctx context.Context, key string) (string, error)
	PutResults(ctx context.Context, key string, data []byte) error
}

// Credits reads a user's ledger balance.
type Credits interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Dispatcher hands a job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Stopper halts the execution task of a job wherever it runs.
type Stopper interface {
	Stop(ctx context.Context, jobID string) error
}
