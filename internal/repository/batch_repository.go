package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

var ErrJobNotFound = errors.New("batch job not found")

const jobColumns = `
	id, user_id, shoot_id, provider_id, prompt_preset_id, prompt, mode, status,
	total_images, processed_images, cost_in_credits, error_message, retry_count,
	provider_batch_id, created_at, started_at, completed_at, updated_at
`

// BatchRepository stores batch jobs and their per-image results. Mutations
// that the runner races with user control operations are guarded on status.
type BatchRepository struct {
	pool *pgxpool.Pool
}

func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

func scanJob(row pgx.Row) (models.BatchJob, error) {
	var job models.BatchJob
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.ShootID,
		&job.ProviderID,
		&job.PromptPresetID,
		&job.Prompt,
		&job.Mode,
		&job.Status,
		&job.TotalImages,
		&job.ProcessedImages,
		&job.CostInCredits,
		&job.ErrorMessage,
		&job.RetryCount,
		&job.ProviderBatchID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchJob{}, ErrJobNotFound
	}
	return job, err
}

func collectJobs(rows pgx.Rows) ([]models.BatchJob, error) {
	defer rows.Close()
	var jobs []models.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *BatchRepository) Create(ctx context.Context, job models.BatchJob, images []models.ImageRef) error {
	const query = `
		INSERT INTO batch_jobs (
			id, user_id, shoot_id, provider_id, prompt_preset_id, prompt, mode, status,
			total_images, processed_images, retry_count, images, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, NOW(), NOW()
		)
	`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.ShootID,
		job.ProviderID,
		job.PromptPresetID,
		job.Prompt,
		job.Mode,
		job.Status,
		job.TotalImages,
		images,
	)
	return err
}

func (r *BatchRepository) Get(ctx context.Context, id string) (models.BatchJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
}

func (r *BatchRepository) Images(ctx context.Context, id string) ([]models.ImageRef, error) {
	var images []models.ImageRef
	err := r.pool.QueryRow(ctx, `SELECT images FROM batch_jobs WHERE id = $1`, id).Scan(&images)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return images, err
}

func (r *BatchRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.BatchJob, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListStale returns jobs in status whose start (or creation, if never
// started) is before the cutoff.
func (r *BatchRepository) ListStale(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.BatchJob, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE status = $1 AND COALESCE(started_at, created_at) < $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, status, before, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *BatchRepository) MarkRunning(ctx context.Context, id string, owner string) (models.BatchJob, bool, error) {
	const query = `
		UPDATE batch_jobs
		SET status = 'running',
		    runner_id = $2,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1
		  AND (status IN ('pending', 'paused') OR (status = 'running' AND runner_id IS NULL))
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query, id, owner))
	if errors.Is(err, ErrJobNotFound) {
		return models.BatchJob{}, false, nil
	}
	if err != nil {
		return models.BatchJob{}, false, err
	}
	return job, true, nil
}

func (r *BatchRepository) Release(ctx context.Context, id string, owner string) (bool, error) {
	const query = `
		UPDATE batch_jobs SET runner_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND runner_id = $2
	`
	cmd, err := r.pool.Exec(ctx, query, id, owner)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *BatchRepository) ListReleased(ctx context.Context, limit int) ([]models.BatchJob, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE status = 'running' AND runner_id IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *BatchRepository) SetProviderBatchID(ctx context.Context, id string, batchID string) error {
	const query = `UPDATE batch_jobs SET provider_batch_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, batchID)
	return err
}

func (r *BatchRepository) UpdateProgress(ctx context.Context, id string, processed int) (int, bool, error) {
	const query = `
		UPDATE batch_jobs
		SET processed_images = GREATEST(processed_images, LEAST($2, total_images)),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING processed_images
	`
	var next int
	err := r.pool.QueryRow(ctx, query, id, processed).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (r *BatchRepository) RecordRating(ctx context.Context, id string, rating models.Rating) (int, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status models.JobStatus
	var processed int
	err = tx.QueryRow(ctx, `SELECT status, processed_images FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status, &processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrJobNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if status != models.JobStatusRunning {
		return 0, false, nil
	}

	inserted, err := insertResult(ctx, tx, id, rating)
	if err != nil {
		return 0, false, err
	}
	if inserted {
		const query = `
			UPDATE batch_jobs
			SET processed_images = LEAST(processed_images + 1, total_images), updated_at = NOW()
			WHERE id = $1
			RETURNING processed_images
		`
		if err := tx.QueryRow(ctx, query, id).Scan(&processed); err != nil {
			return 0, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return processed, true, nil
}

func insertResult(ctx context.Context, q querier, jobID string, rating models.Rating) (bool, error) {
	const query = `
		INSERT INTO batch_results (
			job_id, image_id, star_rating, color_label, title, description, tags, ai_confidence, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW()
		)
		ON CONFLICT (job_id, image_id) DO NOTHING
	`
	tags := rating.Tags
	if tags == nil {
		tags = []string{}
	}
	cmd, err := q.Exec(ctx, query,
		jobID,
		rating.ImageID,
		rating.StarRating,
		rating.ColorLabel,
		rating.Title,
		rating.Description,
		tags,
		rating.AIConfidence,
	)
	if err != nil {
		return false, fmt.Errorf("insert result %s: %w", rating.ImageID, err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *BatchRepository) RatedImageIDs(ctx context.Context, id string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT image_id FROM batch_results WHERE job_id = $1`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *BatchRepository) Results(ctx context.Context, id string) ([]models.Rating, error) {
	const query = `
		SELECT image_id, star_rating, color_label, title, description, tags, ai_confidence
		FROM batch_results
		WHERE job_id = $1
		ORDER BY created_at, image_id
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Rating
	for rows.Next() {
		var rt models.Rating
		if err := rows.Scan(
			&rt.ImageID,
			&rt.StarRating,
			&rt.ColorLabel,
			&rt.Title,
			&rt.Description,
			&rt.Tags,
			&rt.AIConfidence,
		); err != nil {
			return nil, err
		}
		results = append(results, rt)
	}
	return results, rows.Err()
}

func (r *BatchRepository) IncrementRetry(ctx context.Context, id string, lastError string) (int, error) {
	const query = `
		UPDATE batch_jobs
		SET retry_count = retry_count + 1, last_retry_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`
	var retries int
	err := r.pool.QueryRow(ctx, query, id, lastError).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	return retries, err
}

// Complete stores the remaining ratings, closes the job and appends the
// debit in one transaction, so a job is never charged twice or left
// completed without its charge.
func (r *BatchRepository) Complete(ctx context.Context, id string, ratings []models.Rating, credits int64, debit *models.LedgerEntry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE batch_jobs
		SET status = 'completed',
		    processed_images = total_images,
		    cost_in_credits = $2,
		    error_message = NULL,
		    runner_id = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`
	cmd, err := tx.Exec(ctx, query, id, credits)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}

	for _, rt := range ratings {
		if _, err := insertResult(ctx, tx, id, rt); err != nil {
			return false, err
		}
	}
	if debit != nil {
		if err := insertLedgerEntry(ctx, tx, *debit); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Fail moves any non-terminal job to failed.
func (r *BatchRepository) Fail(ctx context.Context, id string, message string) (bool, error) {
	const query = `
		UPDATE batch_jobs
		SET status = 'failed', error_message = $2, runner_id = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running', 'paused')
	`
	cmd, err := r.pool.Exec(ctx, query, id, message)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *BatchRepository) Pause(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE batch_jobs SET status = 'paused', runner_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

type JobStats struct {
	ByStatus        map[string]int64 `json:"byStatus"`
	ByProvider      map[string]int64 `json:"byProvider"`
	ImagesProcessed int64            `json:"imagesProcessed"`
}

func (r *BatchRepository) Stats(ctx context.Context, since time.Time) (JobStats, error) {
	stats := JobStats{
		ByStatus:   make(map[string]int64),
		ByProvider: make(map[string]int64),
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, provider_id, COUNT(*), COALESCE(SUM(processed_images), 0)
		FROM batch_jobs
		WHERE created_at >= $1
		GROUP BY status, provider_id
	`, since)
	if err != nil {
		return JobStats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, provider string
		var count, images int64
		if err := rows.Scan(&status, &provider, &count, &images); err != nil {
			return JobStats{}, err
		}
		stats.ByStatus[status] += count
		stats.ByProvider[provider] += count
		stats.ImagesProcessed += images
	}
	return stats, rows.Err()
}
