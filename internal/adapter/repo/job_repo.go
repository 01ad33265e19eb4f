package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"visionpipe/internal/domain"
)

// CreateJob inserts a job with its denormalized pipeline snapshot and image
// set in one transaction.
func (r *StorePG) CreateJob(ctx context.Context, job *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO jobs (id, pipeline_id, status, processed_images, error_message)
VALUES ($1, $2, $3, 0, '');
`
	if _, err := tx.Exec(ctx, query, job.ID, job.PipelineID, job.Status); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	stageQuery := `
INSERT INTO job_stages (id, job_id, stage_order, prompt, prompt_kind, filter_rule)
VALUES ($1, $2, $3, $4, $5, $6);
`
	for _, stage := range job.Stages {
		if _, err := tx.Exec(ctx, stageQuery, stage.ID, job.ID, stage.Order, stage.Prompt, stage.Kind, stage.Filter); err != nil {
			return fmt.Errorf("insert stage %d: %w", stage.Order, err)
		}
	}

	imageQuery := `
INSERT INTO job_images (job_id, image_id, storage_path, position)
VALUES ($1, $2, $3, $4);
`
	for i, img := range job.Images {
		if _, err := tx.Exec(ctx, imageQuery, job.ID, img.ID, img.StoragePath, i); err != nil {
			return fmt.Errorf("insert image %s: %w", img.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// SetJobStatus updates the job status. Terminal statuses also stamp
// completed_at; an empty errMsg leaves any previous message in place.
func (r *StorePG) SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	query := `
UPDATE jobs
SET status = $2,
    error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END,
    updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, jobID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementProcessed adds n to the job's cumulative processed counter. The
// increment happens in SQL so concurrent writers cannot lose updates.
func (r *StorePG) IncrementProcessed(ctx context.Context, jobID string, n int) error {
	query := `
UPDATE jobs
SET processed_images = processed_images + $2,
    updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, jobID, n)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveSummary persists the terminal results summary.
func (r *StorePG) SaveSummary(ctx context.Context, jobID string, summary domain.JobSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := `
UPDATE jobs
SET summary = $2,
    updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, jobID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// JobByID loads a job with its pipeline snapshot and image set.
func (r *StorePG) JobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, pipeline_id, status, processed_images, error_message, summary, created_at, completed_at
FROM jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var (
		job     domain.Job
		summary []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.PipelineID,
		&job.Status,
		&job.ProcessedImages,
		&job.ErrorMessage,
		&summary,
		&job.CreatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(summary) > 0 {
		var s domain.JobSummary
		if err := json.Unmarshal(summary, &s); err == nil {
			job.Summary = &s
		}
	}

	stages, err := r.stagesByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Stages = stages

	images, err := r.imagesByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Images = images

	return &job, nil
}

// StaleJobs lists jobs stuck in processing with no write since the cutoff.
func (r *StorePG) StaleJobs(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
SELECT id, pipeline_id, status, processed_images, error_message, created_at
FROM jobs
WHERE status = 'processing' AND updated_at < $1
ORDER BY updated_at ASC;
`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.ID, &job.PipelineID, &job.Status, &job.ProcessedImages, &job.ErrorMessage, &job.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *StorePG) stagesByJob(ctx context.Context, jobID string) ([]domain.Stage, error) {
	query := `
SELECT id, stage_order, prompt, prompt_kind, filter_rule
FROM job_stages
WHERE job_id = $1
ORDER BY stage_order ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Stage
	for rows.Next() {
		var (
			stage domain.Stage
			rule  string
		)
		if err := rows.Scan(&stage.ID, &stage.Order, &stage.Prompt, &stage.Kind, &rule); err != nil {
			return nil, err
		}
		stage.Filter = domain.ParseFilterRule(rule)
		out = append(out, stage)
	}
	return out, rows.Err()
}

func (r *StorePG) imagesByJob(ctx context.Context, jobID string) ([]domain.ImageRef, error) {
	query := `
SELECT image_id, storage_path
FROM job_images
WHERE job_id = $1
ORDER BY position ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ImageRef
	for rows.Next() {
		var img domain.ImageRef
		if err := rows.Scan(&img.ID, &img.StoragePath); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}
