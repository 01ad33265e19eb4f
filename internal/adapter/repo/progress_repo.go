package repo

import (
	"context"
	"fmt"
	"time"

	"visionpipe/internal/domain"
)

// UpsertStageProgress stores the latest snapshot for the (job, stage) pair
// and appends the same snapshot to the progress log. The live snapshot is
// also mirrored into the cache on a best-effort basis.
func (r *StorePG) UpsertStageProgress(ctx context.Context, progress domain.StageProgress) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO stage_progress (
	job_id, stage_id, stage_order, status, images_total, images_processed,
	progress_percent, error_count, last_error, failed_image_ids,
	execution_time_ms, metadata, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (job_id, stage_id) DO UPDATE
SET status = EXCLUDED.status,
    images_total = EXCLUDED.images_total,
    images_processed = EXCLUDED.images_processed,
    progress_percent = EXCLUDED.progress_percent,
    error_count = EXCLUDED.error_count,
    last_error = EXCLUDED.last_error,
    failed_image_ids = EXCLUDED.failed_image_ids,
    execution_time_ms = EXCLUDED.execution_time_ms,
    metadata = EXCLUDED.metadata,
    updated_at = now();
`
	failedIDs := progress.FailedImageIDs
	if failedIDs == nil {
		failedIDs = []string{}
	}
	args := []any{
		progress.JobID,
		progress.StageID,
		progress.StageOrder,
		progress.Status,
		progress.ImagesTotal,
		progress.ImagesProcessed,
		progress.ProgressPercent,
		progress.ErrorCount,
		progress.LastError,
		failedIDs,
		progress.ExecutionTimeMS,
		marshalMeta(progress.Metadata),
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}

	logQuery := `
INSERT INTO stage_progress_log (
	job_id, stage_id, stage_order, status, images_total, images_processed,
	progress_percent, error_count, last_error, recorded_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now());
`
	if _, err := tx.Exec(ctx, logQuery,
		progress.JobID,
		progress.StageID,
		progress.StageOrder,
		progress.Status,
		progress.ImagesTotal,
		progress.ImagesProcessed,
		progress.ProgressPercent,
		progress.ErrorCount,
		progress.LastError,
	); err != nil {
		return fmt.Errorf("append progress log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := r.cache.Publish(ctx, progress); err != nil {
		r.logger.Warn().Err(err).
			Str("job_id", progress.JobID).
			Str("stage_id", progress.StageID).
			Msg("repo: progress cache publish failed")
	}
	return nil
}

// StageProgressByJob returns the latest snapshot per stage, ordered by
// stage order.
func (r *StorePG) StageProgressByJob(ctx context.Context, jobID string) ([]domain.StageProgress, error) {
	query := `
SELECT job_id, stage_id, stage_order, status, images_total, images_processed,
       progress_percent, error_count, last_error, failed_image_ids,
       execution_time_ms, metadata, updated_at
FROM stage_progress
WHERE job_id = $1
ORDER BY stage_order ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StageProgress
	for rows.Next() {
		var (
			p    domain.StageProgress
			meta []byte
		)
		if err := rows.Scan(
			&p.JobID,
			&p.StageID,
			&p.StageOrder,
			&p.Status,
			&p.ImagesTotal,
			&p.ImagesProcessed,
			&p.ProgressPercent,
			&p.ErrorCount,
			&p.LastError,
			&p.FailedImageIDs,
			&p.ExecutionTimeMS,
			&meta,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Metadata = unmarshalMeta(meta)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProgressHistory returns logged snapshots recorded at or after since,
// optionally scoped to one stage order (0 means all stages), oldest first.
func (r *StorePG) ProgressHistory(ctx context.Context, jobID string, stageOrder int, since time.Time) ([]domain.StageProgress, error) {
	query := `
SELECT job_id, stage_id, stage_order, status, images_total, images_processed,
       progress_percent, error_count, last_error, recorded_at
FROM stage_progress_log
WHERE job_id = $1
  AND ($2 = 0 OR stage_order = $2)
  AND recorded_at >= $3
ORDER BY recorded_at ASC, id ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID, stageOrder, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StageProgress
	for rows.Next() {
		var p domain.StageProgress
		if err := rows.Scan(
			&p.JobID,
			&p.StageID,
			&p.StageOrder,
			&p.Status,
			&p.ImagesTotal,
			&p.ImagesProcessed,
			&p.ProgressPercent,
			&p.ErrorCount,
			&p.LastError,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
