package repo

import (
	"context"
	"fmt"

	"visionpipe/internal/domain"
)

// AppendResult records one per-image analysis outcome. Retried deliveries
// land on the same (job, stage, image) row instead of duplicating it.
func (r *StorePG) AppendResult(ctx context.Context, result domain.ProcessingResult) error {
	query := `
INSERT INTO processing_results (job_id, stage_id, image_id, response, success, error_text, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (job_id, stage_id, image_id) DO UPDATE
SET response = EXCLUDED.response,
    success = EXCLUDED.success,
    error_text = EXCLUDED.error_text,
    metadata = EXCLUDED.metadata;
`
	_, err := r.pool.Exec(ctx, query,
		result.JobID,
		result.StageID,
		result.ImageID,
		result.Response,
		result.Success,
		result.ErrorText,
		marshalMeta(result.Metadata),
	)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// ResultsByJob returns every result for the job in insertion order.
func (r *StorePG) ResultsByJob(ctx context.Context, jobID string) ([]domain.ProcessingResult, error) {
	query := `
SELECT job_id, stage_id, image_id, response, success, error_text, metadata, created_at
FROM processing_results
WHERE job_id = $1
ORDER BY created_at ASC, stage_id ASC, image_id ASC;
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResults(rows)
}

// FailedResultsByJob lists failed results, optionally scoped to one stage
// order (0 means all stages) and capped at limit rows (0 means no cap).
func (r *StorePG) FailedResultsByJob(ctx context.Context, jobID string, stageOrder, limit int) ([]domain.ProcessingResult, error) {
	query := `
SELECT pr.job_id, pr.stage_id, pr.image_id, pr.response, pr.success, pr.error_text, pr.metadata, pr.created_at
FROM processing_results pr
JOIN job_stages js ON js.id = pr.stage_id AND js.job_id = pr.job_id
WHERE pr.job_id = $1
  AND pr.success = FALSE
  AND ($2 = 0 OR js.stage_order = $2)
ORDER BY pr.created_at ASC
LIMIT CASE WHEN $3 > 0 THEN $3 ELSE NULL END;
`
	rows, err := r.pool.Query(ctx, query, jobID, stageOrder, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResults(rows)
}

type resultRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanResults(rows resultRows) ([]domain.ProcessingResult, error) {
	var out []domain.ProcessingResult
	for rows.Next() {
		var (
			res  domain.ProcessingResult
			meta []byte
		)
		if err := rows.Scan(
			&res.JobID,
			&res.StageID,
			&res.ImageID,
			&res.Response,
			&res.Success,
			&res.ErrorText,
			&meta,
			&res.CreatedAt,
		); err != nil {
			return nil, err
		}
		res.Metadata = unmarshalMeta(meta)
		out = append(out, res)
	}
	return out, rows.Err()
}
