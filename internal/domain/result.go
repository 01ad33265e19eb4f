package domain

import "time"

// ProcessingResult is the outcome of applying one stage's prompt to one
// image. Records are append-only: a retried attempt is a new record keyed by
// the same (job, stage, image) triple, never an in-place mutation. One more
// result written means one more unit of progress.
type ProcessingResult struct {
	JobID     string            `json:"job_id"`
	StageID   string            `json:"stage_id"`
	ImageID   string            `json:"image_id"`
	Response  string            `json:"response"`
	Success   bool              `json:"success"`
	ErrorText string            `json:"error_text,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
