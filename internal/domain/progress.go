package domain

import "time"

// StageStatus enumerates the lifecycle of one stage within one job.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// StageProgress holds the live counters for one (job, stage) pair. It is
// created when the stage starts, updated after every image finishes, and
// becomes terminal when the stage's image loop ends. ImagesProcessed is
// monotonically non-decreasing and never exceeds ImagesTotal.
type StageProgress struct {
	JobID           string            `json:"job_id"`
	StageID         string            `json:"stage_id"`
	StageOrder      int               `json:"stage_order"`
	Status          StageStatus       `json:"status"`
	ImagesTotal     int               `json:"images_total"`
	ImagesProcessed int               `json:"images_processed"`
	ProgressPercent int               `json:"progress_percent"`
	ErrorCount      int               `json:"error_count"`
	LastError       string            `json:"last_error,omitempty"`
	FailedImageIDs  []string          `json:"failed_image_ids,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so a snapshot can be persisted while the
// original keeps being mutated under the stage runner's lock.
func (p StageProgress) Clone() StageProgress {
	out := p
	if p.FailedImageIDs != nil {
		out.FailedImageIDs = append([]string(nil), p.FailedImageIDs...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
