package domain

import "time"

// JobStatus enumerates the job lifecycle states. Transitions are
// one-directional: pending -> processing -> {completed, failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one request to run a pipeline snapshot over a set of images. The
// stage list and image set are resolved before the job is handed to the
// engine and are read-only from that point on.
type Job struct {
	ID              string
	PipelineID      string
	Stages          []Stage
	Images          []ImageRef
	Status          JobStatus
	ProcessedImages int
	ErrorMessage    string
	Summary         *JobSummary
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// JobSummary aggregates result counts once a job reaches a terminal state.
type JobSummary struct {
	TotalResults  int `json:"total_results"`
	Successful    int `json:"successful"`
	Failed        int `json:"failed"`
	StagesTouched int `json:"stages_touched"`
}
