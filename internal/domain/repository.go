package domain

import (
	"context"
	"time"
)

// Analysis is the normalized outcome of one vision call.
type Analysis struct {
	Success   bool
	Response  string
	ErrorText string
	Metadata  map[string]string
}

// AnalysisClient is the external vision capability invoked once per image
// per stage. Ordinary per-image failures (bad response, transient HTTP
// error, model refusal) must be reported through Analysis with
// Success=false; a non-nil error means the stage cannot proceed at all and
// aborts the job.
type AnalysisClient interface {
	Analyze(ctx context.Context, image ImageRef, prompt string, kind PromptKind) (Analysis, error)
}

// ResultStore persists jobs, per-image results and per-stage progress, and
// serves the read queries behind the monitoring surface. All writes must be
// safe to retry: results upsert on (job, stage, image), progress upserts on
// (job, stage), and the processed counter increments atomically.
type ResultStore interface {
	CreateJob(ctx context.Context, job *Job) error
	SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	AppendResult(ctx context.Context, result ProcessingResult) error
	UpsertStageProgress(ctx context.Context, progress StageProgress) error
	IncrementProcessed(ctx context.Context, jobID string, n int) error
	SaveSummary(ctx context.Context, jobID string, summary JobSummary) error

	JobByID(ctx context.Context, jobID string) (*Job, error)
	StageProgressByJob(ctx context.Context, jobID string) ([]StageProgress, error)
	ResultsByJob(ctx context.Context, jobID string) ([]ProcessingResult, error)
	// FailedResultsByJob returns failed results, oldest first. stageOrder 0
	// means all stages; limit 0 means no limit.
	FailedResultsByJob(ctx context.Context, jobID string, stageOrder, limit int) ([]ProcessingResult, error)
	// ProgressHistory returns progress snapshots recorded at or after since,
	// oldest first. stageOrder 0 means all stages.
	ProgressHistory(ctx context.Context, jobID string, stageOrder int, since time.Time) ([]StageProgress, error)
	// StaleJobs lists jobs stuck in processing longer than olderThan. It is
	// a hook for an external reaper; the engine never requeues on its own.
	StaleJobs(ctx context.Context, olderThan time.Duration) ([]Job, error)
}
