// Package metrics derives the monitoring read surface from persisted jobs,
// results and progress records. It owns no state of its own; every answer is
// computed on demand from the store.
package metrics

import (
	"context"
	"fmt"
	"time"

	"visionpipe/internal/domain"
)

// Aggregator answers monitoring queries over the result store. It never
// participates in the execution path.
type Aggregator struct {
	store domain.ResultStore
}

func New(store domain.ResultStore) *Aggregator {
	return &Aggregator{store: store}
}

// JobProgressReport is the live view of a job's stages plus an overall
// percentage. The overall figure is the image-weighted average across
// stages: larger stages move the number more.
type JobProgressReport struct {
	JobID          string                 `json:"job_id"`
	Status         domain.JobStatus       `json:"status"`
	OverallPercent int                    `json:"overall_percent"`
	Stages         []domain.StageProgress `json:"stages"`
}

// JobProgress returns the current progress of every stage that has started.
func (a *Aggregator) JobProgress(ctx context.Context, jobID string) (*JobProgressReport, error) {
	job, err := a.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	stages, err := a.store.StageProgressByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load stage progress: %w", err)
	}
	return &JobProgressReport{
		JobID:          jobID,
		Status:         job.Status,
		OverallPercent: OverallPercent(stages),
		Stages:         stages,
	}, nil
}

// OverallPercent computes the image-weighted progress across stages.
func OverallPercent(stages []domain.StageProgress) int {
	total, processed := 0, 0
	for _, s := range stages {
		total += s.ImagesTotal
		processed += s.ImagesProcessed
	}
	if total == 0 {
		return 0
	}
	return int(float64(processed) / float64(total) * 100)
}

// StageMetrics summarizes one stage's results.
type StageMetrics struct {
	StageID        string  `json:"stage_id"`
	StageOrder     int     `json:"stage_order"`
	Status         string  `json:"status"`
	TotalResults   int     `json:"total_results"`
	Successful     int     `json:"successful"`
	ErrorCount     int     `json:"error_count"`
	SuccessRate    float64 `json:"success_rate"`
	AvgImageTimeMS float64 `json:"avg_image_time_ms"`
}

// ExecutionMetrics is the job-level rollup served to analytics callers.
type ExecutionMetrics struct {
	JobID                string         `json:"job_id"`
	TotalStages          int            `json:"total_stages"`
	CompletedStages      int            `json:"completed_stages"`
	FailedStages         int            `json:"failed_stages"`
	TotalImagesProcessed int            `json:"total_images_processed"`
	TotalErrors          int            `json:"total_errors"`
	TotalExecutionMS     int64          `json:"total_execution_ms"`
	AvgStageTimeMS       float64        `json:"avg_stage_time_ms"`
	Stages               []StageMetrics `json:"stages"`
}

// JobExecutionMetrics computes per-stage success rates and job-level totals.
// Average per-image time is derived from the stage's wall time divided by
// the images it processed.
func (a *Aggregator) JobExecutionMetrics(ctx context.Context, jobID string) (*ExecutionMetrics, error) {
	job, err := a.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	progress, err := a.store.StageProgressByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load stage progress: %w", err)
	}
	results, err := a.store.ResultsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}

	byStage := make(map[string][]domain.ProcessingResult)
	for _, r := range results {
		byStage[r.StageID] = append(byStage[r.StageID], r)
	}

	out := &ExecutionMetrics{
		JobID:                jobID,
		TotalStages:          len(job.Stages),
		TotalImagesProcessed: job.ProcessedImages,
	}

	var stageTimeSum int64
	for _, p := range progress {
		switch p.Status {
		case domain.StageStatusCompleted:
			out.CompletedStages++
		case domain.StageStatusFailed:
			out.FailedStages++
		}
		out.TotalErrors += p.ErrorCount
		stageTimeSum += p.ExecutionTimeMS

		stageResults := byStage[p.StageID]
		successful := 0
		for _, r := range stageResults {
			if r.Success {
				successful++
			}
		}
		m := StageMetrics{
			StageID:      p.StageID,
			StageOrder:   p.StageOrder,
			Status:       string(p.Status),
			TotalResults: len(stageResults),
			Successful:   successful,
			ErrorCount:   p.ErrorCount,
		}
		if len(stageResults) > 0 {
			m.SuccessRate = float64(successful) / float64(len(stageResults))
		}
		if p.ImagesProcessed > 0 {
			m.AvgImageTimeMS = float64(p.ExecutionTimeMS) / float64(p.ImagesProcessed)
		}
		out.Stages = append(out.Stages, m)
	}

	if len(progress) > 0 {
		out.AvgStageTimeMS = float64(stageTimeSum) / float64(len(progress))
	}
	if job.CompletedAt != nil && !job.CreatedAt.IsZero() {
		out.TotalExecutionMS = job.CompletedAt.Sub(job.CreatedAt).Milliseconds()
	}
	return out, nil
}

// StageError is one failed analysis enriched with a classification code.
type StageError struct {
	ImageID   string    `json:"image_id"`
	StageID   string    `json:"stage_id"`
	Type      string    `json:"type"`
	ErrorText string    `json:"error_text"`
	At        time.Time `json:"at"`
}

// ErrorReport is a filtered error list with a count-by-type breakdown.
type ErrorReport struct {
	JobID  string         `json:"job_id"`
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
	Errors []StageError   `json:"errors"`
}

// StageErrors lists failed results for a job, optionally narrowed to one
// stage order and capped at limit.
func (a *Aggregator) StageErrors(ctx context.Context, jobID string, stageOrder, limit int) (*ErrorReport, error) {
	failed, err := a.store.FailedResultsByJob(ctx, jobID, stageOrder, limit)
	if err != nil {
		return nil, fmt.Errorf("load failed results: %w", err)
	}
	report := &ErrorReport{
		JobID:  jobID,
		Total:  len(failed),
		ByType: make(map[string]int),
		Errors: make([]StageError, 0, len(failed)),
	}
	for _, r := range failed {
		kind := ClassifyError(r.ErrorText)
		report.ByType[kind]++
		report.Errors = append(report.Errors, StageError{
			ImageID:   r.ImageID,
			StageID:   r.StageID,
			Type:      kind,
			ErrorText: r.ErrorText,
			At:        r.CreatedAt,
		})
	}
	return report, nil
}

// ProgressHistory returns progress snapshots within the trailing window,
// oldest first, for charting.
func (a *Aggregator) ProgressHistory(ctx context.Context, jobID string, stageOrder, hoursBack int) ([]domain.StageProgress, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hoursBack) * time.Hour)
	history, err := a.store.ProgressHistory(ctx, jobID, stageOrder, since)
	if err != nil {
		return nil, fmt.Errorf("load progress history: %w", err)
	}
	return history, nil
}
