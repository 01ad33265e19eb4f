package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"visionpipe/internal/domain"
)

const (
	defaultStageConcurrency = 4
	defaultAnalyzeTimeout   = 60 * time.Second
)

// Options tunes per-stage behavior. The zero value gets sane defaults.
type Options struct {
	// StageConcurrency bounds concurrent analysis calls within one stage.
	// 1 means strictly sequential processing.
	StageConcurrency int
	// AnalyzeTimeout caps a single analysis call. A timed-out call is
	// recorded as a failed result, not an aborted stage.
	AnalyzeTimeout time.Duration
}

// Engine drives one job through its pipeline snapshot: stages strictly in
// order, the image set narrowed between stages by the stage's filter rule,
// all state persisted through the injected store. Run is not idempotent;
// callers must guarantee single-flight per job id.
type Engine struct {
	client           domain.AnalysisClient
	store            domain.ResultStore
	logger           zerolog.Logger
	stageConcurrency int
	analyzeTimeout   time.Duration
}

// New constructs an engine with explicit collaborators.
func New(client domain.AnalysisClient, store domain.ResultStore, logger zerolog.Logger, opts Options) *Engine {
	concurrency := opts.StageConcurrency
	if concurrency <= 0 {
		concurrency = defaultStageConcurrency
	}
	timeout := opts.AnalyzeTimeout
	if timeout <= 0 {
		timeout = defaultAnalyzeTimeout
	}
	return &Engine{
		client:           client,
		store:            store,
		logger:           logger,
		stageConcurrency: concurrency,
		analyzeTimeout:   timeout,
	}
}

// Run executes the job to a terminal state. The returned error mirrors what
// was persisted; callers observe the outcome through the store, not the
// return value. Partial results written before a failure are retained.
func (e *Engine) Run(ctx context.Context, job *domain.Job) error {
	log := e.logger.With().Str("job_id", job.ID).Logger()

	stages, err := orderedStages(job.Stages)
	if err != nil {
		return e.failJob(ctx, log, job.ID, err)
	}

	if err := e.store.SetJobStatus(ctx, job.ID, domain.JobStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	log.Info().Int("stages", len(stages)).Int("images", len(job.Images)).Msg("engine: job started")

	images := job.Images
	var all []domain.ProcessingResult
	stagesTouched := 0

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return e.failJob(ctx, log, job.ID, fmt.Errorf("job cancelled before stage %d: %w", stage.Order, err))
		}

		results, progress, err := e.runStage(ctx, job, stage, images)
		stagesTouched++
		if err != nil {
			return e.failJob(ctx, log, job.ID, fmt.Errorf("stage %d: %w", stage.Order, err))
		}

		all = append(all, results...)
		e.incrementProcessed(ctx, log, job.ID, len(results))

		next := ApplyFilter(images, results, stage.Filter)
		log.Info().
			Int("stage_order", stage.Order).
			Int("processed", progress.ImagesProcessed).
			Int("errors", progress.ErrorCount).
			Int("images_out", len(next)).
			Msg("engine: stage completed")
		images = next
	}

	summary := summarize(all, stagesTouched)
	if err := e.store.SaveSummary(ctx, job.ID, summary); err != nil {
		log.Error().Err(err).Msg("engine: persist summary failed")
	}
	if err := e.store.SetJobStatus(ctx, job.ID, domain.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	log.Info().
		Int("total_results", summary.TotalResults).
		Int("failed", summary.Failed).
		Msg("engine: job completed")
	return nil
}

// failJob marks the job failed, keeping any partial progress. The write uses
// a detached context so a cancelled job still reaches a terminal state.
func (e *Engine) failJob(ctx context.Context, log zerolog.Logger, jobID string, cause error) error {
	log.Error().Err(cause).Msg("engine: job failed")
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.SetJobStatus(persistCtx, jobID, domain.JobStatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Msg("engine: persist failed status failed")
	}
	return cause
}

func (e *Engine) incrementProcessed(ctx context.Context, log zerolog.Logger, jobID string, n int) {
	if n == 0 {
		return
	}
	if err := e.store.IncrementProcessed(ctx, jobID, n); err != nil {
		log.Warn().Err(err).Msg("engine: increment processed count failed, retrying")
		if err := e.store.IncrementProcessed(ctx, jobID, n); err != nil {
			log.Error().Err(err).Msg("engine: increment processed count dropped")
		}
	}
}

// orderedStages validates the snapshot and returns stages sorted by order.
// Orders must be exactly 1..n with no gaps or duplicates.
func orderedStages(stages []domain.Stage) ([]domain.Stage, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline snapshot has no stages", domain.ErrStageConfig)
	}
	sorted := append([]domain.Stage(nil), stages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i, stage := range sorted {
		if stage.Order != i+1 {
			return nil, fmt.Errorf("%w: stage orders must be contiguous from 1, got %d at position %d", domain.ErrStageConfig, stage.Order, i+1)
		}
	}
	return sorted, nil
}

func summarize(results []domain.ProcessingResult, stagesTouched int) domain.JobSummary {
	summary := domain.JobSummary{
		TotalResults:  len(results),
		StagesTouched: stagesTouched,
	}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return summary
}
