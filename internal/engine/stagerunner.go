package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"visionpipe/internal/domain"
)

// runStage processes every image in the set with bounded concurrency.
// Per-image failures are isolated: they become failed results and the loop
// keeps going. The stage itself fails only when it cannot be attempted at
// all (missing prompt) or when the analysis client reports an unrecoverable
// error; either aborts the whole job.
func (e *Engine) runStage(ctx context.Context, job *domain.Job, stage domain.Stage, images []domain.ImageRef) ([]domain.ProcessingResult, domain.StageProgress, error) {
	log := e.logger.With().Str("job_id", job.ID).Int("stage_order", stage.Order).Logger()
	start := time.Now()

	progress := domain.StageProgress{
		JobID:       job.ID,
		StageID:     stage.ID,
		StageOrder:  stage.Order,
		Status:      domain.StageStatusProcessing,
		ImagesTotal: len(images),
		UpdatedAt:   time.Now().UTC(),
	}

	if strings.TrimSpace(stage.Prompt) == "" {
		progress.Status = domain.StageStatusFailed
		progress.LastError = "stage has no prompt configured"
		e.persistProgress(ctx, log, progress)
		return nil, progress, fmt.Errorf("%w: no prompt configured", domain.ErrStageConfig)
	}

	if len(images) == 0 {
		progress.Status = domain.StageStatusCompleted
		progress.ProgressPercent = 100
		progress.ExecutionTimeMS = time.Since(start).Milliseconds()
		e.persistProgress(ctx, log, progress)
		return nil, progress, nil
	}

	e.persistProgress(ctx, log, progress)

	var (
		mu      sync.Mutex
		results = make([]domain.ProcessingResult, 0, len(images))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.stageConcurrency)

	for _, img := range images {
		img := img
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			analysis, err := e.analyze(gctx, img, stage)
			if err != nil {
				return fmt.Errorf("analyze image %s: %w", img.ID, err)
			}

			result := domain.ProcessingResult{
				JobID:     job.ID,
				StageID:   stage.ID,
				ImageID:   img.ID,
				Response:  analysis.Response,
				Success:   analysis.Success,
				ErrorText: analysis.ErrorText,
				Metadata:  resultMetadata(stage.Kind, analysis.Metadata),
				CreatedAt: time.Now().UTC(),
			}
			e.persistResult(gctx, log, result)

			// Counter updates and the progress write happen under one lock
			// so observed snapshots never regress.
			mu.Lock()
			results = append(results, result)
			progress.ImagesProcessed++
			progress.ProgressPercent = percent(progress.ImagesProcessed, progress.ImagesTotal)
			if !result.Success {
				progress.ErrorCount++
				progress.LastError = result.ErrorText
				progress.FailedImageIDs = append(progress.FailedImageIDs, img.ID)
			}
			progress.UpdatedAt = time.Now().UTC()
			e.persistProgress(gctx, log, progress.Clone())
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		mu.Lock()
		progress.Status = domain.StageStatusFailed
		progress.LastError = err.Error()
		progress.ExecutionTimeMS = time.Since(start).Milliseconds()
		progress.UpdatedAt = time.Now().UTC()
		snapshot := progress.Clone()
		partial := append([]domain.ProcessingResult(nil), results...)
		mu.Unlock()

		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		e.persistProgress(persistCtx, log, snapshot)
		return partial, snapshot, err
	}

	progress.Status = domain.StageStatusCompleted
	progress.ExecutionTimeMS = time.Since(start).Milliseconds()
	progress.UpdatedAt = time.Now().UTC()
	e.persistProgress(ctx, log, progress.Clone())
	return results, progress, nil
}

// analyze wraps one client call with the per-call timeout. A timed-out call
// is an ordinary failure so it still produces a result; a cancelled job
// propagates as an error.
func (e *Engine) analyze(ctx context.Context, img domain.ImageRef, stage domain.Stage) (domain.Analysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.analyzeTimeout)
	defer cancel()

	analysis, err := e.client.Analyze(callCtx, img, stage.Prompt, stage.Kind)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Analysis{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Analysis{
				Success:   false,
				ErrorText: fmt.Sprintf("analysis timed out after %s", e.analyzeTimeout),
			}, nil
		}
		return domain.Analysis{}, err
	}
	return analysis, nil
}

// persistResult writes a result best-effort: one retry, then log and move
// on. A dropped write understates progress but never fails the job.
func (e *Engine) persistResult(ctx context.Context, log zerolog.Logger, result domain.ProcessingResult) {
	if err := e.store.AppendResult(ctx, result); err != nil {
		log.Warn().Err(err).Str("image_id", result.ImageID).Msg("engine: append result failed, retrying")
		if err := e.store.AppendResult(ctx, result); err != nil {
			log.Error().Err(err).Str("image_id", result.ImageID).Msg("engine: append result dropped")
		}
	}
}

func (e *Engine) persistProgress(ctx context.Context, log zerolog.Logger, progress domain.StageProgress) {
	if err := e.store.UpsertStageProgress(ctx, progress); err != nil {
		log.Warn().Err(err).Msg("engine: upsert stage progress failed, retrying")
		if err := e.store.UpsertStageProgress(ctx, progress); err != nil {
			log.Error().Err(err).Msg("engine: upsert stage progress dropped")
		}
	}
}

func resultMetadata(kind domain.PromptKind, clientMeta map[string]string) map[string]string {
	meta := map[string]string{"prompt_kind": string(kind)}
	for k, v := range clientMeta {
		meta[k] = v
	}
	return meta
}

func percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
