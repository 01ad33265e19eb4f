package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"visionpipe/internal/domain"
	"visionpipe/internal/metrics"
)

// JobProgress serves live per-stage progress. While a job is running the
// Redis cache usually answers; on a miss the store is authoritative.
func (a *App) JobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Store.JobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: load job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	stages, err := a.Cache.JobProgress(r.Context(), jobID)
	if err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("handlers: progress cache read failed")
		stages = nil
	}
	if len(stages) == 0 {
		stages, err = a.Store.StageProgressByJob(r.Context(), jobID)
		if err != nil {
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: load stage progress failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to load progress")
			return
		}
	}
	if stages == nil {
		stages = []domain.StageProgress{}
	}

	a.json(w, http.StatusOK, metrics.JobProgressReport{
		JobID:          jobID,
		Status:         job.Status,
		OverallPercent: metrics.OverallPercent(stages),
		Stages:         stages,
	})
}

// JobMetrics serves the per-stage and job-level execution rollup.
func (a *App) JobMetrics(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	report, err := a.Metrics.JobExecutionMetrics(r.Context(), jobID)
	if err != nil {
		a.respondMetricsError(w, jobID, err, "failed to compute metrics")
		return
	}
	a.json(w, http.StatusOK, report)
}

// JobErrors lists failed image results, optionally filtered by stage and
// capped by limit.
func (a *App) JobErrors(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	stageOrder, ok := a.queryInt(w, r, "stage", 0)
	if !ok {
		return
	}
	limit, ok := a.queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	report, err := a.Metrics.StageErrors(r.Context(), jobID, stageOrder, limit)
	if err != nil {
		a.respondMetricsError(w, jobID, err, "failed to list errors")
		return
	}
	a.json(w, http.StatusOK, report)
}

// JobHistory serves logged progress snapshots within a lookback window.
func (a *App) JobHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	stageOrder, ok := a.queryInt(w, r, "stage", 0)
	if !ok {
		return
	}
	hoursBack, ok := a.queryInt(w, r, "hours", 24)
	if !ok {
		return
	}
	history, err := a.Metrics.ProgressHistory(r.Context(), jobID, stageOrder, hoursBack)
	if err != nil {
		a.respondMetricsError(w, jobID, err, "failed to load history")
		return
	}
	if history == nil {
		history = []domain.StageProgress{}
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": jobID, "snapshots": history})
}

// JobTimeline serves the job's lifecycle events in chronological order.
func (a *App) JobTimeline(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	events, err := a.Metrics.Timeline(r.Context(), jobID)
	if err != nil {
		a.respondMetricsError(w, jobID, err, "failed to build timeline")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": jobID, "events": events})
}

func (a *App) respondMetricsError(w http.ResponseWriter, jobID string, err error, message string) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: " + message)
	a.error(w, http.StatusInternalServerError, "internal", message)
}

func (a *App) queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
