package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"visionpipe/internal/domain"
)

type submitStage struct {
	Prompt     string `json:"prompt"`
	PromptKind string `json:"prompt_kind"`
	Filter     string `json:"filter"`
}

type submitImage struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
}

type submitJobRequest struct {
	PipelineID string        `json:"pipeline_id"`
	Stages     []submitStage `json:"stages"`
	Images     []submitImage `json:"images"`
}

type submitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitJob accepts a pipeline run: an ordered list of prompt stages plus
// the image batch the first stage starts from. The job is persisted as
// pending; a worker claims and runs it.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if len(req.Stages) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "at least one stage is required")
		return
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		PipelineID: req.PipelineID,
		Status:     domain.JobStatusPending,
	}
	if job.PipelineID == "" {
		job.PipelineID = job.ID
	}

	for i, s := range req.Stages {
		prompt := strings.TrimSpace(s.Prompt)
		if prompt == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "stage prompt must not be empty")
			return
		}
		kind, ok := parsePromptKind(s.PromptKind)
		if !ok {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown prompt_kind: "+s.PromptKind)
			return
		}
		job.Stages = append(job.Stages, domain.Stage{
			ID:     uuid.NewString(),
			Order:  i + 1,
			Prompt: prompt,
			Kind:   kind,
			Filter: domain.ParseFilterRule(s.Filter),
		})
	}

	seen := make(map[string]struct{}, len(req.Images))
	for _, img := range req.Images {
		if img.ID == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "image id must not be empty")
			return
		}
		if _, dup := seen[img.ID]; dup {
			a.error(w, http.StatusBadRequest, "bad_request", "duplicate image id: "+img.ID)
			return
		}
		seen[img.ID] = struct{}{}
		job.Images = append(job.Images, domain.ImageRef{ID: img.ID, StoragePath: img.StoragePath})
	}

	if err := a.Store.CreateJob(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("handlers: create job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	a.json(w, http.StatusAccepted, submitJobResponse{JobID: job.ID, Status: string(job.Status)})
}

func parsePromptKind(s string) (domain.PromptKind, bool) {
	switch domain.PromptKind(strings.ToLower(strings.TrimSpace(s))) {
	case domain.PromptKindBoolean:
		return domain.PromptKindBoolean, true
	case domain.PromptKindKeyword:
		return domain.PromptKindKeyword, true
	case domain.PromptKindDescriptive, domain.PromptKind(""):
		return domain.PromptKindDescriptive, true
	}
	return "", false
}

// GetJob returns the job record with its stages, image set and summary.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
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
	a.json(w, http.StatusOK, job)
}

// StaleJobs lists processing jobs without a write inside the threshold,
// for operators chasing stuck runs.
func (a *App) StaleJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * time.Minute
	if raw := r.URL.Query().Get("older_than_minutes"); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins < 1 {
			a.error(w, http.StatusBadRequest, "bad_request", "older_than_minutes must be a positive integer")
			return
		}
		olderThan = time.Duration(mins) * time.Minute
	}
	jobs, err := a.Store.StaleJobs(r.Context(), olderThan)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: stale job scan failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list stale jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
