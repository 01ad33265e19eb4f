// Package storetest provides an in-memory domain.ResultStore for package
// tests. It mirrors the persistence semantics of the Postgres store:
// idempotent result upserts keyed by (job, stage, image), progress upserts
// that also append to a snapshot log, and atomic counter increments.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"visionpipe/internal/domain"
)

type Store struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	updatedAt map[string]time.Time
	results   map[string]domain.ProcessingResult
	order     []string
	progress  map[string]domain.StageProgress
	history   []domain.StageProgress
	statuses  map[string][]domain.JobStatus

	// FailWrites, when set, makes every write method return an error. Used
	// to exercise the engine's best-effort persistence path.
	FailWrites bool
}

func New() *Store {
	return &Store{
		jobs:      make(map[string]*domain.Job),
		updatedAt: make(map[string]time.Time),
		results:   make(map[string]domain.ProcessingResult),
		progress:  make(map[string]domain.StageProgress),
		statuses:  make(map[string][]domain.JobStatus),
	}
}

func resultKey(jobID, stageID, imageID string) string {
	return jobID + "|" + stageID + "|" + imageID
}

func progressKey(jobID, stageID string) string {
	return jobID + "|" + stageID
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	copied := *job
	s.jobs[job.ID] = &copied
	s.updatedAt[job.ID] = time.Now().UTC()
	s.statuses[job.ID] = append(s.statuses[job.ID], job.Status)
	return nil
}

func (s *Store) SetJobStatus(_ context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = status
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	s.updatedAt[jobID] = time.Now().UTC()
	s.statuses[jobID] = append(s.statuses[jobID], status)
	return nil
}

func (s *Store) AppendResult(_ context.Context, result domain.ProcessingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	key := resultKey(result.JobID, result.StageID, result.ImageID)
	if _, exists := s.results[key]; !exists {
		s.order = append(s.order, key)
	}
	s.results[key] = result
	return nil
}

func (s *Store) UpsertStageProgress(_ context.Context, progress domain.StageProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	snapshot := progress.Clone()
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	s.progress[progressKey(progress.JobID, progress.StageID)] = snapshot
	s.history = append(s.history, snapshot)
	return nil
}

func (s *Store) IncrementProcessed(_ context.Context, jobID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.ProcessedImages += n
	s.updatedAt[jobID] = time.Now().UTC()
	return nil
}

func (s *Store) SaveSummary(_ context.Context, jobID string, summary domain.JobSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("storetest: write disabled")
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	copied := summary
	job.Summary = &copied
	return nil
}

func (s *Store) JobByID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *Store) StageProgressByJob(_ context.Context, jobID string) ([]domain.StageProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StageProgress
	for _, p := range s.progress {
		if p.JobID == jobID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageOrder < out[j].StageOrder })
	return out, nil
}

func (s *Store) ResultsByJob(_ context.Context, jobID string) ([]domain.ProcessingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProcessingResult
	for _, key := range s.order {
		if r := s.results[key]; r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) FailedResultsByJob(_ context.Context, jobID string, stageOrder, limit int) ([]domain.ProcessingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := s.stageOrdersLocked(jobID)
	var out []domain.ProcessingResult
	for _, key := range s.order {
		r := s.results[key]
		if r.JobID != jobID || r.Success {
			continue
		}
		if stageOrder > 0 && orders[r.StageID] != stageOrder {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ProgressHistory(_ context.Context, jobID string, stageOrder int, since time.Time) ([]domain.StageProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StageProgress
	for _, p := range s.history {
		if p.JobID != jobID {
			continue
		}
		if stageOrder > 0 && p.StageOrder != stageOrder {
			continue
		}
		if p.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *Store) StaleJobs(_ context.Context, olderThan time.Duration) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []domain.Job
	for id, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && s.updatedAt[id].Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

// Snapshots returns every progress write recorded for a (job, stage) pair in
// write order, letting tests assert monotonicity of observed counters.
func (s *Store) Snapshots(jobID, stageID string) []domain.StageProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StageProgress
	for _, p := range s.history {
		if p.JobID == jobID && p.StageID == stageID {
			out = append(out, p.Clone())
		}
	}
	return out
}

// StatusHistory returns every status a job has passed through, in order.
func (s *Store) StatusHistory(jobID string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobStatus(nil), s.statuses[jobID]...)
}

func (s *Store) stageOrdersLocked(jobID string) map[string]int {
	orders := make(map[string]int)
	if job, ok := s.jobs[jobID]; ok {
		for _, stage := range job.Stages {
			orders[stage.ID] = stage.Order
		}
	}
	return orders
}

var _ domain.ResultStore = (*Store)(nil)
