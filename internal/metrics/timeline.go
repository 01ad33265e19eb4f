package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"visionpipe/internal/domain"
)

// Timeline event types.
const (
	EventStarted        = "started"
	EventStageCompleted = "stage_completed"
	EventCompleted      = "completed"
	EventFailed         = "failed"
)

// TimelineEvent is one discrete point in a job's execution history.
type TimelineEvent struct {
	Type       string    `json:"type"`
	StageOrder int       `json:"stage_order,omitempty"`
	At         time.Time `json:"at"`
	Detail     string    `json:"detail,omitempty"`
}

// Timeline derives a chronological event sequence for a job by merging its
// timestamps with the latest result timestamp per stage. Nothing here is
// separately persisted.
func (a *Aggregator) Timeline(ctx context.Context, jobID string) ([]TimelineEvent, error) {
	job, err := a.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	results, err := a.store.ResultsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}

	events := []TimelineEvent{{Type: EventStarted, At: job.CreatedAt}}

	orderByStage := make(map[string]int, len(job.Stages))
	for _, stage := range job.Stages {
		orderByStage[stage.ID] = stage.Order
	}
	lastByStage := make(map[string]time.Time)
	for _, r := range results {
		if r.CreatedAt.After(lastByStage[r.StageID]) {
			lastByStage[r.StageID] = r.CreatedAt
		}
	}
	for stageID, at := range lastByStage {
		events = append(events, TimelineEvent{
			Type:       EventStageCompleted,
			StageOrder: orderByStage[stageID],
			At:         at,
		})
	}

	if job.CompletedAt != nil {
		kind := EventCompleted
		detail := ""
		if job.Status == domain.JobStatusFailed {
			kind = EventFailed
			detail = job.ErrorMessage
		}
		events = append(events, TimelineEvent{Type: kind, At: *job.CompletedAt, Detail: detail})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}
