package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"visionpipe/internal/domain"
	"visionpipe/internal/storetest"
)

type fakeClient struct {
	mu    sync.Mutex
	fn    func(img domain.ImageRef, prompt string, kind domain.PromptKind) (domain.Analysis, error)
	calls int
}

func (c *fakeClient) Analyze(_ context.Context, img domain.ImageRef, prompt string, kind domain.PromptKind) (domain.Analysis, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fn != nil {
		return c.fn(img, prompt, kind)
	}
	return domain.Analysis{Success: true, Response: "ok"}, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestJob(t *testing.T, store *storetest.Store, stages []domain.Stage, images []domain.ImageRef) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:         "job-1",
		PipelineID: "pipeline-1",
		Stages:     stages,
		Images:     images,
		Status:     domain.JobStatusPending,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func newEngine(client domain.AnalysisClient, store domain.ResultStore, opts Options) *Engine {
	return New(client, store, zerolog.Nop(), opts)
}

func TestRunSinglePassThrough(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{{ID: "s1", Order: 1, Prompt: "Does the photo show a storefront?", Kind: domain.PromptKindBoolean, Filter: domain.FilterNone}},
		imageSet("a", "b", "c"),
	)

	if err := newEngine(client, store, Options{StageConcurrency: 1}).Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, err := store.JobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.ProcessedImages != 3 {
		t.Fatalf("processed_images = %d, want 3", got.ProcessedImages)
	}
	if got.Summary == nil || got.Summary.TotalResults != 3 || got.Summary.Successful != 3 || got.Summary.Failed != 0 {
		t.Fatalf("summary = %+v", got.Summary)
	}

	results, _ := store.ResultsByJob(context.Background(), job.ID)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	progress, _ := store.StageProgressByJob(context.Background(), job.ID)
	if len(progress) != 1 {
		t.Fatalf("stage progress rows = %d, want 1", len(progress))
	}
	if progress[0].Status != domain.StageStatusCompleted || progress[0].ProgressPercent != 100 {
		t.Fatalf("stage progress = %+v", progress[0])
	}
}

func TestRunBooleanFilterNarrowsSet(t *testing.T) {
	store := storetest.New()
	var mu sync.Mutex
	var secondStageImages []string
	client := &fakeClient{fn: func(img domain.ImageRef, prompt string, _ domain.PromptKind) (domain.Analysis, error) {
		if strings.Contains(prompt, "second") {
			mu.Lock()
			secondStageImages = append(secondStageImages, img.ID)
			mu.Unlock()
			return domain.Analysis{Success: true, Response: "described"}, nil
		}
		if img.ID == "a" || img.ID == "c" {
			return domain.Analysis{Success: true, Response: "true"}, nil
		}
		return domain.Analysis{Success: true, Response: "false"}, nil
	}}

	job := newTestJob(t, store,
		[]domain.Stage{
			{ID: "s1", Order: 1, Prompt: "Is a person visible?", Kind: domain.PromptKindBoolean, Filter: domain.FilterTrueOnly},
			{ID: "s2", Order: 2, Prompt: "Describe the second stage subject.", Kind: domain.PromptKindDescriptive, Filter: domain.FilterNone},
		},
		imageSet("a", "b", "c", "d"),
	)

	if err := newEngine(client, store, Options{StageConcurrency: 1}).Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !equalIDs(secondStageImages, []string{"a", "c"}) {
		t.Fatalf("stage 2 saw %v, want [a c] in original order", secondStageImages)
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	// 4 results in stage one plus 2 in stage two.
	if got.ProcessedImages != 6 {
		t.Fatalf("processed_images = %d, want 6", got.ProcessedImages)
	}
}

func TestRunStageWithoutPromptFailsJob(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{
			{ID: "s1", Order: 1, Prompt: "Is it daylight?", Kind: domain.PromptKindBoolean},
			{ID: "s2", Order: 2, Prompt: "   ", Kind: domain.PromptKindDescriptive},
			{ID: "s3", Order: 3, Prompt: "List visible objects.", Kind: domain.PromptKindKeyword},
		},
		imageSet("a", "b"),
	)

	err := newEngine(client, store, Options{StageConcurrency: 1}).Run(context.Background(), job)
	if !errors.Is(err, domain.ErrStageConfig) {
		t.Fatalf("Run error = %v, want ErrStageConfig", err)
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("error message should be populated")
	}

	// Stage one's results survive the abort.
	results, _ := store.ResultsByJob(context.Background(), job.ID)
	if len(results) != 2 {
		t.Fatalf("results = %d, want the 2 from stage one", len(results))
	}

	// No progress row for the stage after the failing one.
	progress, _ := store.StageProgressByJob(context.Background(), job.ID)
	for _, p := range progress {
		if p.StageOrder == 3 {
			t.Fatalf("stage 3 should never have started: %+v", p)
		}
	}
}

func TestRunAllImagesFailStillCompletes(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{fn: func(domain.ImageRef, string, domain.PromptKind) (domain.Analysis, error) {
		return domain.Analysis{Success: false, ErrorText: "model refused"}, nil
	}}
	job := newTestJob(t, store,
		[]domain.Stage{{ID: "s1", Order: 1, Prompt: "Any defects?", Kind: domain.PromptKindBoolean}},
		imageSet("a", "b", "c", "d", "e"),
	)

	if err := newEngine(client, store, Options{StageConcurrency: 1}).Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed despite failures", got.Status)
	}
	if got.Summary == nil || got.Summary.Failed != 5 || got.Summary.Successful != 0 {
		t.Fatalf("summary = %+v", got.Summary)
	}

	progress, _ := store.StageProgressByJob(context.Background(), job.ID)
	if progress[0].ErrorCount != 5 || progress[0].Status != domain.StageStatusCompleted {
		t.Fatalf("stage progress = %+v", progress[0])
	}
	if len(progress[0].FailedImageIDs) != 5 {
		t.Fatalf("failed_image_ids = %v", progress[0].FailedImageIDs)
	}
}

func TestRunProcessedImagesIsCumulativeAcrossStages(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{
			{ID: "s1", Order: 1, Prompt: "First pass.", Kind: domain.PromptKindDescriptive},
			{ID: "s2", Order: 2, Prompt: "Second pass.", Kind: domain.PromptKindDescriptive},
		},
		imageSet("a", "b", "c"),
	)

	if err := newEngine(client, store, Options{StageConcurrency: 2}).Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	progress, _ := store.StageProgressByJob(context.Background(), job.ID)
	sum := 0
	for _, p := range progress {
		sum += p.ImagesProcessed
	}
	if sum != got.ProcessedImages {
		t.Fatalf("sum of stage processed (%d) != job processed_images (%d)", sum, got.ProcessedImages)
	}
	if got.ProcessedImages != 6 {
		t.Fatalf("processed_images = %d, want 6", got.ProcessedImages)
	}
}

func TestRunRejectsNonContiguousStageOrders(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{
			{ID: "s1", Order: 1, Prompt: "One.", Kind: domain.PromptKindDescriptive},
			{ID: "s2", Order: 3, Prompt: "Three.", Kind: domain.PromptKindDescriptive},
		},
		imageSet("a"),
	)

	err := newEngine(client, store, Options{}).Run(context.Background(), job)
	if !errors.Is(err, domain.ErrStageConfig) {
		t.Fatalf("Run error = %v, want ErrStageConfig", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("no analysis call should happen for a malformed snapshot")
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestRunClientErrorAbortsJob(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{fn: func(domain.ImageRef, string, domain.PromptKind) (domain.Analysis, error) {
		return domain.Analysis{}, errors.New("credentials revoked")
	}}
	job := newTestJob(t, store,
		[]domain.Stage{{ID: "s1", Order: 1, Prompt: "Check.", Kind: domain.PromptKindBoolean}},
		imageSet("a", "b"),
	)

	err := newEngine(client, store, Options{StageConcurrency: 1}).Run(context.Background(), job)
	if err == nil {
		t.Fatalf("Run should propagate an unrecoverable client error")
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	progress, _ := store.StageProgressByJob(context.Background(), job.ID)
	if len(progress) != 1 || progress[0].Status != domain.StageStatusFailed {
		t.Fatalf("stage progress = %+v", progress)
	}
}

func TestRunCancelledContextReachesTerminalState(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{{ID: "s1", Order: 1, Prompt: "Check.", Kind: domain.PromptKindBoolean}},
		imageSet("a"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newEngine(client, store, Options{}).Run(ctx, job)
	if err == nil {
		t.Fatalf("Run should report the cancellation")
	}

	got, _ := store.JobByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed even when the context is gone", got.Status)
	}
}

func TestRunStatusTransitionsAreOneDirectional(t *testing.T) {
	store := storetest.New()
	client := &fakeClient{}
	job := newTestJob(t, store,
		[]domain.Stage{{ID: "s1", Order: 1, Prompt: "Check.", Kind: domain.PromptKindBoolean}},
		imageSet("a"),
	)

	if err := newEngine(client, store, Options{}).Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	history := store.StatusHistory(job.ID)
	want := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted}
	if len(history) != len(want) {
		t.Fatalf("status history = %v, want %v", history, want)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("status history = %v, want %v", history, want)
		}
	}
}
