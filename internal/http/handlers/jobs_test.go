package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"visionpipe/internal/domain"
	"visionpipe/internal/storetest"
)

func newTestApp() (*App, *storetest.Store) {
	store := storetest.New()
	return NewApp(store, nil, zerolog.Nop()), store
}

func testRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/jobs", app.SubmitJob)
	r.Get("/v1/jobs/stale", app.StaleJobs)
	r.Get("/v1/jobs/{job_id}", app.GetJob)
	r.Get("/v1/jobs/{job_id}/progress", app.JobProgress)
	r.Get("/v1/jobs/{job_id}/metrics", app.JobMetrics)
	r.Get("/v1/jobs/{job_id}/errors", app.JobErrors)
	r.Get("/v1/jobs/{job_id}/history", app.JobHistory)
	r.Get("/v1/jobs/{job_id}/timeline", app.JobTimeline)
	return r
}

func TestSubmitJobCreatesPendingJob(t *testing.T) {
	app, store := newTestApp()
	body := `{
		"pipeline_id": "retail-audit",
		"stages": [
			{"prompt": "Is a storefront visible?", "prompt_kind": "boolean", "filter": "true_only"},
			{"prompt": "Describe the storefront.", "prompt_kind": "descriptive"}
		],
		"images": [
			{"id": "a", "storage_path": "batch/a.png"},
			{"id": "b", "storage_path": "batch/b.png"}
		]
	}`

	rec := httptest.NewRecorder()
	testRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("status = %q", resp.Status)
	}

	job, err := store.JobByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.PipelineID != "retail-audit" || len(job.Stages) != 2 || len(job.Images) != 2 {
		t.Fatalf("job = %+v", job)
	}
	if job.Stages[0].Order != 1 || job.Stages[1].Order != 2 {
		t.Fatalf("stage orders = %d, %d", job.Stages[0].Order, job.Stages[1].Order)
	}
	if job.Stages[0].Filter != domain.FilterTrueOnly || job.Stages[1].Filter != domain.FilterNone {
		t.Fatalf("filters = %q, %q", job.Stages[0].Filter, job.Stages[1].Filter)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	cases := map[string]string{
		"no stages":          `{"stages": [], "images": []}`,
		"empty prompt":       `{"stages": [{"prompt": "  "}], "images": []}`,
		"bad prompt kind":    `{"stages": [{"prompt": "x", "prompt_kind": "numeric"}], "images": []}`,
		"duplicate image id": `{"stages": [{"prompt": "x"}], "images": [{"id": "a"}, {"id": "a"}]}`,
		"empty image id":     `{"stages": [{"prompt": "x"}], "images": [{"id": ""}]}`,
		"not json":           `nope`,
	}
	app, _ := newTestApp()
	router := testRouter(app)
	for name, body := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	app, _ := newTestApp()
	rec := httptest.NewRecorder()
	testRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStaleJobsRejectsBadThreshold(t *testing.T) {
	app, _ := newTestApp()
	rec := httptest.NewRecorder()
	testRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/stale?older_than_minutes=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStaleJobsEmpty(t *testing.T) {
	app, _ := newTestApp()
	rec := httptest.NewRecorder()
	testRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/stale", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 0 {
		t.Fatalf("count = %d", resp.Count)
	}
}
