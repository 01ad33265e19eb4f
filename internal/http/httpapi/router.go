package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"visionpipe/internal/http/handlers"
	"visionpipe/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.SubmitJob)
		r.Get("/stale", app.StaleJobs)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", app.GetJob)
			r.Get("/progress", app.JobProgress)
			r.Get("/metrics", app.JobMetrics)
			r.Get("/errors", app.JobErrors)
			r.Get("/history", app.JobHistory)
			r.Get("/timeline", app.JobTimeline)
		})
	})

	return r
}
