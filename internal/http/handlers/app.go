// Package handlers holds the monitoring API surface. Handlers stay thin:
// validation and JSON shaping here, everything else in the store, metrics
// aggregator and cache.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"visionpipe/internal/adapter/cache"
	"visionpipe/internal/domain"
	"visionpipe/internal/metrics"
)

type App struct {
	Store   domain.ResultStore
	Metrics *metrics.Aggregator
	Cache   *cache.ProgressCache
	Logger  zerolog.Logger
}

func NewApp(store domain.ResultStore, progressCache *cache.ProgressCache, logger zerolog.Logger) *App {
	return &App{
		Store:   store,
		Metrics: metrics.New(store),
		Cache:   progressCache,
		Logger:  logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}
