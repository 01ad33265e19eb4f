package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"visionpipe/internal/adapter/cache"
	"visionpipe/internal/adapter/repo"
	"visionpipe/internal/domain"
	"visionpipe/internal/engine"
	"visionpipe/internal/infra"
	"visionpipe/internal/providers/vision"
	"visionpipe/internal/sqlinline"
	"visionpipe/internal/storage"
)

var errNoJobAvailable = errors.New("no job available")

type jobWorker struct {
	runner *infra.SQLRunner
	store  domain.ResultStore
	engine *engine.Engine
	logger infra.Logger
	poll   time.Duration
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	var progressCache *cache.ProgressCache
	if cfg.RedisAddr != "" {
		progressCache = cache.New(cfg.RedisAddr)
		defer progressCache.Close()
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	client, err := vision.NewClient(vision.Options{
		APIKey:  strings.TrimSpace(cfg.GeminiAPIKey),
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
		Images:  fileStore,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure vision client")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		logger.Warn().Str("model", cfg.GeminiModel).Msg("worker: gemini api key missing, using synthetic analysis")
	}

	store := repo.NewStore(pool, progressCache, logger)
	eng := engine.New(client, store, logger, engine.Options{
		StageConcurrency: cfg.StageConcurrency,
		AnalyzeTimeout:   cfg.AnalyzeTimeout,
	})

	worker := &jobWorker{
		runner: infra.NewSQLRunner(pool, logger),
		store:  store,
		engine: eng,
		logger: logger,
		poll:   cfg.ClaimPollInterval,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerSlots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			worker.Run(ctx, slot)
		}(i)
	}
	wg.Wait()
	logger.Info().Msg("worker: stopped")
}

// Run claims and executes jobs until the context is cancelled. Each slot is
// an independent claim loop; Postgres row locking keeps them from picking
// the same job.
func (w *jobWorker) Run(ctx context.Context, slot int) {
	w.logger.Info().Int("slot", slot).Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := w.claimJob(ctx)
		if err != nil {
			if errors.Is(err, errNoJobAvailable) {
				w.sleep(ctx)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Int("slot", slot).Msg("worker: failed to claim job")
			w.sleep(ctx)
			continue
		}

		w.handleJob(ctx, slot, jobID)
	}
}

func (w *jobWorker) handleJob(ctx context.Context, slot int, jobID string) {
	w.logger.Info().Int("slot", slot).Str("job_id", jobID).Msg("worker: picked job")
	job, err := w.store.JobByID(ctx, jobID)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: failed to load claimed job")
		return
	}
	if err := w.engine.Run(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: job failed")
		return
	}
	w.logger.Info().Str("job_id", jobID).Msg("worker: job completed")
}

func (w *jobWorker) claimJob(ctx context.Context) (string, error) {
	row := w.runner.QueryRow(ctx, sqlinline.QClaimJob)
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if infra.IsNoRows(err) {
			return "", errNoJobAvailable
		}
		return "", err
	}
	return jobID, nil
}

func (w *jobWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.poll):
	}
}
