package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"visionpipe/internal/adapter/cache"
	"visionpipe/internal/adapter/repo"
	"visionpipe/internal/http/handlers"
	httpapi "visionpipe/internal/http/httpapi"
	"visionpipe/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	var progressCache *cache.ProgressCache
	if cfg.RedisAddr != "" {
		progressCache = cache.New(cfg.RedisAddr)
		defer progressCache.Close()
	}

	store := repo.NewStore(pool, progressCache, logger)
	app := handlers.NewApp(store, progressCache, logger)
	router := httpapi.NewRouter(app, logger)

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("api listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: stopped")
}
