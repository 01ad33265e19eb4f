package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv              string
	Port                string
	DatabaseURL         string
	RedisAddr           string
	GeminiAPIKey        string
	GeminiModel         string
	GeminiBaseURL       string
	StoragePath         string
	WorkerSlots         int
	StageConcurrency    int
	AnalyzeTimeout      time.Duration
	ClaimPollInterval   time.Duration
	StaleJobThreshold   time.Duration
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:       getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		StoragePath:         getEnv("STORAGE_PATH", "./data/images"),
		WorkerSlots:         getEnvInt("WORKER_SLOTS", 2),
		StageConcurrency:    getEnvInt("STAGE_CONCURRENCY", 4),
		AnalyzeTimeout:      time.Second * time.Duration(getEnvInt("ANALYZE_TIMEOUT_SECONDS", 60)),
		ClaimPollInterval:   time.Second * time.Duration(getEnvInt("CLAIM_POLL_INTERVAL_SECONDS", 3)),
		StaleJobThreshold:   time.Minute * time.Duration(getEnvInt("STALE_JOB_THRESHOLD_MINUTES", 30)),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		ShutdownGracePeriod: time.Second * time.Duration(getEnvInt("SHUTDOWN_GRACE_SECONDS", 10)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WorkerSlots < 1 {
		cfg.WorkerSlots = 1
	}
	if cfg.StageConcurrency < 1 {
		cfg.StageConcurrency = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
