package infra

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("LoadConfig should fail without DATABASE_URL")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("WORKER_SLOTS", "")
	t.Setenv("STAGE_CONCURRENCY", "")
	t.Setenv("ANALYZE_TIMEOUT_SECONDS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port mismatch: got %q", cfg.Port)
	}
	if cfg.WorkerSlots != 2 {
		t.Fatalf("WorkerSlots mismatch: got %d", cfg.WorkerSlots)
	}
	if cfg.StageConcurrency != 4 {
		t.Fatalf("StageConcurrency mismatch: got %d", cfg.StageConcurrency)
	}
	if cfg.AnalyzeTimeout != 60*time.Second {
		t.Fatalf("AnalyzeTimeout mismatch: got %s", cfg.AnalyzeTimeout)
	}
	if cfg.GeminiModel != "gemini-2.5-flash" {
		t.Fatalf("GeminiModel mismatch: got %q", cfg.GeminiModel)
	}
}

func TestLoadConfigHonorsOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("WORKER_SLOTS", "6")
	t.Setenv("STAGE_CONCURRENCY", "8")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("STALE_JOB_THRESHOLD_MINUTES", "45")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WorkerSlots != 6 {
		t.Fatalf("WorkerSlots mismatch: got %d", cfg.WorkerSlots)
	}
	if cfg.StageConcurrency != 8 {
		t.Fatalf("StageConcurrency mismatch: got %d", cfg.StageConcurrency)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr mismatch: got %q", cfg.RedisAddr)
	}
	if cfg.StaleJobThreshold != 45*time.Minute {
		t.Fatalf("StaleJobThreshold mismatch: got %s", cfg.StaleJobThreshold)
	}
}

func TestLoadConfigClampsWorkerSlots(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("WORKER_SLOTS", "0")
	t.Setenv("STAGE_CONCURRENCY", "-2")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WorkerSlots != 1 {
		t.Fatalf("WorkerSlots should clamp to 1, got %d", cfg.WorkerSlots)
	}
	if cfg.StageConcurrency != 1 {
		t.Fatalf("StageConcurrency should clamp to 1, got %d", cfg.StageConcurrency)
	}
}
