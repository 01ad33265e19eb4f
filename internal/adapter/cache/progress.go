// Package cache holds the Redis-backed live-progress cache. The Postgres
// store remains the source of truth; the cache only shortens the read path
// for progress polling while a job is running.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"visionpipe/internal/domain"
)

const defaultTTL = time.Hour

// ProgressCache mirrors the latest StageProgress snapshot per (job, stage)
// into a Redis hash keyed by job. A nil *ProgressCache is valid and turns
// every operation into a no-op, so callers never need to branch on whether
// Redis is configured.
type ProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to the Redis instance at addr.
func New(addr string) *ProgressCache {
	return &ProgressCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: defaultTTL,
	}
}

func jobKey(jobID string) string {
	return "visionpipe:progress:" + jobID
}

// Publish stores the snapshot as the latest state for its (job, stage).
func (c *ProgressCache) Publish(ctx context.Context, progress domain.StageProgress) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	key := jobKey(progress.JobID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, progress.StageID, data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache progress: %w", err)
	}
	return nil
}

// JobProgress returns every cached stage snapshot for the job sorted by
// stage order, or an empty slice when nothing is cached.
func (c *ProgressCache) JobProgress(ctx context.Context, jobID string) ([]domain.StageProgress, error) {
	if c == nil {
		return nil, nil
	}
	fields, err := c.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached progress: %w", err)
	}
	out := make([]domain.StageProgress, 0, len(fields))
	for _, raw := range fields {
		var p domain.StageProgress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// A corrupt entry is not worth failing the read; the store
			// fallback covers it.
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageOrder < out[j].StageOrder })
	return out, nil
}

// Close releases the underlying connection pool.
func (c *ProgressCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
