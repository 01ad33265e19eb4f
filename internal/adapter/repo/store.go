// Package repo implements domain.ResultStore on PostgreSQL. Writes are
// shaped for at-least-once delivery: results upsert on their natural key,
// counters increment atomically in SQL, and every progress upsert also
// appends a snapshot row so history queries can replay the run.
package repo

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"visionpipe/internal/adapter/cache"
	"visionpipe/internal/domain"
)

// StorePG implements domain.ResultStore.
type StorePG struct {
	pool   *pgxpool.Pool
	cache  *cache.ProgressCache
	logger zerolog.Logger
}

// NewStore creates a result store backed by PostgreSQL. cache may be nil.
func NewStore(pool *pgxpool.Pool, progressCache *cache.ProgressCache, logger zerolog.Logger) *StorePG {
	return &StorePG{pool: pool, cache: progressCache, logger: logger}
}

func marshalMeta(meta map[string]string) []byte {
	if len(meta) == 0 {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalMeta(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return meta
}

var _ domain.ResultStore = (*StorePG)(nil)
