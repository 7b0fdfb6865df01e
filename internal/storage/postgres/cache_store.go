package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// CacheStore persists extraction cache entries in Postgres.
type CacheStore struct {
	pool dbPool
}

// NewCacheStore creates a CacheStore backed by a new connection pool.
func NewCacheStore(ctx context.Context, dsn string) (*CacheStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &CacheStore{pool: pool}, nil
}

// NewCacheStoreWithPool creates a CacheStore over an existing pool.
func NewCacheStoreWithPool(pool dbPool) *CacheStore {
	return &CacheStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *CacheStore) Close() {
	s.pool.Close()
}

// Get returns the live entry for key. The hit-count increment and the expiry
// check ride on one UPDATE, so concurrent readers never race a
// read-modify-write pair.
func (s *CacheStore) Get(ctx context.Context, key string) (extraction.CacheEntry, bool, error) {
	query := `
		UPDATE extraction_cache
		SET hit_count = hit_count + 1
		WHERE cache_key = $1 AND expires_at > now()
		RETURNING id, canonical_source, payload, created_at, expires_at, hit_count;
	`
	entry := extraction.CacheEntry{CacheKey: key}
	var payload []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.ID,
		&entry.CanonicalSource,
		&payload,
		&entry.CreatedAt,
		&entry.ExpiresAt,
		&entry.HitCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return extraction.CacheEntry{}, false, nil
		}
		return extraction.CacheEntry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return extraction.CacheEntry{}, false, fmt.Errorf("unmarshal cache payload: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.ExpiresAt = entry.ExpiresAt.UTC()
	return entry, true, nil
}

// Put upserts the entry for its cache key. The single INSERT .. ON CONFLICT
// statement keeps concurrent writers race-free; last writer wins.
func (s *CacheStore) Put(ctx context.Context, entry extraction.CacheEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}
	query := `
		INSERT INTO extraction_cache (id, cache_key, canonical_source, payload, created_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (cache_key) DO UPDATE SET
			id = EXCLUDED.id,
			canonical_source = EXCLUDED.canonical_source,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0;
	`
	_, err = s.pool.Exec(ctx, query,
		entry.ID,
		entry.CacheKey,
		entry.CanonicalSource,
		payload,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Sweep physically removes expired entries; expiry itself is enforced by Get.
func (s *CacheStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache WHERE expires_at <= now();`)
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
