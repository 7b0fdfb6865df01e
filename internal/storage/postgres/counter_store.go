package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterStore implements the atomic counter-with-expiry primitive backing
// admission control.
type CounterStore struct {
	pool dbPool
}

// NewCounterStore creates a CounterStore backed by a new connection pool.
func NewCounterStore(ctx context.Context, dsn string) (*CounterStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &CounterStore{pool: pool}, nil
}

// NewCounterStoreWithPool creates a CounterStore over an existing pool.
func NewCounterStoreWithPool(pool dbPool) *CounterStore {
	return &CounterStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *CounterStore) Close() {
	s.pool.Close()
}

// Increment bumps the window counter for key in a single statement: a fresh
// window starts when none is active, otherwise the live window's count grows.
// Concurrent callers serialize on the row, so the post-increment count is
// exact at the limit boundary.
func (s *CounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	query := `
		INSERT INTO rate_counters (key, count, expires_at)
		VALUES ($1, 1, now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= now() THEN 1
			             ELSE rate_counters.count + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= now() THEN EXCLUDED.expires_at
			                  ELSE rate_counters.expires_at END
		RETURNING count, expires_at;
	`
	var (
		count     int64
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, query, key, ttl.Seconds()).Scan(&count, &expiresAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate counter: %w", err)
	}
	return count, expiresAt.UTC(), nil
}
