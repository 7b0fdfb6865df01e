// Package postgres provides Postgres-backed persistence implementations.
//
// Expected schema:
//
//	CREATE TABLE extraction_jobs (
//	    id                TEXT PRIMARY KEY,
//	    user_id           TEXT NOT NULL,
//	    kind              TEXT NOT NULL,
//	    source_url        TEXT NOT NULL DEFAULT '',
//	    upload_id         TEXT NOT NULL DEFAULT '',
//	    options           JSONB NOT NULL,
//	    idempotency_token TEXT,
//	    status            TEXT NOT NULL,
//	    progress          INT NOT NULL DEFAULT 0,
//	    message           TEXT NOT NULL DEFAULT '',
//	    recipe_id         TEXT NOT NULL DEFAULT '',
//	    error_code        TEXT NOT NULL DEFAULT '',
//	    error_message     TEXT NOT NULL DEFAULT '',
//	    retryable         BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at        TIMESTAMPTZ NOT NULL,
//	    started_at        TIMESTAMPTZ,
//	    completed_at      TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX extraction_jobs_token_idx
//	    ON extraction_jobs (user_id, idempotency_token)
//	    WHERE idempotency_token <> '';
//
//	CREATE TABLE extraction_cache (
//	    id               TEXT NOT NULL,
//	    cache_key        TEXT PRIMARY KEY,
//	    canonical_source TEXT NOT NULL,
//	    payload          JSONB NOT NULL,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    expires_at       TIMESTAMPTZ NOT NULL,
//	    hit_count        BIGINT NOT NULL DEFAULT 0
//	);
//
//	CREATE TABLE rate_counters (
//	    key        TEXT PRIMARY KEY,
//	    count      BIGINT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE webhook_events (
//	    event_id     TEXT PRIMARY KEY,
//	    event_type   TEXT NOT NULL,
//	    subject      TEXT NOT NULL,
//	    payload      BYTEA,
//	    outcome      TEXT NOT NULL DEFAULT '',
//	    processed_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbPool is the subset of pgxpool.Pool used by the stores; pgxmock satisfies
// it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}
