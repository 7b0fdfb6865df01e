package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// LedgerStore records webhook events; the primary key on event_id is the
// dedup mechanism.
type LedgerStore struct {
	pool dbPool
}

// NewLedgerStore creates a LedgerStore backed by a new connection pool.
func NewLedgerStore(ctx context.Context, dsn string) (*LedgerStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &LedgerStore{pool: pool}, nil
}

// NewLedgerStoreWithPool creates a LedgerStore over an existing pool.
func NewLedgerStoreWithPool(pool dbPool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *LedgerStore) Close() {
	s.pool.Close()
}

// Claim inserts the event iff its ID is unseen. A duplicate delivery hits the
// uniqueness constraint, affects zero rows, and reports claimed=false,
// regardless of which process instance raced it there first.
func (s *LedgerStore) Claim(ctx context.Context, event extraction.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, subject, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query,
		event.ID,
		event.Type,
		event.Subject,
		event.Payload,
		event.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordOutcome attaches the apply result to a claimed event for audit.
func (s *LedgerStore) RecordOutcome(ctx context.Context, eventID, outcome string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET outcome = $2 WHERE event_id = $1;`,
		eventID, outcome,
	)
	if err != nil {
		return fmt.Errorf("record webhook outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record webhook outcome: event %s not claimed", eventID)
	}
	return nil
}
