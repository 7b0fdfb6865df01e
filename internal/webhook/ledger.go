// Package webhook applies externally delivered events exactly once per event
// ID, using the ledger store's uniqueness constraint as the dedup mechanism.
package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// ApplyFunc performs the side effect for a first-seen event.
type ApplyFunc func(ctx context.Context, event extraction.WebhookEvent) error

// Ledger gates event application on a first-claim of the event ID.
type Ledger struct {
	store  extraction.LedgerStore
	clock  extraction.Clock
	logger *zap.Logger
}

// New constructs a Ledger.
func New(store extraction.LedgerStore, clock extraction.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, clock: clock, logger: logger}
}

// ApplyIfNew claims the event ID and runs fn iff this delivery is the first.
// Redeliveries return (false, nil) without running fn; the first delivery's
// payload is the one on record even if a retry carries different bytes.
//
// When fn fails the claim is not released. The event is marked processed with
// an error outcome and later deliveries of the same ID stay no-ops; recovery
// of a failed apply is an operator action, not a redelivery semantics.
func (l *Ledger) ApplyIfNew(ctx context.Context, event extraction.WebhookEvent, fn ApplyFunc) (bool, error) {
	if event.ID == "" {
		return false, fmt.Errorf("event id is required")
	}
	event.ProcessedAt = l.clock.Now()

	claimed, err := l.store.Claim(ctx, event)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		l.logger.Info("duplicate webhook delivery ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return false, nil
	}

	applyErr := fn(ctx, event)
	outcome := "applied"
	if applyErr != nil {
		outcome = "error: " + applyErr.Error()
	}
	if err := l.store.RecordOutcome(ctx, event.ID, outcome); err != nil {
		l.logger.Warn("record webhook outcome failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	if applyErr != nil {
		return true, fmt.Errorf("apply event %s: %w", event.ID, applyErr)
	}
	return true, nil
}
