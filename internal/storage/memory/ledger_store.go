package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// LedgerStore records webhook events with map-key uniqueness standing in for
// the Postgres unique constraint.
type LedgerStore struct {
	mu     sync.Mutex
	events map[string]extraction.WebhookEvent
}

// NewLedgerStore constructs a LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{events: make(map[string]extraction.WebhookEvent)}
}

// Claim inserts the event iff its ID is unseen.
func (s *LedgerStore) Claim(_ context.Context, event extraction.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return false, nil
	}
	s.events[event.ID] = event
	return true, nil
}

// RecordOutcome attaches the apply result to a claimed event.
func (s *LedgerStore) RecordOutcome(_ context.Context, eventID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, exists := s.events[eventID]
	if !exists {
		return errors.New("event not claimed")
	}
	event.Outcome = outcome
	s.events[eventID] = event
	return nil
}

// Event returns the stored record for inspection in tests.
func (s *LedgerStore) Event(eventID string) (extraction.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	return event, ok
}
