package memory

import (
	"context"
	"sync"
	"time"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

type counter struct {
	count     int64
	expiresAt time.Time
}

// CounterStore is a mutex-guarded counter-with-expiry map. The "increment and
// start a window if none is active" step is a single critical section, so
// concurrent callers can never observe the check-then-act race.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]counter
	clock    extraction.Clock
}

// NewCounterStore constructs a CounterStore.
func NewCounterStore(clock extraction.Clock) *CounterStore {
	return &CounterStore{
		counters: make(map[string]counter),
		clock:    clock,
	}
}

// Increment bumps the counter for key, resetting it when the prior window has
// expired, and returns the post-increment count and window expiry.
func (s *CounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = counter{count: 0, expiresAt: now.Add(ttl)}
	}
	c.count++
	s.counters[key] = c
	return c.count, c.expiresAt, nil
}
