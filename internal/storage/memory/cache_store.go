package memory

import (
	"context"
	"sync"
	"time"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// CacheStore keeps extraction cache entries in memory. Hit-count increments
// and upserts are atomic under the store mutex.
type CacheStore struct {
	mu      sync.Mutex
	entries map[string]extraction.CacheEntry
	clock   extraction.Clock
}

// NewCacheStore constructs a CacheStore using the given clock for expiry.
func NewCacheStore(clock extraction.Clock) *CacheStore {
	return &CacheStore{
		entries: make(map[string]extraction.CacheEntry),
		clock:   clock,
	}
}

// Get returns the live entry for key and increments its hit count. An expired
// entry is a miss even though it is still physically present.
func (s *CacheStore) Get(_ context.Context, key string) (extraction.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || !entry.Live(s.clock.Now()) {
		return extraction.CacheEntry{}, false, nil
	}
	entry.HitCount++
	s.entries[key] = entry
	return entry, true, nil
}

// Put upserts the entry for its cache key; last writer wins.
func (s *CacheStore) Put(_ context.Context, entry extraction.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.CacheKey] = entry
	return nil
}

// Sweep removes expired entries; housekeeping only, a miss either way.
func (s *CacheStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if !entry.Live(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
