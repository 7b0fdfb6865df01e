// Package cache implements the read-through/write-back extraction cache keyed
// by canonical source identity.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/source"
)

// Config controls cache policy.
type Config struct {
	// TTL is how long a stored entry is eligible for hits (default 30 days).
	TTL time.Duration
	// FailOpenReads treats store read errors as misses instead of failing
	// the caller. Write errors are always best-effort.
	FailOpenReads bool
}

// DefaultTTL balances cache efficiency against source content drift.
const DefaultTTL = 30 * 24 * time.Hour

// Cache memoizes extraction results for canonical source identities.
type Cache struct {
	store      extraction.CacheStore
	normalizer *source.Normalizer
	ids        extraction.IDGenerator
	clock      extraction.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Cache.
func New(
	store extraction.CacheStore,
	normalizer *source.Normalizer,
	ids extraction.IDGenerator,
	clock extraction.Clock,
	cfg Config,
	logger *zap.Logger,
) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:      store,
		normalizer: normalizer,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Lookup probes the cache for the raw URL's canonical identity. The hit-count
// increment is an observable side effect of a hit. Store errors degrade to a
// miss when FailOpenReads is set: a cache outage must not fail the job.
func (c *Cache) Lookup(ctx context.Context, rawURL string) (extraction.CacheEntry, bool, error) {
	canonical, key, err := c.normalizer.CacheKey(rawURL)
	if err != nil {
		return extraction.CacheEntry{}, false, fmt.Errorf("derive cache key: %w", err)
	}
	entry, hit, err := c.store.Get(ctx, key)
	if err != nil {
		if c.cfg.FailOpenReads {
			c.logger.Warn("cache read failed, treating as miss",
				zap.String("canonical_source", canonical),
				zap.Error(err),
			)
			return extraction.CacheEntry{}, false, nil
		}
		return extraction.CacheEntry{}, false, fmt.Errorf("cache read: %w", err)
	}
	return entry, hit, nil
}

// Store upserts the payload for the raw URL's canonical identity. Only
// successful extractions reach this point; failures are never cached. Errors
// are logged and swallowed, a failed cache write must not fail an otherwise
// successful job.
func (c *Cache) Store(ctx context.Context, rawURL string, payload extraction.RecipePayload) {
	canonical, key, err := c.normalizer.CacheKey(rawURL)
	if err != nil {
		c.logger.Warn("cache key derivation failed, skipping write", zap.Error(err))
		return
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("cache entry id generation failed, skipping write", zap.Error(err))
		return
	}
	now := c.clock.Now()
	entry := extraction.CacheEntry{
		ID:              id,
		CacheKey:        key,
		CanonicalSource: canonical,
		Payload:         payload,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.cfg.TTL),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("cache write failed",
			zap.String("canonical_source", canonical),
			zap.Error(err),
		)
	}
}

// Canonicalize exposes the canonical form for a raw URL, for job messages and
// debugging.
func (c *Cache) Canonicalize(rawURL string) string {
	return c.normalizer.Normalize(rawURL)
}
