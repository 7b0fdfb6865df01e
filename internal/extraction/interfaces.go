package extraction

import (
	"context"
	"time"
)

// JobStore persists extraction job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// FindJobByToken resolves a prior submission with the same idempotency
	// token for the user, if one exists.
	FindJobByToken(ctx context.Context, userID, token string) (Job, bool, error)
	// Transition applies upd atomically iff the job's current status is
	// non-terminal. It returns false when a terminal state won the race;
	// that is a no-op for the caller, not an error.
	Transition(ctx context.Context, jobID string, upd JobUpdate) (bool, error)
}

// CacheStore persists memoized extraction results keyed by cache key.
type CacheStore interface {
	// Get returns the live entry for key, atomically incrementing its hit
	// count. Expired entries are reported as absent.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put upserts the entry for its cache key. Concurrent writers for the
	// same key must not corrupt the payload; last writer wins.
	Put(ctx context.Context, entry CacheEntry) error
}

// CounterStore provides the atomic counter-with-expiry primitive backing
// admission control. Increment must perform "bump, and start a fresh window
// with ttl if none is active" as a single atomic unit.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)
}

// LedgerStore records webhook events with a uniqueness guarantee on the
// external event ID.
type LedgerStore interface {
	// Claim inserts the event iff its ID is unseen. The storage layer's
	// uniqueness constraint is the sole dedup mechanism; claimed is false
	// on duplicate delivery.
	Claim(ctx context.Context, event WebhookEvent) (claimed bool, err error)
	// RecordOutcome attaches the apply result to a claimed event for audit.
	RecordOutcome(ctx context.Context, eventID, outcome string) error
}

// RecipeStore saves extracted recipes and returns their IDs. The recipe CRUD
// domain lives outside this subsystem.
type RecipeStore interface {
	SaveRecipe(ctx context.Context, userID string, payload RecipePayload) (string, error)
}

// BlobStore persists raw artifacts (uploaded images) and reads them back.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Publisher pushes terminal job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Engine invokes the external content-understanding service. Failures are
// *Error values distinguishing transient from terminal classes.
type Engine interface {
	Extract(ctx context.Context, req EngineRequest) (RecipePayload, error)
}

// SourceFetcher captures the content behind a URL before the engine call.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, contentType string, err error)
}

// Queue provides enqueue/dequeue semantics for extraction jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for cache-key derivation.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and entry IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
