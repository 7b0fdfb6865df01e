// Package extraction defines core types shared across subsystems.
package extraction

import "time"

// JobKind identifies the class of source a job extracts from.
type JobKind string

// Supported job kinds.
const (
	KindURL   JobKind = "url"
	KindImage JobKind = "image"
	KindVideo JobKind = "video"
)

// Valid reports whether the kind is one of the supported values.
func (k JobKind) Valid() bool {
	switch k {
	case KindURL, KindImage, KindVideo:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the job store.
const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing"
	StatusExtracting  JobStatus = "extracting"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Options captures per-job extraction knobs requested by the client.
type Options struct {
	Language    string `json:"language,omitempty"`
	DetailLevel string `json:"detail_level,omitempty"`
	SaveAuto    bool   `json:"save_auto"`
	// BypassCache forces a fresh engine call even when a live cache entry
	// exists; the result still refreshes the cache.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

// Job represents the metadata persisted for each submitted extraction request.
type Job struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	Kind   JobKind `json:"kind"`

	// SourceURL is set for url/video kinds; UploadID references uploaded
	// bytes in the blob store for image kind.
	SourceURL string `json:"source_url,omitempty"`
	UploadID  string `json:"upload_id,omitempty"`

	Options          Options `json:"options"`
	IdempotencyToken string  `json:"-"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`

	RecipeID     string `json:"recipe_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobUpdate describes a single state-machine transition. Stores apply it
// conditionally: only while the job's current status is non-terminal.
type JobUpdate struct {
	Status       JobStatus
	Progress     int
	Message      string
	RecipeID     string
	ErrorCode    string
	ErrorMessage string
	Retryable    bool
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Ingredient is one structured ingredient line of an extracted recipe.
type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Note     string `json:"note,omitempty"`
}

// RecipePayload is the structured result produced by the extraction engine.
type RecipePayload struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Servings    int          `json:"servings,omitempty"`
	PrepMinutes int          `json:"prep_minutes,omitempty"`
	CookMinutes int          `json:"cook_minutes,omitempty"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
	Tags        []string     `json:"tags,omitempty"`
	Language    string       `json:"language,omitempty"`
	SourceName  string       `json:"source_name,omitempty"`
}

// CacheEntry is the memoized extraction result for one canonical source.
type CacheEntry struct {
	ID              string        `json:"id"`
	CacheKey        string        `json:"cache_key"`
	CanonicalSource string        `json:"canonical_source"`
	Payload         RecipePayload `json:"payload"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	HitCount        int64         `json:"hit_count"`
}

// Live reports whether the entry is still eligible for hits at the given time.
func (e CacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// WebhookEvent records one externally delivered billing notification.
type WebhookEvent struct {
	ID          string    `json:"event_id"`
	Type        string    `json:"event_type"`
	Subject     string    `json:"subject"`
	Payload     []byte    `json:"payload"`
	Outcome     string    `json:"outcome,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Kind      JobKind
	Attempt   int
	Submitted int64
}

// EngineRequest is the source descriptor handed to the extraction engine.
type EngineRequest struct {
	Kind        JobKind
	SourceURL   string
	Content     []byte
	ContentType string
	Language    string
	DetailLevel string
}
