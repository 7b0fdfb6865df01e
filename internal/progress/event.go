package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// Event captures a single job lifecycle milestone.
type Event struct {
	// JobID identifies the extraction job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind is the job's source kind (url, image, video).
	Kind extraction.JobKind
	// Status is the lifecycle state the job just entered.
	Status extraction.JobStatus
	// Progress is the monotone percentage for this milestone.
	Progress int
	// Message is the optional human-readable step description.
	Message string
	// ErrorCode is set on failed events.
	ErrorCode string
	// Dur is the job wall time, set on terminal events.
	Dur time.Duration
}

// Terminal reports whether the event marks the end of a job.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Status {
	case extraction.StatusPending, extraction.StatusDownloading, extraction.StatusProcessing,
		extraction.StatusExtracting, extraction.StatusCompleted, extraction.StatusFailed,
		extraction.StatusCancelled:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
