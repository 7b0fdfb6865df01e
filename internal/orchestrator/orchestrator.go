// Package orchestrator owns the extraction job lifecycle: admission-checked
// submission, queue routing, the worker pipeline, and cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/progress"
	"github.com/platefork/recipe-extractor/internal/ratelimit"
)

// Policies holds the admission limits consulted at submission.
type Policies struct {
	// Extraction is the per-user ceiling across all kinds.
	Extraction ratelimit.Policy
	// Video is the additional, stricter per-user ceiling for video jobs.
	Video ratelimit.Policy
}

// SubmitRequest is a validated-on-entry job submission.
type SubmitRequest struct {
	UserID           string
	Kind             extraction.JobKind
	SourceURL        string
	UploadID         string
	Options          extraction.Options
	IdempotencyToken string
}

// Orchestrator accepts submissions, routes them to per-kind queues, and
// exposes job reads and cancellation.
type Orchestrator struct {
	jobs       extraction.JobStore
	mainQueue  extraction.Queue
	videoQueue extraction.Queue
	limiter    *ratelimit.Limiter
	policies   Policies
	ids        extraction.IDGenerator
	clock      extraction.Clock
	emitter    progress.Emitter
	logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(
	jobs extraction.JobStore,
	mainQueue extraction.Queue,
	videoQueue extraction.Queue,
	limiter *ratelimit.Limiter,
	policies Policies,
	ids extraction.IDGenerator,
	clock extraction.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Orchestrator {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:       jobs,
		mainQueue:  mainQueue,
		videoQueue: videoQueue,
		limiter:    limiter,
		policies:   policies,
		ids:        ids,
		clock:      clock,
		emitter:    emitter,
		logger:     logger,
	}
}

// Submit validates the request, applies admission control, creates the
// pending job record, and enqueues it. A rejected admission creates no job
// and consumes a counter slot; a duplicate idempotency token returns the
// prior job without consuming quota.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (extraction.Job, error) {
	if err := validateSubmit(req); err != nil {
		return extraction.Job{}, err
	}

	if req.IdempotencyToken != "" {
		prior, found, err := o.jobs.FindJobByToken(ctx, req.UserID, req.IdempotencyToken)
		if err != nil {
			return extraction.Job{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if found {
			o.logger.Debug("duplicate submission resolved by idempotency token",
				zap.String("job_id", prior.ID),
				zap.String("user_id", req.UserID),
			)
			return prior, nil
		}
	}

	if err := o.admit(ctx, req); err != nil {
		return extraction.Job{}, err
	}

	id, err := o.ids.NewID()
	if err != nil {
		return extraction.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := extraction.Job{
		ID:               id,
		UserID:           req.UserID,
		Kind:             req.Kind,
		SourceURL:        req.SourceURL,
		UploadID:         req.UploadID,
		Options:          req.Options,
		IdempotencyToken: req.IdempotencyToken,
		Status:           extraction.StatusPending,
		Progress:         progressFor(extraction.StatusPending),
		CreatedAt:        now,
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return extraction.Job{}, fmt.Errorf("create job: %w", err)
	}

	o.emitter.Emit(progress.Event{
		JobID:    job.ID,
		TS:       now,
		Kind:     job.Kind,
		Status:   extraction.StatusPending,
		Progress: job.Progress,
	})

	if err := o.queueFor(req.Kind).Enqueue(ctx, extraction.QueueItem{
		JobID:     job.ID,
		Kind:      job.Kind,
		Submitted: now.UnixNano(),
	}); err != nil {
		// The record exists but will never run; fail it so the client is
		// not left polling a job that cannot make progress.
		o.failUnqueued(ctx, job.ID, err)
		return extraction.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// GetJob returns the job projection for polling.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (extraction.Job, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// Cancel transitions the job to cancelled. Cancelling an already-terminal job
// is a no-op; the resulting state is returned either way. Workers observe the
// cancellation at their next transition attempt and stop.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (extraction.Job, error) {
	now := o.clock.Now()
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return extraction.Job{}, err
	}
	applied, err := o.jobs.Transition(ctx, jobID, extraction.JobUpdate{
		Status:      extraction.StatusCancelled,
		Progress:    job.Progress,
		Message:     "cancelled by user",
		CompletedAt: &now,
	})
	if err != nil {
		return extraction.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	current, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return extraction.Job{}, err
	}
	if applied {
		o.emitter.Emit(progress.Event{
			JobID:    current.ID,
			TS:       now,
			Kind:     current.Kind,
			Status:   extraction.StatusCancelled,
			Progress: current.Progress,
			Dur:      now.Sub(current.CreatedAt),
		})
	}
	return current, nil
}

func (o *Orchestrator) admit(ctx context.Context, req SubmitRequest) error {
	identity := "user:" + req.UserID
	if d := o.limiter.TryAcquire(ctx, o.policies.Extraction, identity); !d.Allowed {
		return d.QuotaError(o.policies.Extraction.Scope)
	}
	if req.Kind == extraction.KindVideo {
		if d := o.limiter.TryAcquire(ctx, o.policies.Video, identity); !d.Allowed {
			return d.QuotaError(o.policies.Video.Scope)
		}
	}
	return nil
}

func (o *Orchestrator) queueFor(kind extraction.JobKind) extraction.Queue {
	if kind == extraction.KindVideo && o.videoQueue != nil {
		return o.videoQueue
	}
	return o.mainQueue
}

func (o *Orchestrator) failUnqueued(ctx context.Context, jobID string, cause error) {
	now := o.clock.Now()
	if _, err := o.jobs.Transition(ctx, jobID, extraction.JobUpdate{
		Status:       extraction.StatusFailed,
		Message:      "job could not be queued",
		ErrorCode:    extraction.CodeInternal,
		ErrorMessage: cause.Error(),
		Retryable:    true,
		CompletedAt:  &now,
	}); err != nil {
		o.logger.Error("mark unqueued job failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

func validateSubmit(req SubmitRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("unsupported kind %q", req.Kind)
	}
	switch req.Kind {
	case extraction.KindURL, extraction.KindVideo:
		if strings.TrimSpace(req.SourceURL) == "" {
			return fmt.Errorf("source url is required for %s jobs", req.Kind)
		}
	case extraction.KindImage:
		if req.UploadID == "" {
			return fmt.Errorf("upload id is required for image jobs")
		}
	}
	return nil
}

// progressFor returns the monotone checkpoint for a status.
func progressFor(status extraction.JobStatus) int {
	switch status {
	case extraction.StatusPending:
		return 0
	case extraction.StatusDownloading:
		return 20
	case extraction.StatusProcessing:
		return 30
	case extraction.StatusExtracting:
		return 60
	case extraction.StatusCompleted:
		return 100
	default:
		return 0
	}
}
