package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/cache"
	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/progress"
	"github.com/platefork/recipe-extractor/internal/telemetry"
)

// WorkerConfig controls Worker behavior.
type WorkerConfig struct {
	// Topic receives terminal job events; empty disables publication.
	Topic string
}

// Worker consumes queue items and executes the extraction pipeline. Every
// state change goes through the store's conditional transition; a transition
// that does not apply means a terminal state (cancellation) won the race and
// the worker abandons the job.
type Worker struct {
	queue     extraction.Queue
	jobs      extraction.JobStore
	cache     *cache.Cache
	engine    extraction.Engine
	fetcher   extraction.SourceFetcher
	blobs     extraction.BlobStore
	recipes   extraction.RecipeStore
	publisher extraction.Publisher
	clock     extraction.Clock
	emitter   progress.Emitter
	cfg       WorkerConfig
	logger    *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(
	queue extraction.Queue,
	jobs extraction.JobStore,
	resultCache *cache.Cache,
	engine extraction.Engine,
	fetcher extraction.SourceFetcher,
	blobs extraction.BlobStore,
	recipes extraction.RecipeStore,
	publisher extraction.Publisher,
	clock extraction.Clock,
	emitter progress.Emitter,
	cfg WorkerConfig,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		cache:     resultCache,
		engine:    engine,
		fetcher:   fetcher,
		blobs:     blobs,
		recipes:   recipes,
		publisher: publisher,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item extraction.QueueItem) {
	job, err := w.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		w.logger.Error("load job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}

	payload, fromCache, err := w.extract(ctx, job)
	if err != nil {
		w.failJob(ctx, job, err)
		return
	}

	recipeID, err := w.recipes.SaveRecipe(ctx, job.UserID, payload)
	if err != nil {
		w.failJob(ctx, job, extraction.Transient(extraction.CodeInternal, "save recipe", err))
		return
	}

	if !fromCache && job.Kind != extraction.KindImage {
		w.cache.Store(ctx, job.SourceURL, payload)
	}

	now := w.clock.Now()
	applied := w.transition(ctx, job, extraction.JobUpdate{
		Status:      extraction.StatusCompleted,
		Progress:    progressFor(extraction.StatusCompleted),
		Message:     "extraction complete",
		RecipeID:    recipeID,
		CompletedAt: &now,
	})
	if applied {
		w.publishTerminal(ctx, job, extraction.StatusCompleted, recipeID, "")
	}
}

// extract produces the recipe payload for the job, consulting the cache
// before any source work. Image bytes are user-private, so image jobs never
// touch the shared cache.
func (w *Worker) extract(ctx context.Context, job extraction.Job) (extraction.RecipePayload, bool, error) {
	cacheable := job.Kind != extraction.KindImage
	if cacheable && job.Options.BypassCache {
		telemetry.ObserveCacheLookup("bypass")
	}
	if cacheable && !job.Options.BypassCache {
		entry, hit, err := w.cache.Lookup(ctx, job.SourceURL)
		if err != nil {
			return extraction.RecipePayload{}, false, err
		}
		if !hit {
			telemetry.ObserveCacheLookup("miss")
		} else {
			telemetry.ObserveCacheLookup("hit")
			w.logger.Debug("cache hit",
				zap.String("job_id", job.ID),
				zap.String("canonical_source", entry.CanonicalSource),
			)
			// The cached result is final; jump straight to extracting so
			// the status trace stays well-formed.
			if !w.advance(ctx, &job, extraction.StatusExtracting, "reusing cached extraction") {
				return extraction.RecipePayload{}, false, errAbandoned
			}
			return entry.Payload, true, nil
		}
	}

	req := extraction.EngineRequest{
		Kind:        job.Kind,
		SourceURL:   job.SourceURL,
		Language:    job.Options.Language,
		DetailLevel: job.Options.DetailLevel,
	}

	switch job.Kind {
	case extraction.KindURL:
		if !w.advance(ctx, &job, extraction.StatusProcessing, "capturing source page") {
			return extraction.RecipePayload{}, false, errAbandoned
		}
		body, contentType, err := w.fetcher.Fetch(ctx, job.SourceURL)
		if err != nil {
			return extraction.RecipePayload{}, false, err
		}
		req.Content = body
		req.ContentType = contentType

	case extraction.KindImage:
		if !w.advance(ctx, &job, extraction.StatusProcessing, "loading uploaded image") {
			return extraction.RecipePayload{}, false, errAbandoned
		}
		data, contentType, err := w.blobs.GetObject(ctx, job.UploadID)
		if err != nil {
			return extraction.RecipePayload{}, false, extraction.Terminal(extraction.CodeInvalidSource, "uploaded image unavailable", err)
		}
		req.Content = data
		req.ContentType = contentType

	case extraction.KindVideo:
		// The engine pulls video media itself; the downloading phase here
		// covers its media acquisition from the job's point of view.
		if !w.advance(ctx, &job, extraction.StatusDownloading, "acquiring video media") {
			return extraction.RecipePayload{}, false, errAbandoned
		}
	}

	if !w.advance(ctx, &job, extraction.StatusExtracting, "extracting recipe") {
		return extraction.RecipePayload{}, false, errAbandoned
	}
	start := w.clock.Now()
	payload, err := w.engine.Extract(ctx, req)
	result := "success"
	if err != nil {
		result = "error"
	}
	telemetry.ObserveEngineCall(string(job.Kind), result, w.clock.Now().Sub(start))
	if err != nil {
		return extraction.RecipePayload{}, false, err
	}
	return payload, false, nil
}

// errAbandoned marks a job whose terminal state won a transition race; the
// worker stops without recording anything further.
var errAbandoned = errors.New("job reached a terminal state mid-pipeline")

// advance moves the job to the next checkpoint. The first advance out of
// pending stamps StartedAt.
func (w *Worker) advance(ctx context.Context, job *extraction.Job, status extraction.JobStatus, message string) bool {
	upd := extraction.JobUpdate{
		Status:   status,
		Progress: progressFor(status),
		Message:  message,
	}
	if job.StartedAt == nil {
		now := w.clock.Now()
		upd.StartedAt = &now
		job.StartedAt = &now
	}
	return w.transition(ctx, *job, upd)
}

// transition applies upd and emits a progress event when it sticks. A false
// return means the job is already terminal.
func (w *Worker) transition(ctx context.Context, job extraction.Job, upd extraction.JobUpdate) bool {
	applied, err := w.jobs.Transition(ctx, job.ID, upd)
	if err != nil {
		w.logger.Error("job transition failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(upd.Status)),
			zap.Error(err),
		)
		return false
	}
	if !applied {
		w.logger.Info("job already terminal, abandoning",
			zap.String("job_id", job.ID),
			zap.String("attempted_status", string(upd.Status)),
		)
		return false
	}
	now := w.clock.Now()
	evt := progress.Event{
		JobID:     job.ID,
		TS:        now,
		Kind:      job.Kind,
		Status:    upd.Status,
		Progress:  upd.Progress,
		Message:   upd.Message,
		ErrorCode: upd.ErrorCode,
	}
	if upd.Status.Terminal() {
		evt.Dur = now.Sub(job.CreatedAt)
	}
	w.emitter.Emit(evt)
	return true
}

func (w *Worker) failJob(ctx context.Context, job extraction.Job, cause error) {
	if errors.Is(cause, errAbandoned) {
		return
	}
	extErr := extraction.AsError(cause)
	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("error_code", extErr.Code),
		zap.Bool("retryable", extErr.Retryable),
		zap.Error(cause),
	)
	now := w.clock.Now()
	applied := w.transition(ctx, job, extraction.JobUpdate{
		Status:       extraction.StatusFailed,
		Progress:     job.Progress,
		Message:      "extraction failed",
		ErrorCode:    extErr.Code,
		ErrorMessage: extErr.Message,
		Retryable:    extErr.Retryable,
		CompletedAt:  &now,
	})
	if applied {
		w.publishTerminal(ctx, job, extraction.StatusFailed, "", extErr.Code)
	}
}

func (w *Worker) publishTerminal(ctx context.Context, job extraction.Job, status extraction.JobStatus, recipeID, errorCode string) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":  job.ID,
		"user_id": job.UserID,
		"kind":    string(job.Kind),
		"status":  string(status),
	}
	if recipeID != "" {
		payload["recipe_id"] = recipeID
	}
	if errorCode != "" {
		payload["error_code"] = errorCode
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("terminal event publish failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
