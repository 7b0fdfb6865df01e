package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/orchestrator"
	"github.com/platefork/recipe-extractor/internal/telemetry"
	"github.com/platefork/recipe-extractor/internal/webhook"
)

const (
	// maxUploadBytes caps accepted image uploads.
	maxUploadBytes = 10 << 20
	// maxWebhookBytes caps inbound webhook bodies.
	maxWebhookBytes = 1 << 20

	webhookSignatureHeader = "X-Webhook-Signature"
)

type submitExtractionRequest struct {
	Kind             string `json:"kind"`
	SourceURL        string `json:"source_url"`
	UploadID         string `json:"upload_id"`
	Language         string `json:"language"`
	DetailLevel      string `json:"detail_level"`
	SaveAuto         bool   `json:"save_auto"`
	BypassCache      bool   `json:"bypass_cache"`
	IdempotencyToken string `json:"idempotency_token"`
}

type jobResponse struct {
	JobID        string     `json:"job_id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message,omitempty"`
	RecipeID     string     `json:"recipe_id,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Retryable    bool       `json:"retryable,omitempty"`
	PollURL      string     `json:"poll_url"`
	StreamURL    string     `json:"stream_url"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job extraction.Job) jobResponse {
	base := "/v1/extractions/" + job.ID
	return jobResponse{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		Progress:     job.Progress,
		Message:      job.Message,
		RecipeID:     job.RecipeID,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		Retryable:    job.Retryable,
		PollURL:      base,
		StreamURL:    base + "/events",
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func (s *Server) submitExtraction(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	var req submitExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := extraction.JobKind(req.Kind)
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported kind %q", req.Kind))
		return
	}
	switch kind {
	case extraction.KindURL, extraction.KindVideo:
		if strings.TrimSpace(req.SourceURL) == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("source_url is required for %s jobs", kind))
			return
		}
	case extraction.KindImage:
		if req.UploadID == "" {
			s.writeError(w, http.StatusBadRequest, "upload_id is required for image jobs")
			return
		}
	}

	job, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:    userID,
		Kind:      kind,
		SourceURL: req.SourceURL,
		UploadID:  req.UploadID,
		Options: extraction.Options{
			Language:    req.Language,
			DetailLevel: req.DetailLevel,
			SaveAuto:    req.SaveAuto,
			BypassCache: req.BypassCache,
		},
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		var quota *extraction.QuotaError
		if errors.As(err, &quota) {
			setRetryAfter(w, quota.RetryAfter)
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               "quota exceeded",
				"scope":               quota.Scope,
				"limit":               quota.Limit,
				"retry_after_seconds": int(quota.RetryAfter.Seconds()),
			})
			return
		}
		s.logger.Error("submit extraction failed",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) getExtraction(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.orch.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, extraction.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancelExtraction(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.orch.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, extraction.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// streamJobEvents serves job progress as Server-Sent Events. It polls the job
// store and pushes an event whenever the observable state changes, closing the
// stream once the job reaches a terminal status.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, extraction.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.writeSSE(w, flusher, job)
	if job.Status.Terminal() {
		return
	}

	last := sseState(job)
	ticker := time.NewTicker(s.ssePoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		job, err = s.jobs.GetJob(r.Context(), jobID)
		if err != nil {
			s.logger.Warn("event stream poll failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			return
		}
		if state := sseState(job); state != last {
			last = state
			s.writeSSE(w, flusher, job)
		}
		if job.Status.Terminal() {
			return
		}
	}
}

// sseState is the comparable projection that decides whether a poll produced
// a new event.
func sseState(job extraction.Job) string {
	return fmt.Sprintf("%s/%d/%s", job.Status, job.Progress, job.Message)
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, job extraction.Job) {
	data, err := json.Marshal(toJobResponse(job))
	if err != nil {
		s.logger.Error("marshal SSE payload failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		s.logger.Warn("write SSE event failed", zap.Error(err))
		return
	}
	flusher.Flush()
}

// createUpload accepts raw image bytes and stores them for a later image
// extraction submission. The returned upload_id is an opaque handle.
func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be image/*")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload body")
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty upload body")
		return
	}
	if len(data) > maxUploadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	path := s.cfg.Storage.Prefix + "/" + id
	uri, err := s.blobs.PutObject(r.Context(), path, contentType, data)
	if err != nil {
		s.logger.Error("store upload failed",
			zap.String("user_id", userID),
			zap.String("path", path),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	telemetry.ObserveUpload()
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id":    path,
		"uri":          uri,
		"content_type": contentType,
		"size":         len(data),
	})
}

type billingEventEnvelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Subject   string `json:"subject"`
}

// billingWebhook verifies the delivery signature and applies the event at
// most once per event ID. Redeliveries acknowledge with applied=false so the
// provider stops retrying.
func (s *Server) billingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if secret := s.cfg.Webhook.Secret; secret != "" {
		if err := webhook.VerifySignature(secret, body, r.Header.Get(webhookSignatureHeader)); err != nil {
			telemetry.ObserveWebhook("rejected")
			s.writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}
	var env billingEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if env.EventID == "" {
		s.writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}

	applied, err := s.ledger.ApplyIfNew(r.Context(), extraction.WebhookEvent{
		ID:      env.EventID,
		Type:    env.EventType,
		Subject: env.Subject,
		Payload: body,
	}, s.applyBilling)
	if err != nil {
		telemetry.ObserveWebhook("error")
		s.logger.Error("apply billing event failed",
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	if applied {
		telemetry.ObserveWebhook("applied")
	} else {
		telemetry.ObserveWebhook("duplicate")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  applied,
	})
}
