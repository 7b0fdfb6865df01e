// Package api exposes the HTTP interface for the extraction service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/config"
	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/orchestrator"
	"github.com/platefork/recipe-extractor/internal/ratelimit"
	"github.com/platefork/recipe-extractor/internal/telemetry"
	"github.com/platefork/recipe-extractor/internal/webhook"
)

// userIDHeader carries the authenticated user identity resolved by the API
// gateway in front of this service.
const userIDHeader = "X-User-ID"

// Deps collects the collaborators the HTTP layer needs.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Jobs         extraction.JobStore
	Blobs        extraction.BlobStore
	Ledger       *webhook.Ledger
	// ApplyBilling performs the side effect for first-seen billing events.
	// Nil installs a logging no-op.
	ApplyBilling webhook.ApplyFunc
	Limiter      *ratelimit.Limiter
	IDs          extraction.IDGenerator
	Clock        extraction.Clock
	// Readiness reports whether downstream dependencies are reachable. Nil
	// means always ready.
	Readiness func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router       chi.Router
	orch         *orchestrator.Orchestrator
	jobs         extraction.JobStore
	blobs        extraction.BlobStore
	ledger       *webhook.Ledger
	applyBilling webhook.ApplyFunc
	limiter      *ratelimit.Limiter
	ids          extraction.IDGenerator
	clock        extraction.Clock
	readiness    func(ctx context.Context) error
	cfg          config.Config
	logger       *zap.Logger

	apiPolicy  ratelimit.Policy
	anonPolicy ratelimit.Policy

	// ssePoll is the job-store polling cadence for event streams; tests
	// shorten it.
	ssePoll time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	applyBilling := deps.ApplyBilling
	if applyBilling == nil {
		applyBilling = func(_ context.Context, event extraction.WebhookEvent) error {
			logger.Info("billing event received",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.String("subject", event.Subject),
			)
			return nil
		}
	}
	s := &Server{
		orch:         deps.Orchestrator,
		jobs:         deps.Jobs,
		blobs:        deps.Blobs,
		ledger:       deps.Ledger,
		applyBilling: applyBilling,
		limiter:      deps.Limiter,
		ids:          deps.IDs,
		clock:        deps.Clock,
		readiness:    deps.Readiness,
		cfg:          cfg,
		logger:       logger,
		apiPolicy: ratelimit.Policy{
			Scope:       "api",
			MaxRequests: cfg.Limits.APIPerIdentityMinute,
			Window:      time.Minute,
		},
		anonPolicy: ratelimit.Policy{
			Scope:       "anonymous",
			MaxRequests: cfg.Limits.AnonymousPerIPMinute,
			Window:      time.Minute,
		},
		ssePoll: 500 * time.Millisecond,
	}

	timeout := cfg.ServerTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.admissionMiddleware)
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(timeout))
				r.Post("/extractions", s.submitExtraction)
				r.Get("/extractions/{job_id}", s.getExtraction)
				r.Post("/extractions/{job_id}/cancel", s.cancelExtraction)
				r.Post("/uploads", s.createUpload)
			})
			// Event streams outlive the per-request budget and need a
			// flushable writer, so they sit outside the timeout handler.
			r.Get("/extractions/{job_id}/events", s.streamJobEvents)
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/webhooks/billing", s.billingWebhook)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		if err := s.readiness(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// admissionMiddleware counts every API request against the caller's identity
// and attaches rate headers to the response. Authenticated callers are
// counted per user; anonymous traffic is counted per client IP under a
// stricter ceiling.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		policy := s.apiPolicy
		if userID == "" {
			policy = s.anonPolicy
		}
		identity := ratelimit.ClientIdentity(r, userID, s.cfg.Server.TrustProxyHeader)
		d := s.limiter.TryAcquire(r.Context(), policy, identity)
		telemetry.ObserveAdmission(policy.Scope, d.Allowed)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			setRetryAfter(w, d.RetryAfter)
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	if wait <= 0 {
		return
	}
	secs := int(math.Ceil(wait.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// responseWriter captures the status code and forwards Flush/Hijack so
// streaming handlers keep working behind the logging middleware.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
