// Package telemetry exposes Prometheus metrics for the extraction service
// and the chi middleware that records HTTP request metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_cache_lookups_total",
			Help: "Total extraction cache lookups, labeled by outcome (hit, miss, bypass).",
		},
		[]string{"outcome"},
	)

	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_admission_decisions_total",
			Help: "Total admission decisions, labeled by scope and outcome.",
		},
		[]string{"scope", "outcome"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_webhook_events_total",
			Help: "Total webhook deliveries, labeled by outcome (applied, duplicate, rejected).",
		},
		[]string{"outcome"},
	)

	engineCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extraction_engine_call_duration_seconds",
			Help:    "Histogram of engine call latencies, labeled by kind and result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind", "result"},
	)

	uploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extraction_uploads_total",
			Help: "Total image uploads accepted.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming responses keep
// working behind the middleware.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- HELPER FUNCTIONS ---

// ObserveCacheLookup records a cache lookup outcome: "hit", "miss", "bypass".
func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAdmission records an admission decision for a scope.
func ObserveAdmission(scope string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	admissionDecisionsTotal.WithLabelValues(scope, outcome).Inc()
}

// ObserveWebhook records a webhook delivery outcome: "applied", "duplicate",
// "rejected".
func ObserveWebhook(outcome string) {
	webhookEventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEngineCall records latency for one engine call.
func ObserveEngineCall(kind, result string, duration time.Duration) {
	engineCallDurationSeconds.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// ObserveUpload records an accepted image upload.
func ObserveUpload() {
	uploadsTotal.Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
