package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/progress"
)

// PrometheusSink exports extraction progress metrics via Prometheus. It owns
// all collectors for jobs started/finished/running and per-status transition
// counters.
type PrometheusSink struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	jobFailures  *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_started_total",
			Help: "Total jobs that have entered the pipeline, partitioned by kind.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_finished_total",
			Help: "Total jobs reaching a terminal state, partitioned by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extraction_jobs_running",
			Help: "Current number of in-flight jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_job_transitions_total",
			Help: "Job state transitions partitioned by kind and status.",
		}, []string{"kind", "status"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_job_failures_total",
			Help: "Failed jobs partitioned by kind and error code.",
		}, []string{"kind", "error_code"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.transitions,
		s.jobFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := string(evt.Kind)
	if kind == "" {
		kind = "unknown"
	}
	s.transitions.WithLabelValues(kind, string(evt.Status)).Inc()

	switch {
	case evt.Status == extraction.StatusPending:
		s.jobsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case evt.Terminal():
		result := resultLabel(evt.Status)
		s.jobsFinished.WithLabelValues(kind, result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
		}
		if evt.Status == extraction.StatusFailed {
			code := evt.ErrorCode
			if code == "" {
				code = "unknown"
			}
			s.jobFailures.WithLabelValues(kind, code).Inc()
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

func resultLabel(status extraction.JobStatus) string {
	switch status {
	case extraction.StatusCompleted:
		return "success"
	case extraction.StatusCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
