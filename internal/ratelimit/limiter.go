// Package ratelimit implements fixed-window admission control backed by a
// shared counter store, so limits hold across replicas.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// Policy describes one admission limit.
type Policy struct {
	// Scope names the guarded operation class, e.g. "video-extraction".
	Scope string
	// MaxRequests is the admission ceiling per window.
	MaxRequests int
	// Window is the fixed-window length.
	Window time.Duration
}

// Decision is the outcome of one admission check, carrying everything a
// caller needs for rate headers and error responses.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter answers admission checks against a CounterStore. Rejected attempts
// still consume a counter slot, so hammering a closed window does not shorten
// the wait.
type Limiter struct {
	store    extraction.CounterStore
	clock    extraction.Clock
	logger   *zap.Logger
	failOpen bool
}

// New constructs a Limiter. failOpen controls the behavior when the counter
// store is unreachable: true admits with a warning, false rejects.
func New(store extraction.CounterStore, clock extraction.Clock, logger *zap.Logger, failOpen bool) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:    store,
		clock:    clock,
		logger:   logger,
		failOpen: failOpen,
	}
}

// TryAcquire counts one attempt for identity under the policy and reports
// whether it is admitted. The counter bump and window bookkeeping are a
// single atomic store operation.
func (l *Limiter) TryAcquire(ctx context.Context, p Policy, identity string) Decision {
	count, expiresAt, err := l.store.Increment(ctx, p.Scope+":"+identity, p.Window)
	if err != nil {
		l.logger.Warn("counter store unavailable",
			zap.String("scope", p.Scope),
			zap.Bool("fail_open", l.failOpen),
			zap.Error(err),
		)
		return Decision{
			Allowed:   l.failOpen,
			Limit:     p.MaxRequests,
			Remaining: 0,
			ResetAt:   l.clock.Now().Add(p.Window),
		}
	}

	d := Decision{
		Allowed: count <= int64(p.MaxRequests),
		Limit:   p.MaxRequests,
		ResetAt: expiresAt,
	}
	if remaining := int64(p.MaxRequests) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		if wait := expiresAt.Sub(l.clock.Now()); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d
}

// QuotaError builds the rejection error for a denied decision.
func (d Decision) QuotaError(scope string) *extraction.QuotaError {
	return &extraction.QuotaError{
		Scope:      scope,
		Limit:      d.Limit,
		RetryAfter: d.RetryAfter,
	}
}
