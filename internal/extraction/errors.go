package extraction

import (
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned by job stores for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Error codes recorded on failed jobs. Transient codes mark failures the
// caller may retry; terminal codes mark sources that can never succeed.
const (
	CodeEngineUnavailable = "engine_unavailable"
	CodeEngineTimeout     = "engine_timeout"
	CodeEngineRateLimited = "engine_rate_limited"
	CodeSourceFetch       = "source_fetch_failed"
	CodeUnsupportedSource = "unsupported_source"
	CodeInvalidSource     = "invalid_source"
	CodeInternal          = "internal"
)

// Error is the job-level failure taxonomy: a stable code, a human-readable
// message, and whether the caller may usefully retry.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable extraction error.
func Transient(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: true, Err: cause}
}

// Terminal builds a non-retryable extraction error.
func Terminal(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: false, Err: cause}
}

// AsError extracts an *Error from an error chain; unknown errors are wrapped
// as retryable internal failures so callers never lose the retry affordance
// on unexpected infrastructure faults.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Transient(CodeInternal, "internal error", err)
}

// IsRetryable reports whether the failure class permits a caller retry.
func IsRetryable(err error) bool {
	return AsError(err).Retryable
}

// QuotaError is returned synchronously at submission when admission control
// rejects the request. It is a caller condition, not a system fault.
type QuotaError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (limit %d), retry after %s", e.Scope, e.Limit, e.RetryAfter)
}
