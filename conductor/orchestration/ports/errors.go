package conductorports

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound marks lookups of workflows that do not exist or are no longer active.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyActive is returned when initializing a workflow id that is still live.
	ErrAlreadyActive = errors.New("already active")
)

// RateLimitError signals the reasoning service (or our own backpressure) refused a call.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// TimeoutError signals a reasoning call exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewNotFound builds the NotFound flavour of ValidationError.
func NewNotFound(kind, id string) *ValidationError {
	return &ValidationError{
		Field:   kind,
		Message: fmt.Sprintf("%s %q not found or inactive", kind, id),
		Err:     ErrNotFound,
	}
}

// ToolExecutionError wraps a failure reported by the tool executor.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// RetryableError is surfaced once the bounded retry policy is exhausted.
type RetryableError struct {
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a rate-limit or timeout failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRetryable reports whether the caller may retry the request later.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return IsTransient(err)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RetryAfter extracts the retry-after hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
