// Package errs defines the pipeline error taxonomy. Callers branch with
// errors.Is / errors.As; every wrapper keeps the root cause reachable.
package errs

import (
	"errors"
	"fmt"
)

// ValidationKind classifies input validation failures.
type ValidationKind string

const (
	NotFound          ValidationKind = "not_found"
	Unreadable        ValidationKind = "unreadable"
	UnsupportedFormat ValidationKind = "unsupported_format"
	TooLarge          ValidationKind = "too_large"
)

// ValidationError means the input file is unusable. Fatal, never retried.
type ValidationError struct {
	Kind   ValidationKind
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s: %s", e.Kind, e.Path, e.Detail)
}

// TransientError marks a failure worth retrying: rate limits, 5xx,
// connection resets, timeouts.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient backend error: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalBackendError means the backend cannot work as configured: bad
// credentials, unsupported options. Never retried.
type FatalBackendError struct {
	Backend string
	Cause   error
}

func (e *FatalBackendError) Error() string {
	return fmt.Sprintf("backend %s failed fatally: %v", e.Backend, e.Cause)
}
func (e *FatalBackendError) Unwrap() error { return e.Cause }

// ResourceExhaustion signals accelerator out-of-memory. The holder must
// release device state before propagating; never retried automatically.
type ResourceExhaustion struct {
	Backend string
	Detail  string
}

func (e *ResourceExhaustion) Error() string {
	return fmt.Sprintf("resource exhaustion in %s: %s", e.Backend, e.Detail)
}

// InvalidBackendError rejects an unknown explicit backend override.
type InvalidBackendError struct {
	Requested string
}

func (e *InvalidBackendError) Error() string {
	return fmt.Sprintf("invalid backend override %q", e.Requested)
}

// RetryExhausted wraps the last error after the retry budget ran out. The
// original error stays reachable through Unwrap so callers can still branch
// on root cause.
type RetryExhausted struct {
	Attempts int
	Last     error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}
func (e *RetryExhausted) Unwrap() error { return e.Last }
