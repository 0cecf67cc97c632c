// Package errors defines the unified error taxonomy for the gateway.
// Upstream provider failures are wrapped in UpstreamError and classified
// into an outcome that drives credential status updates and retries.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors surfaced by the dispatcher and the credential pool.
var (
	// ErrQueueFull is returned by Submit when the global outstanding-task
	// ceiling has been reached. The task is never enqueued.
	ErrQueueFull = errors.New("execution queue is full")

	// ErrNoAvailableCredential is returned when no RUNNING credential
	// matches the requested provider type.
	ErrNoAvailableCredential = errors.New("no credential available for query")
)

// QueueTimeoutError is returned when a dispatched task exceeds its time
// budget. The underlying work is not cancelled; only the caller's wait ends.
type QueueTimeoutError struct {
	QueueID string
	Timeout string
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("exec task timeout, queueId: %s (budget %s)", e.QueueID, e.Timeout)
}

// ValidationError marks malformed input rejected before dispatch.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError carries the HTTP status and body of a failed provider call.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s request failed: HTTP %d - %s", e.Provider, e.StatusCode, e.Body)
}

// NewUpstreamError creates an UpstreamError from a provider response.
func NewUpstreamError(provider string, statusCode int, body []byte) *UpstreamError {
	return &UpstreamError{Provider: provider, StatusCode: statusCode, Body: string(body)}
}

// RetriesExhaustedError aggregates a failed completion after the retry cap.
// Retries counts only the retries; the initial call is not included.
type RetriesExhaustedError struct {
	Retries int
	Last    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("completion failed after %d retries: %v", e.Retries, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// Outcome is the classification of a gateway failure. It decides the
// credential status change and whether the orchestrator rotates to a new
// credential.
type Outcome int

const (
	// OutcomeFatal is a non-retryable provider rejection (bad request).
	OutcomeFatal Outcome = iota
	// OutcomeBanned indicates the credential has been terminated upstream.
	OutcomeBanned
	// OutcomeRateLimited indicates the credential hit a usage limit.
	OutcomeRateLimited
	// OutcomeTransient is a retryable server-side failure; the credential
	// itself is fine.
	OutcomeTransient
	// OutcomeUnknown is an unclassified failure: mark the credential ERROR
	// and retry exactly once more.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFatal:
		return "fatal"
	case OutcomeBanned:
		return "banned"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Message fragments that identify a banned credential.
var banPatterns = []string{
	"access was terminated",
	"Invalid URL",
}

// Message fragments that identify a transient server-side failure.
var transientPatterns = []string{
	"Internal server error",
	"502 Bad Gateway",
	"retry your request",
	"Service Temporarily Unavailable",
}

// Classify maps a gateway failure to an Outcome. Order matters: a 400 is
// always fatal, ban patterns beat the generic "limit" match, and the HTTP
// status is consulted before falling through to unknown.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeUnknown
	}

	msg := err.Error()

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode == http.StatusBadRequest {
		return OutcomeFatal
	}

	for _, pattern := range banPatterns {
		if strings.Contains(msg, pattern) {
			return OutcomeBanned
		}
	}

	if strings.Contains(msg, "limit") {
		return OutcomeRateLimited
	}

	if errors.As(err, &upstream) && upstream.StatusCode == http.StatusInternalServerError {
		return OutcomeTransient
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return OutcomeTransient
		}
	}

	return OutcomeUnknown
}
