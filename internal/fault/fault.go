// Package fault defines the shared error taxonomy and retry policy used
// across the engine. Every component classifies failures through this
// package so that retry, fold-back, and terminal-state decisions stay
// consistent.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine's public surface.
var (
	// ErrValidation marks a malformed submission. Rejected synchronously,
	// never enters the queue.
	ErrValidation = errors.New("validation failed")

	// ErrQueueRejected marks a submission refused while the queue is in
	// emergency stop.
	ErrQueueRejected = errors.New("queue rejected")

	// ErrNotFound marks an unknown task or session id.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable marks a model backend that could not be reached
	// or answered with a transient failure. Retryable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendTimeout marks a backend invocation that exceeded its
	// per-call deadline. Retryable.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrInternal marks an unexpected failure. The affected task fails;
	// the scheduler loop must survive.
	ErrInternal = errors.New("internal error")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted reason.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// QueueRejectedf wraps ErrQueueRejected with a formatted reason.
func QueueRejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrQueueRejected}, args...)...)
}

// Class categorizes backend errors for retry decisions.
type Class string

const (
	// ClassAuth indicates authentication or authorization failures. Not retryable.
	ClassAuth Class = "AUTH"

	// ClassRateLimit indicates rate limiting or quota exhaustion. Retryable.
	ClassRateLimit Class = "RATE_LIMIT"

	// ClassTimeout indicates a request timeout or deadline exceeded. Retryable.
	ClassTimeout Class = "TIMEOUT"

	// ClassUnavailable indicates connection or upstream availability problems. Retryable.
	ClassUnavailable Class = "UNAVAILABLE"

	// ClassContextOverflow indicates the prompt exceeded the model's context
	// window. Not retryable: the prompt is the same on every attempt.
	ClassContextOverflow Class = "CONTEXT_OVERFLOW"

	// ClassUnknown is the default for unrecognized errors. Retryable once the
	// sentinel checks have not matched anything terminal.
	ClassUnknown Class = "UNKNOWN"
)

// Classify categorizes a backend error by sentinel first, then by message
// pattern. It inspects the error message for known upstream patterns and
// returns the most specific Class that matches.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, ErrBackendTimeout) {
		return ClassTimeout
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return ClassUnavailable
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ClassTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") {
		return ClassUnavailable
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ClassContextOverflow
	}

	return ClassUnknown
}

// Retryable reports whether a backend error class is worth another attempt.
func Retryable(c Class) bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassUnavailable, ClassUnknown:
		return true
	}
	return false
}
