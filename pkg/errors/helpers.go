package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AsInfra extracts an InfraError from err's chain, if present.
func AsInfra(err error) (*InfraError, bool) {
	var ie *InfraError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
// Context cancellation and deadline errors are classified even when they were
// never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ie, ok := AsInfra(err); ok {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return ""
}

// IsKind reports whether err's chain contains an InfraError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable checks if an error is retryable. Foreign errors default to
// retryable so that unclassified transport failures still go through the
// backoff loop; classified errors carry their own flag.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ie, ok := AsInfra(err); ok {
		return ie.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return IsKind(err, KindCircuitOpen)
}

// IsCancelled reports whether err represents a cancelled operation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// GetRetryAfter extracts the retry after duration from an error
func GetRetryAfter(err error) *time.Duration {
	if ie, ok := AsInfra(err); ok {
		return ie.RetryAfter
	}
	return nil
}

// NewTimeoutError creates a timeout-kind error for an operation that exceeded
// its effective deadline.
func NewTimeoutError(operation string, timeout time.Duration) *InfraError {
	return New(KindTimeout, fmt.Sprintf("operation %q timed out after %s", operation, timeout)).
		WithCode("OPERATION_TIMEOUT").
		WithDetail("timeout", timeout.String())
}

// NewCircuitOpenError creates a circuit-open rejection. Circuit-open errors are
// never retried within the same call.
func NewCircuitOpenError(breaker string, openUntil time.Time) *InfraError {
	return New(KindCircuitOpen, fmt.Sprintf("circuit breaker %q is open", breaker)).
		WithCode("CIRCUIT_BREAKER_OPEN").
		WithDetail("circuit_breaker", breaker).
		WithDetail("open_until", openUntil)
}

// NewCancelledError creates a cancelled-kind error. The message always contains
// the substring "Cancelled" so racing losers are recognisable in results.
func NewCancelledError(reason string) *InfraError {
	return New(KindCancelled, fmt.Sprintf("Cancelled: %s", reason)).
		WithCode("OPERATION_CANCELLED")
}

// NewRateLimitedError creates a rate-limited rejection.
func NewRateLimitedError(limiter string, cause error) *InfraError {
	return New(KindRateLimited, fmt.Sprintf("rate limiter %q rejected the operation", limiter)).
		WithCode("RATE_LIMIT_EXCEEDED").
		WithCause(cause)
}

// NewValidationError creates a validation-kind error. Validation errors are
// raised before dispatch and never retried.
func NewValidationError(message string) *InfraError {
	return New(KindValidation, message).
		WithCode("VALIDATION_FAILED").
		WithSeverity(SeverityWarning)
}

// NewTransportError wraps a transport or user-function failure.
func NewTransportError(message string, cause error) *InfraError {
	return New(KindTransportFailure, message).
		WithCode("TRANSPORT_FAILED").
		WithCause(cause)
}

// NewAnalyzerError wraps a response analyzer verdict or analyzer crash.
func NewAnalyzerError(message string, cause error) *InfraError {
	return New(KindAnalyzerFailure, message).
		WithCode("ANALYZER_FAILED").
		WithCause(cause)
}

// NewPreHookError wraps a pre-execution hook failure.
func NewPreHookError(message string, cause error) *InfraError {
	return New(KindPreHookFailure, message).
		WithCode("PRE_HOOK_FAILED").
		WithCause(cause)
}

// NewPhaseNotFoundError reports a jump or skip target that does not exist. The
// message names the missing id.
func NewPhaseNotFoundError(phaseID string) *InfraError {
	return New(KindPhaseNotFound, fmt.Sprintf("phase %q not found", phaseID)).
		WithCode("PHASE_NOT_FOUND").
		WithDetail("phase_id", phaseID)
}

// NewReplayExhaustedError reports a phase that exceeded its replay budget.
func NewReplayExhaustedError(phaseID string, maxReplays int) *InfraError {
	return New(KindReplayExhausted, "Exceeded max replay count").
		WithCode("REPLAY_EXHAUSTED").
		WithDetail("phase_id", phaseID).
		WithDetail("max_replays", maxReplays)
}

// NewLoopExceededError reports a workflow that exceeded its iteration cap.
func NewLoopExceededError(iterations int) *InfraError {
	return New(KindLoopExceeded, "Exceeded maximum workflow iterations").
		WithCode("LOOP_EXCEEDED").
		WithDetail("iterations", iterations)
}

// FromContextError converts a context error to the matching InfraError kind.
func FromContextError(err error) *InfraError {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, "context deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewCancelledError("context cancelled").WithCause(err)
	}
	return NewTransportError("context error", err)
}
