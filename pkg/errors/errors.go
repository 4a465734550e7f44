// Package errors provides the error handling utilities shared by every component
// of the runtime. Errors are classified by kind rather than by concrete type, and
// every error carries the execution context it occurred in plus retryability
// information consumed by the retry loop and the composite executors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors
var (
	// ErrRetryExhausted indicates all retry attempts have been exhausted
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrBufferClosed indicates the stable buffer no longer accepts transactions
	ErrBufferClosed = errors.New("buffer closed")

	// ErrCoordinatorClosed indicates the coordinator backend is disconnected
	ErrCoordinatorClosed = errors.New("coordinator closed")

	// ErrSchedulerStopped indicates the scheduler no longer dispatches jobs
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// Kind classifies an error for the retry loop and the composite executors.
// Kinds are stable, user-observable strings.
type Kind string

const (
	// KindTimeout indicates an operation exceeded its effective deadline
	KindTimeout Kind = "timeout"
	// KindCircuitOpen indicates a circuit breaker rejected the operation
	KindCircuitOpen Kind = "circuit-open"
	// KindCancelled indicates the operation was cancelled (racing loser, ctx cancel)
	KindCancelled Kind = "cancelled"
	// KindRateLimited indicates a rate limiter rejected or abandoned the operation
	KindRateLimited Kind = "rate-limited"
	// KindValidation indicates invalid input detected before dispatch
	KindValidation Kind = "validation"
	// KindAnalyzerFailure indicates a response or error analyzer failed
	KindAnalyzerFailure Kind = "analyzer-failure"
	// KindTransportFailure indicates the transport or user function failed
	KindTransportFailure Kind = "transport-failure"
	// KindPreHookFailure indicates a pre-execution hook failed
	KindPreHookFailure Kind = "pre-hook-failure"
	// KindCachedMiss indicates a cache lookup that was required to hit missed
	KindCachedMiss Kind = "cached-miss"
	// KindReplayExhausted indicates a phase exceeded its max replay count
	KindReplayExhausted Kind = "replay-exhausted"
	// KindLoopExceeded indicates a workflow exceeded its iteration cap
	KindLoopExceeded Kind = "loop-exceeded"
	// KindPhaseNotFound indicates a jump or skip named a phase that does not exist
	KindPhaseNotFound Kind = "phase-not-found"
)

// Severity levels for errors
type Severity int

const (
	// SeverityInfo indicates an informational error
	SeverityInfo Severity = iota
	// SeverityWarning indicates a warning that doesn't prevent operation
	SeverityWarning
	// SeverityError indicates a recoverable error
	SeverityError
	// SeverityCritical indicates a critical error requiring immediate attention
	SeverityCritical
)

// String returns the string representation of severity
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ExecutionContext identifies where in a workflow an error occurred. It is
// propagated into every hook invocation and log message and never mutated
// mid-execution.
type ExecutionContext struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	PhaseID    string `json:"phase_id,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
}

// IsZero reports whether no identifiers are set.
func (c ExecutionContext) IsZero() bool {
	return c == ExecutionContext{}
}

// InfraError is the error type produced by every runtime component.
type InfraError struct {
	// Kind classifies the error for retry decisions and reporting
	Kind Kind

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Severity indicates the error severity
	Severity Severity

	// Timestamp is when the error occurred
	Timestamp time.Time

	// Context identifies the workflow/phase/branch/request the error belongs to
	Context ExecutionContext

	// Details provides additional error context
	Details map[string]interface{}

	// Cause is the underlying error, if any
	Cause error

	// Retryable indicates if the operation can be retried
	Retryable bool

	// RetryAfter suggests when to retry (if retryable)
	RetryAfter *time.Duration
}

// New creates an InfraError of the given kind. Retryability defaults from the
// kind: transport, timeout and analyzer failures retry, everything else does
// not.
func New(kind Kind, message string) *InfraError {
	return &InfraError{
		Kind:      kind,
		Message:   message,
		Severity:  SeverityError,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: defaultRetryable(kind),
	}
}

// Newf creates an InfraError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *InfraError {
	return New(kind, fmt.Sprintf(format, args...))
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTransportFailure, KindTimeout, KindAnalyzerFailure:
		return true
	default:
		return false
	}
}

// Error implements the error interface
func (e *InfraError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Kind, e.codeOrKind(), e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.codeOrKind(), e.Message)
}

func (e *InfraError) codeOrKind() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error
func (e *InfraError) Unwrap() error {
	return e.Cause
}

// WithCode sets a machine-readable error code
func (e *InfraError) WithCode(code string) *InfraError {
	e.Code = code
	return e
}

// WithDetail adds a detail to the error
func (e *InfraError) WithDetail(key string, value interface{}) *InfraError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds an underlying cause to the error
func (e *InfraError) WithCause(cause error) *InfraError {
	e.Cause = cause
	return e
}

// WithContext attaches the execution context the error occurred in
func (e *InfraError) WithContext(ctx ExecutionContext) *InfraError {
	e.Context = ctx
	return e
}

// WithSeverity overrides the default severity
func (e *InfraError) WithSeverity(s Severity) *InfraError {
	e.Severity = s
	return e
}

// WithRetry marks the error as retryable with a suggested retry time
func (e *InfraError) WithRetry(after time.Duration) *InfraError {
	e.Retryable = true
	e.RetryAfter = &after
	return e
}

// NotRetryable marks the error as permanently failed
func (e *InfraError) NotRetryable() *InfraError {
	e.Retryable = false
	e.RetryAfter = nil
	return e
}
