package core

import (
	"context"

	"github.com/stableinfra/go-sdk/pkg/buffer"
)

// PreExecutionInput is handed to a pre-execution hook before each attempt.
type PreExecutionInput struct {
	Context ExecutionContext
	Params  map[string]interface{}
	Buffer  *buffer.StableBuffer
}

// PreExecutionHook runs before an attempt. It may return a partial override of
// the operation descriptor; the override is applied only when the descriptor
// sets ApplyPreExecutionConfigOverride, and only for that attempt.
type PreExecutionHook func(ctx context.Context, in *PreExecutionInput) (*OperationOverride, error)

// AnalyzerVerdict records whether the response analyzer ran and what it said.
type AnalyzerVerdict string

const (
	// VerdictPass means the analyzer accepted the outcome
	VerdictPass AnalyzerVerdict = "pass"
	// VerdictFail means the analyzer rejected the outcome
	VerdictFail AnalyzerVerdict = "fail"
	// VerdictNotRun means no analyzer was configured or the attempt never ran
	VerdictNotRun AnalyzerVerdict = "not-run"
)

// AnalyzerInput is handed to a response analyzer after each attempt. Response
// is nil for the function variant; Payload carries the function result or the
// response body.
type AnalyzerInput struct {
	Context  ExecutionContext
	Response *TransportResponse
	Payload  interface{}
	Buffer   *buffer.StableBuffer
}

// ResponseAnalyzer classifies an outcome that the transport considered
// successful. Returning an error marks the attempt failed; the error may be
// flagged non-retryable to stop the loop.
type ResponseAnalyzer func(ctx context.Context, in *AnalyzerInput) error

// FinalErrorInput is handed to the final error analyzer after the loop
// exhausts its attempts.
type FinalErrorInput struct {
	Context  ExecutionContext
	Err      error
	Attempts []AttemptRecord
	Buffer   *buffer.StableBuffer
}

// FinalErrorAnalyzer inspects the aggregated failure. Returning suppress=true
// downgrades the failure: the result still reports success=false, but the
// error is withheld from the caller's throw path and composite executors
// continue with siblings.
type FinalErrorAnalyzer func(ctx context.Context, in *FinalErrorInput) (suppress bool, err error)

// AttemptEvent describes one attempt outcome for the observability handlers.
type AttemptEvent struct {
	Context ExecutionContext
	Attempt AttemptRecord
	Buffer  *buffer.StableBuffer
}

// AttemptEventHandler receives per-attempt success or error events when the
// matching log-all flag is set on the descriptor. Handler errors are logged
// and otherwise ignored.
type AttemptEventHandler func(ctx context.Context, ev *AttemptEvent) error
