package core

import (
	"context"
	"fmt"

	"github.com/stableinfra/go-sdk/pkg/buffer"
	"github.com/stableinfra/go-sdk/pkg/errors"
)

// OperationFunc is the function variant of an operation. Arguments and result
// are opaque to the engine.
type OperationFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Operation describes one attempt-bearing unit of work: either a transport
// request or a function call. Descriptors are immutable once dispatched; the
// pre-execution hook may produce a per-attempt override instead of mutating
// the descriptor.
type Operation struct {
	// ID is unique within the operation's batch or phase
	ID string `json:"id"`

	// GroupID groups operations for per-group profile resolution
	GroupID string `json:"group_id,omitempty"`

	// Request is set for the request variant
	Request *RequestSpec `json:"request,omitempty"`

	// Function and Args are set for the function variant
	Function OperationFunc `json:"-"`
	Args     []interface{} `json:"args,omitempty"`

	// FunctionName identifies the function for cache fingerprints and logs
	FunctionName string `json:"function_name,omitempty"`

	// Profile is the per-descriptor resilience profile overlay
	Profile *ResilienceProfile `json:"profile,omitempty"`

	// PreExecutionHook runs before each attempt with Params and the shared
	// buffer; its override applies when ApplyPreExecutionConfigOverride is set
	PreExecutionHook                  PreExecutionHook       `json:"-"`
	PreExecutionParams                map[string]interface{} `json:"pre_execution_params,omitempty"`
	ApplyPreExecutionConfigOverride   bool                   `json:"apply_pre_execution_config_override,omitempty"`
	ContinueOnPreExecutionHookFailure bool                   `json:"continue_on_pre_execution_hook_failure,omitempty"`

	// ResponseAnalyzer classifies outcomes; FinalErrorAnalyzer runs once after
	// the loop exhausts
	ResponseAnalyzer   ResponseAnalyzer   `json:"-"`
	FinalErrorAnalyzer FinalErrorAnalyzer `json:"-"`

	// Observability flags and handlers
	LogAllErrors             bool                `json:"log_all_errors,omitempty"`
	LogAllSuccessfulAttempts bool                `json:"log_all_successful_attempts,omitempty"`
	HandleErrors             AttemptEventHandler `json:"-"`
	HandleSuccessfulAttempt  AttemptEventHandler `json:"-"`

	// Context identifies the workflow/phase/branch/request for hooks and logs
	Context ExecutionContext `json:"context,omitempty"`

	// Buffer is the shared state buffer passed into every hook
	Buffer *buffer.StableBuffer `json:"-"`
}

// IsRequest reports whether the operation is the request variant.
func (o *Operation) IsRequest() bool {
	return o.Request != nil
}

// Validate checks the descriptor before dispatch.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return errors.NewValidationError("operation id is required")
	}
	if o.Request == nil && o.Function == nil {
		return errors.NewValidationError(fmt.Sprintf("operation %q has neither request nor function", o.ID))
	}
	if o.Request != nil && o.Function != nil {
		return errors.NewValidationError(fmt.Sprintf("operation %q has both request and function", o.ID))
	}
	if o.Request != nil {
		if err := o.Request.Validate(); err != nil {
			return err
		}
	}
	if o.Profile != nil {
		if err := o.Profile.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveProfile resolves the normalised profile for this descriptor alone.
// The gateway layers common and group overlays before calling this.
func (o *Operation) EffectiveProfile() ResilienceProfile {
	var base ResilienceProfile
	return base.Merge(o.Profile).Normalize()
}

// OperationOverride is a partial override of a descriptor, produced by a
// pre-execution hook. Non-zero fields replace the matching descriptor fields
// for the current attempt only.
type OperationOverride struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Args    []interface{}     `json:"args,omitempty"`
}

// ApplyOverride returns a copy of the operation with the override applied.
// Header and query maps merge, override entries winning.
func (o *Operation) ApplyOverride(ov *OperationOverride) *Operation {
	if ov == nil {
		return o
	}
	out := *o
	if o.Request != nil {
		req := *o.Request
		if ov.Method != "" {
			req.Method = ov.Method
		}
		if ov.Path != "" {
			req.Path = ov.Path
		}
		if ov.Body != nil {
			req.Body = ov.Body
		}
		if len(ov.Headers) > 0 {
			merged := make(map[string]string, len(req.Headers)+len(ov.Headers))
			for k, v := range req.Headers {
				merged[k] = v
			}
			for k, v := range ov.Headers {
				merged[k] = v
			}
			req.Headers = merged
		}
		if len(ov.Query) > 0 {
			merged := make(map[string]string, len(req.Query)+len(ov.Query))
			for k, v := range req.Query {
				merged[k] = v
			}
			for k, v := range ov.Query {
				merged[k] = v
			}
			req.Query = merged
		}
		out.Request = &req
	}
	if ov.Args != nil {
		out.Args = ov.Args
	}
	return &out
}
