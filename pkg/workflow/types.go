// Package workflow implements the composite execution engine: linear phases,
// mixed serial/parallel phase groups, branches and DAG workflows, driven by
// decision hooks that can continue, jump, replay, skip or terminate.
package workflow

import (
	"context"
	"time"

	"github.com/stableinfra/go-sdk/pkg/buffer"
	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/gateway"
)

// DefaultMaxIterations caps total phase executions across a workflow. The cap
// is a loop-detection guardrail, not a scheduling budget.
const DefaultMaxIterations = 100

// DecisionAction is the verdict of a decision hook.
type DecisionAction string

const (
	// ActionContinue advances to the next phase
	ActionContinue DecisionAction = "CONTINUE"
	// ActionJump advances to the named phase, forward or backward
	ActionJump DecisionAction = "JUMP"
	// ActionReplay re-executes the same phase, bounded by MaxReplayCount
	ActionReplay DecisionAction = "REPLAY"
	// ActionSkip skips forward to the target or past the next phase
	ActionSkip DecisionAction = "SKIP"
	// ActionTerminate ends the workflow early
	ActionTerminate DecisionAction = "TERMINATE"
)

// Decision is returned by a decision hook after a phase or branch completes.
type Decision struct {
	Action DecisionAction `json:"action"`

	// TargetPhaseID names the JUMP or SKIP target
	TargetPhaseID string `json:"target_phase_id,omitempty"`

	// Metadata accompanies TERMINATE; Metadata["reason"] becomes the
	// termination reason. Metadata["route"] selects custom graph edges.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Continue is the default decision.
func Continue() *Decision { return &Decision{Action: ActionContinue} }

// Jump builds a JUMP decision.
func Jump(targetPhaseID string) *Decision {
	return &Decision{Action: ActionJump, TargetPhaseID: targetPhaseID}
}

// Replay builds a REPLAY decision.
func Replay() *Decision { return &Decision{Action: ActionReplay} }

// Skip builds a SKIP decision; target may be empty to skip the next phase.
func Skip(targetPhaseID string) *Decision {
	return &Decision{Action: ActionSkip, TargetPhaseID: targetPhaseID}
}

// Terminate builds a TERMINATE decision with an optional reason.
func Terminate(reason string) *Decision {
	d := &Decision{Action: ActionTerminate}
	if reason != "" {
		d.Metadata = map[string]interface{}{"reason": reason}
	}
	return d
}

// DecisionInput is handed to a phase decision hook.
type DecisionInput struct {
	// PhaseResult is the batch result of the phase that just completed
	PhaseResult *gateway.BatchResult

	// ConcurrentPhaseResults is set on the last phase of a concurrent phase
	// group and maps phase id to its result
	ConcurrentPhaseResults map[string]*gateway.BatchResult

	// History is the append-only execution history so far
	History []ExecutionRecord

	// Buffer is the workflow's shared buffer
	Buffer *buffer.StableBuffer

	Context core.ExecutionContext
}

// DecisionHook chooses the next step after a phase completes. A nil decision
// or a hook error defaults to CONTINUE.
type DecisionHook func(ctx context.Context, in *DecisionInput) (*Decision, error)

// Phase is an ordered or concurrent cluster of operations, optionally
// followed by a decision hook.
type Phase struct {
	// ID is unique within the workflow
	ID string `json:"id"`

	Operations []*core.Operation `json:"operations"`

	// Concurrent runs the phase's operations simultaneously
	Concurrent bool `json:"concurrent,omitempty"`

	// StopOnFirstError stops a sequential phase at the first failure
	StopOnFirstError bool `json:"stop_on_first_error,omitempty"`

	// Racing completes the phase on the first operation success
	Racing bool `json:"racing,omitempty"`

	// ConcurrentPhase groups this phase with adjacent same-marked phases for
	// inter-phase parallelism
	ConcurrentPhase bool `json:"concurrent_phase,omitempty"`

	// Decision runs after the phase (or its group) completes
	Decision DecisionHook `json:"-"`

	// AllowReplay permits REPLAY decisions, bounded by MaxReplayCount
	AllowReplay    bool `json:"allow_replay,omitempty"`
	MaxReplayCount int  `json:"max_replay_count,omitempty"`

	// AllowSkip permits SKIP decisions
	AllowSkip bool `json:"allow_skip,omitempty"`

	// GroupProfiles overlay resilience profiles per operation group
	GroupProfiles map[string]*core.ResilienceProfile `json:"group_profiles,omitempty"`
}

// BranchDecisionHook chooses what happens after a branch completes. Only
// CONTINUE, REPLAY and TERMINATE are honoured.
type BranchDecisionHook func(ctx context.Context, in *BranchDecisionInput) (*Decision, error)

// BranchDecisionInput is handed to a branch decision hook.
type BranchDecisionInput struct {
	Branch  *BranchResult
	History []ExecutionRecord
	Buffer  *buffer.StableBuffer
	Context core.ExecutionContext
}

// Branch is an ordered list of phases, optionally running in parallel with
// sibling branches.
type Branch struct {
	// ID is unique within the workflow
	ID string `json:"id"`

	Phases []*Phase `json:"phases"`

	// ConcurrentBranch runs this branch in parallel with adjacent same-marked
	// siblings
	ConcurrentBranch bool `json:"concurrent_branch,omitempty"`

	// Decision runs after the branch completes
	Decision BranchDecisionHook `json:"-"`

	// AllowReplay permits branch REPLAY decisions, bounded by MaxReplayCount
	AllowReplay    bool `json:"allow_replay,omitempty"`
	MaxReplayCount int  `json:"max_replay_count,omitempty"`
}

// ExecutionRecord is appended to the history for every phase execution,
// including replays and skip markers.
type ExecutionRecord struct {
	PhaseID  string `json:"phase_id"`
	BranchID string `json:"branch_id,omitempty"`

	// PhaseIndex is the phase's position in its declaration list
	PhaseIndex int `json:"phase_index"`

	// ExecutionNumber counts executions of this phase, starting at 1.
	// Skip markers carry the number 0.
	ExecutionNumber int `json:"execution_number"`

	Success       bool           `json:"success"`
	Skipped       bool           `json:"skipped,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Decision      DecisionAction `json:"decision,omitempty"`
	Error         string         `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// BranchResult summarises one branch run.
type BranchResult struct {
	BranchID  string        `json:"branch_id"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Err       error         `json:"-"`
	ErrorText string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Replays   int           `json:"replays,omitempty"`
}

// Result is the structured outcome of a workflow run.
type Result struct {
	WorkflowID string `json:"workflow_id"`

	Success           bool   `json:"success"`
	TerminatedEarly   bool   `json:"terminated_early,omitempty"`
	TerminationReason string `json:"termination_reason,omitempty"`

	// History is append-only and ordered; every phase execution appears here
	History []ExecutionRecord `json:"history"`

	// PhaseResults maps phase id to the batch result of its most recent
	// execution
	PhaseResults map[string]*gateway.BatchResult `json:"phase_results,omitempty"`

	// BranchResults is populated by branch workflows
	BranchResults map[string]*BranchResult `json:"branch_results,omitempty"`

	TotalPhaseExecutions int           `json:"total_phase_executions"`
	ReplayCount          int           `json:"replay_count"`
	SkipCount            int           `json:"skip_count"`
	Duration             time.Duration `json:"duration"`
	StartedAt            time.Time     `json:"started_at"`
}

// Config configures one workflow run.
type Config struct {
	// WorkflowID identifies the run; generated when empty
	WorkflowID string `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`

	// MaxIterations caps total phase executions (default 100)
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Timeout bounds the whole run; each operation's effective deadline is
	// the smaller of its own timeout and the remaining workflow budget
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// CommonProfile applies under every phase's group and descriptor overlays
	CommonProfile *core.ResilienceProfile `json:"common_profile,omitempty" yaml:"common_profile,omitempty"`

	// Buffer threads through every hook of every phase
	Buffer *buffer.StableBuffer `json:"-" yaml:"-"`

	// EnableBranchRacing runs every branch concurrently, completes the
	// workflow on the first branch success and cancels the rest
	EnableBranchRacing bool `json:"enable_branch_racing,omitempty" yaml:"enable_branch_racing,omitempty"`
}
