package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/executor"
	"github.com/stableinfra/go-sdk/pkg/gateway"
)

// EngineOption configures the workflow engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(en *Engine) { en.log = logger }
}

// WithTracer overrides the tracer used for phase spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(en *Engine) { en.tracer = tracer }
}

// Engine runs phase, branch and graph workflows over a shared executor.
type Engine struct {
	gw     *gateway.Gateway
	log    *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a workflow engine over the given executor.
func NewEngine(exec *executor.Executor, opts ...EngineOption) *Engine {
	en := &Engine{
		log:    zap.NewNop(),
		tracer: otel.Tracer("stableinfra/workflow"),
	}
	for _, opt := range opts {
		opt(en)
	}
	en.gw = gateway.New(exec, en.log)
	return en
}

// RunPhases executes an ordered list of phases. Adjacent phases marked
// ConcurrentPhase form a group and run in parallel; the group's decision hook
// is the last member's and sees every member's result. The returned error
// reports invariant violations only; phase failures live in the result.
func (en *Engine) RunPhases(ctx context.Context, phases []*Phase, cfg *Config) (*Result, error) {
	cfg = normalizeConfig(cfg)
	if err := validatePhases(phases); err != nil {
		return nil, err
	}
	runner := newPhaseRunner(en, phases, cfg, "", newIterationBudget(cfg.MaxIterations))
	runCtx, cancel := workflowContext(ctx, cfg)
	defer cancel()
	runner.run(runCtx)
	runner.finish()
	return runner.result, nil
}

func normalizeConfig(cfg *Config) *Config {
	out := &Config{}
	if cfg != nil {
		*out = *cfg
	}
	if out.WorkflowID == "" {
		out.WorkflowID = uuid.NewString()
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = DefaultMaxIterations
	}
	return out
}

func workflowContext(ctx context.Context, cfg *Config) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func validatePhases(phases []*Phase) error {
	if len(phases) == 0 {
		return errors.NewValidationError("workflow has no phases")
	}
	seen := make(map[string]bool, len(phases))
	for _, p := range phases {
		if p == nil || p.ID == "" {
			return errors.NewValidationError("workflow phase is missing an id")
		}
		if seen[p.ID] {
			return errors.NewValidationError(fmt.Sprintf("duplicate phase id %q", p.ID))
		}
		seen[p.ID] = true
	}
	return nil
}

// iterationBudget caps total phase executions across the entire workflow,
// shared by every runner the workflow spawns (branches included).
type iterationBudget struct {
	mu   sync.Mutex
	used int
	max  int
}

func newIterationBudget(max int) *iterationBudget {
	return &iterationBudget{max: max}
}

// consume reserves n executions, reporting false when the cap would be
// exceeded. Nothing is reserved on refusal.
func (b *iterationBudget) consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.max {
		return false
	}
	b.used += n
	return true
}

// phaseRunner drives one ordered phase list, shared by linear workflows and
// the phases inside a branch.
type phaseRunner struct {
	en       *Engine
	cfg      *Config
	phases   []*Phase
	index    map[string]int
	branchID string

	result     *Result
	executions map[string]int
	replays    map[string]int
	budget     *iterationBudget
	failed     bool
	mu         sync.Mutex
}

func newPhaseRunner(en *Engine, phases []*Phase, cfg *Config, branchID string, budget *iterationBudget) *phaseRunner {
	index := make(map[string]int, len(phases))
	for i, p := range phases {
		index[p.ID] = i
	}
	return &phaseRunner{
		en:       en,
		cfg:      cfg,
		phases:   phases,
		index:    index,
		branchID: branchID,
		budget:   budget,
		result: &Result{
			WorkflowID:   cfg.WorkflowID,
			PhaseResults: make(map[string]*gateway.BatchResult),
			StartedAt:    time.Now(),
		},
		executions: make(map[string]int),
		replays:    make(map[string]int),
	}
}

func (r *phaseRunner) run(ctx context.Context) {
	i := 0
	for i < len(r.phases) {
		groupEnd := r.groupEnd(i)
		groupSize := groupEnd - i + 1

		if !r.budget.consume(groupSize) {
			r.terminate("Exceeded maximum workflow iterations")
			return
		}

		batchResults := r.executeGroup(ctx, i, groupEnd)

		decider := r.phases[groupEnd]
		decision := r.decide(ctx, decider, batchResults, i, groupEnd)
		r.stampDecision(decider.ID, decision.Action)

		switch decision.Action {
		case ActionJump:
			target, ok := r.index[decision.TargetPhaseID]
			if !ok {
				r.terminate(fmt.Sprintf("Jump target phase %q not found", decision.TargetPhaseID))
				return
			}
			i = target

		case ActionReplay:
			if !decider.AllowReplay {
				r.en.log.Warn("replay requested on a phase without allow_replay, continuing",
					zap.String("phase", decider.ID))
				i = groupEnd + 1
				break
			}
			if r.replays[decider.ID] >= decider.MaxReplayCount {
				r.appendSkipped(decider.ID, r.index[decider.ID], "Exceeded max replay count")
				i = groupEnd + 1
				break
			}
			r.replays[decider.ID]++
			r.result.ReplayCount++
			// i unchanged: the same phase (or group) executes again.

		case ActionSkip:
			if !decider.AllowSkip {
				r.en.log.Warn("skip requested on a phase without allow_skip, continuing",
					zap.String("phase", decider.ID))
				i = groupEnd + 1
				break
			}
			next, ok := r.resolveSkip(decision.TargetPhaseID, groupEnd)
			if !ok {
				r.terminate(fmt.Sprintf("Skip target phase %q not found", decision.TargetPhaseID))
				return
			}
			for skipped := groupEnd + 1; skipped < next; skipped++ {
				r.appendSkipped(r.phases[skipped].ID, skipped, "")
			}
			i = next

		case ActionTerminate:
			reason := ""
			if decision.Metadata != nil {
				if s, ok := decision.Metadata["reason"].(string); ok {
					reason = s
				}
			}
			r.terminateKeepSuccess(reason)
			return

		default: // ActionContinue
			i = groupEnd + 1
		}

		if ctx.Err() != nil {
			r.terminate("Workflow context cancelled")
			return
		}
	}
}

// groupEnd returns the index of the last phase in the concurrent group
// starting at i; a phase without the marker forms a group of one.
func (r *phaseRunner) groupEnd(i int) int {
	if !r.phases[i].ConcurrentPhase {
		return i
	}
	j := i
	for j+1 < len(r.phases) && r.phases[j+1].ConcurrentPhase {
		j++
	}
	return j
}

// executeGroup runs phases [from..to] in parallel and appends their records
// in declaration order.
func (r *phaseRunner) executeGroup(ctx context.Context, from, to int) map[string]*gateway.BatchResult {
	type outcome struct {
		batch  *gateway.BatchResult
		record ExecutionRecord
	}
	outcomes := make([]outcome, to-from+1)

	var wg sync.WaitGroup
	for idx := from; idx <= to; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, record := r.executePhase(ctx, r.phases[idx], idx)
			outcomes[idx-from] = outcome{batch: batch, record: record}
		}()
	}
	wg.Wait()

	results := make(map[string]*gateway.BatchResult, len(outcomes))
	r.mu.Lock()
	for i, out := range outcomes {
		phase := r.phases[from+i]
		r.result.History = append(r.result.History, out.record)
		r.result.PhaseResults[phase.ID] = out.batch
		r.result.TotalPhaseExecutions++
		results[phase.ID] = out.batch
	}
	r.mu.Unlock()
	return results
}

func (r *phaseRunner) executePhase(ctx context.Context, phase *Phase, index int) (*gateway.BatchResult, ExecutionRecord) {
	r.mu.Lock()
	r.executions[phase.ID]++
	execNumber := r.executions[phase.ID]
	r.mu.Unlock()

	execCtx := core.ExecutionContext{
		WorkflowID: r.cfg.WorkflowID,
		PhaseID:    phase.ID,
		BranchID:   r.branchID,
	}

	spanCtx, span := r.en.tracer.Start(ctx, "workflow.phase",
		trace.WithAttributes(
			attribute.String("workflow.id", r.cfg.WorkflowID),
			attribute.String("phase.id", phase.ID),
			attribute.Int("phase.execution", execNumber),
		))
	defer span.End()

	batch, err := r.en.gw.Execute(spanCtx, phase.Operations, &gateway.Config{
		Concurrent:       phase.Concurrent,
		StopOnFirstError: phase.StopOnFirstError,
		Racing:           phase.Racing,
		CommonProfile:    r.cfg.CommonProfile,
		GroupProfiles:    phase.GroupProfiles,
		Buffer:           r.cfg.Buffer,
		Context:          execCtx,
	})

	record := ExecutionRecord{
		PhaseID:         phase.ID,
		BranchID:        r.branchID,
		PhaseIndex:      index,
		ExecutionNumber: execNumber,
		Timestamp:       time.Now(),
	}
	if err != nil {
		record.Error = err.Error()
		batch = &gateway.BatchResult{}
		r.en.log.Error("phase dispatch failed", zap.String("phase", phase.ID), zap.Error(err))
	} else {
		record.Success = batch.Success
		record.ExecutionTime = batch.Duration
		if !batch.Success {
			record.Error = firstError(batch)
		}
	}
	return batch, record
}

// decide invokes the group's decision hook; a missing hook or a hook error
// defaults to CONTINUE.
func (r *phaseRunner) decide(ctx context.Context, phase *Phase, results map[string]*gateway.BatchResult, from, to int) *Decision {
	if phase.Decision == nil {
		return Continue()
	}
	in := &DecisionInput{
		PhaseResult: results[phase.ID],
		History:     r.historySnapshot(),
		Buffer:      r.cfg.Buffer,
		Context: core.ExecutionContext{
			WorkflowID: r.cfg.WorkflowID,
			PhaseID:    phase.ID,
			BranchID:   r.branchID,
		},
	}
	if to > from {
		in.ConcurrentPhaseResults = results
	}
	decision, err := errors.CallSafelyValue("decision hook", func() (*Decision, error) {
		return phase.Decision(ctx, in)
	})
	if err != nil {
		r.en.log.Warn("decision hook failed, defaulting to CONTINUE",
			zap.String("phase", phase.ID), zap.Error(err))
		return Continue()
	}
	if decision == nil {
		return Continue()
	}
	return decision
}

// resolveSkip returns the index execution resumes at. An empty target skips
// the phase immediately after the group.
func (r *phaseRunner) resolveSkip(target string, groupEnd int) (int, bool) {
	if target == "" {
		next := groupEnd + 2
		if next > len(r.phases) {
			next = len(r.phases)
		}
		return next, true
	}
	idx, ok := r.index[target]
	if !ok || idx <= groupEnd {
		return 0, false
	}
	return idx, true
}

func (r *phaseRunner) stampDecision(phaseID string, action DecisionAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.result.History) - 1; i >= 0; i-- {
		if r.result.History[i].PhaseID == phaseID && !r.result.History[i].Skipped {
			r.result.History[i].Decision = action
			return
		}
	}
}

func (r *phaseRunner) appendSkipped(phaseID string, index int, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.History = append(r.result.History, ExecutionRecord{
		PhaseID:    phaseID,
		BranchID:   r.branchID,
		PhaseIndex: index,
		Skipped:    true,
		Error:      errText,
		Timestamp:  time.Now(),
	})
	r.result.SkipCount++
}

func (r *phaseRunner) historySnapshot() []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExecutionRecord, len(r.result.History))
	copy(out, r.result.History)
	return out
}

// terminate marks an uncontrolled early exit (loop cap, missing jump target,
// cancellation); the workflow reports failure.
func (r *phaseRunner) terminate(reason string) {
	r.result.TerminatedEarly = true
	r.result.TerminationReason = reason
	r.failed = true
}

// terminateKeepSuccess marks early termination without forcing failure: a
// TERMINATE decision is a controlled exit.
func (r *phaseRunner) terminateKeepSuccess(reason string) {
	r.result.TerminatedEarly = true
	r.result.TerminationReason = reason
}

// finish computes the workflow's aggregate success from the history.
func (r *phaseRunner) finish() {
	r.result.Duration = time.Since(r.result.StartedAt)
	success := !r.failed
	for _, rec := range r.result.History {
		if rec.Skipped {
			continue
		}
		if !rec.Success {
			success = false
			break
		}
	}
	r.result.Success = success
}

func firstError(batch *gateway.BatchResult) string {
	for _, res := range batch.Results {
		if res != nil && !res.Success && res.Err != nil {
			return res.Err.Error()
		}
	}
	return ""
}
