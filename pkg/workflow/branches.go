package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/gateway"
)

// RunBranches executes a workflow specified as a list of branches rather than
// phases. Adjacent branches marked ConcurrentBranch run in parallel with
// their siblings; within a branch, phases run in the branch's declared order.
// With EnableBranchRacing every branch races: the workflow completes when the
// first branch succeeds and the losers are cancelled. The returned error
// reports invariant violations only.
func (en *Engine) RunBranches(ctx context.Context, branches []*Branch, cfg *Config) (*Result, error) {
	cfg = normalizeConfig(cfg)
	if err := validateBranches(branches); err != nil {
		return nil, err
	}

	runCtx, cancel := workflowContext(ctx, cfg)
	defer cancel()

	br := &branchRunner{
		en:     en,
		cfg:    cfg,
		budget: newIterationBudget(cfg.MaxIterations),
		result: &Result{
			WorkflowID:    cfg.WorkflowID,
			PhaseResults:  make(map[string]*gateway.BatchResult),
			BranchResults: make(map[string]*BranchResult, len(branches)),
			StartedAt:     time.Now(),
		},
	}

	if cfg.EnableBranchRacing {
		br.race(runCtx, branches)
	} else {
		br.runGroups(runCtx, branches)
	}
	br.finish(cfg.EnableBranchRacing)
	return br.result, nil
}

func validateBranches(branches []*Branch) error {
	if len(branches) == 0 {
		return errors.NewValidationError("workflow has no branches")
	}
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b == nil || b.ID == "" {
			return errors.NewValidationError("workflow branch is missing an id")
		}
		if seen[b.ID] {
			return errors.NewValidationError(fmt.Sprintf("duplicate branch id %q", b.ID))
		}
		seen[b.ID] = true
		if err := validatePhases(b.Phases); err != nil {
			return err
		}
	}
	return nil
}

type branchRunner struct {
	en     *Engine
	cfg    *Config
	budget *iterationBudget

	mu         sync.Mutex
	result     *Result
	terminated bool
	winner     string
}

// runGroups walks the branch list, running each maximal run of adjacent
// concurrent branches in parallel.
func (b *branchRunner) runGroups(ctx context.Context, branches []*Branch) {
	i := 0
	for i < len(branches) {
		if b.isTerminated() {
			b.markSkipped(branches[i:], "workflow terminated")
			return
		}
		j := i
		if branches[i].ConcurrentBranch {
			for j+1 < len(branches) && branches[j+1].ConcurrentBranch {
				j++
			}
		}
		if j == i {
			b.storeBranchResult(b.runBranch(ctx, branches[i]))
		} else {
			var wg sync.WaitGroup
			for k := i; k <= j; k++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.storeBranchResult(b.runBranch(ctx, branches[k]))
				}()
			}
			wg.Wait()
		}
		i = j + 1
	}
}

// race runs every branch concurrently and completes on the first success.
// Losers are cancelled and reported as skipped with a cancelled error.
func (b *branchRunner) race(ctx context.Context, branches []*Branch) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, branch := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := b.runBranch(raceCtx, branch)
			b.mu.Lock()
			if res.Success && b.winner == "" {
				b.winner = branch.ID
				cancel()
			}
			b.mu.Unlock()
			b.storeBranchResult(res)
		}()
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.winner == "" {
		return
	}
	for id, res := range b.result.BranchResults {
		if id == b.winner {
			continue
		}
		res.Success = false
		res.Skipped = true
		res.Cancelled = true
		res.Err = errors.NewCancelledError(fmt.Sprintf("branch lost race to %q", b.winner))
		res.ErrorText = res.Err.Error()
	}
}

// runBranch executes a branch's phases, honouring its decision hook. REPLAY
// re-runs the branch up to its replay budget; TERMINATE stops the workflow
// from scheduling further branch groups.
func (b *branchRunner) runBranch(ctx context.Context, branch *Branch) *BranchResult {
	start := time.Now()
	replays := 0
	for {
		runner := newPhaseRunner(b.en, branch.Phases, b.cfg, branch.ID, b.budget)
		runner.run(ctx)
		runner.finish()
		sub := runner.result
		b.mergeHistory(branch.ID, sub)

		res := &BranchResult{
			BranchID: branch.ID,
			Success:  sub.Success,
			Duration: time.Since(start),
			Replays:  replays,
		}
		if ctx.Err() != nil {
			cancelErr := errors.NewCancelledError("branch cancelled").WithContext(
				errors.ExecutionContext{WorkflowID: b.cfg.WorkflowID, BranchID: branch.ID})
			res.Success = false
			res.Cancelled = true
			res.Err = cancelErr
			res.ErrorText = cancelErr.Error()
			return res
		}
		if !sub.Success && sub.TerminatedEarly {
			res.ErrorText = sub.TerminationReason
		}

		decision := b.branchDecision(ctx, branch, res)
		switch decision.Action {
		case ActionReplay:
			if branch.AllowReplay && replays < branch.MaxReplayCount {
				replays++
				b.mu.Lock()
				b.result.ReplayCount++
				b.mu.Unlock()
				continue
			}
			b.en.log.Warn("branch replay budget exhausted, continuing",
				zap.String("branch", branch.ID))
			return res
		case ActionTerminate:
			reason := ""
			if decision.Metadata != nil {
				if s, ok := decision.Metadata["reason"].(string); ok {
					reason = s
				}
			}
			b.setTerminated(reason)
			return res
		default:
			return res
		}
	}
}

func (b *branchRunner) branchDecision(ctx context.Context, branch *Branch, res *BranchResult) *Decision {
	if branch.Decision == nil {
		return Continue()
	}
	in := &BranchDecisionInput{
		Branch:  res,
		History: b.historySnapshot(),
		Buffer:  b.cfg.Buffer,
		Context: errors.ExecutionContext{WorkflowID: b.cfg.WorkflowID, BranchID: branch.ID},
	}
	decision, err := errors.CallSafelyValue("branch decision hook", func() (*Decision, error) {
		return branch.Decision(ctx, in)
	})
	if err != nil {
		b.en.log.Warn("branch decision hook failed, defaulting to CONTINUE",
			zap.String("branch", branch.ID), zap.Error(err))
		return Continue()
	}
	if decision == nil {
		return Continue()
	}
	return decision
}

// mergeHistory folds a branch sub-run into the workflow result. Phase results
// are keyed branch-qualified so sibling branches may reuse phase ids.
func (b *branchRunner) mergeHistory(branchID string, sub *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.History = append(b.result.History, sub.History...)
	for phaseID, batch := range sub.PhaseResults {
		b.result.PhaseResults[branchID+"/"+phaseID] = batch
	}
	b.result.TotalPhaseExecutions += sub.TotalPhaseExecutions
	b.result.ReplayCount += sub.ReplayCount
	b.result.SkipCount += sub.SkipCount
	if sub.TerminatedEarly && sub.TerminationReason == "Exceeded maximum workflow iterations" {
		b.result.TerminatedEarly = true
		b.result.TerminationReason = sub.TerminationReason
	}
}

func (b *branchRunner) storeBranchResult(res *BranchResult) {
	b.mu.Lock()
	b.result.BranchResults[res.BranchID] = res
	b.mu.Unlock()
}

func (b *branchRunner) markSkipped(branches []*Branch, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, branch := range branches {
		b.result.BranchResults[branch.ID] = &BranchResult{
			BranchID:  branch.ID,
			Skipped:   true,
			ErrorText: reason,
		}
	}
}

func (b *branchRunner) setTerminated(reason string) {
	b.mu.Lock()
	b.terminated = true
	b.result.TerminatedEarly = true
	b.result.TerminationReason = reason
	b.mu.Unlock()
}

func (b *branchRunner) isTerminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

func (b *branchRunner) historySnapshot() []ExecutionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ExecutionRecord, len(b.result.History))
	copy(out, b.result.History)
	return out
}

func (b *branchRunner) finish(racing bool) {
	b.result.Duration = time.Since(b.result.StartedAt)
	b.mu.Lock()
	defer b.mu.Unlock()
	if racing {
		b.result.Success = b.winner != ""
		return
	}
	success := true
	for _, res := range b.result.BranchResults {
		if res.Skipped {
			continue
		}
		if !res.Success {
			success = false
			break
		}
	}
	b.result.Success = success
}
