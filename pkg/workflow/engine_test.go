package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/executor"
	"github.com/stableinfra/go-sdk/pkg/gateway"
)

func newTestEngine() *Engine {
	return NewEngine(executor.New())
}

func okPhase(id string) *Phase {
	return &Phase{
		ID: id,
		Operations: []*core.Operation{
			{ID: id + "-op", Function: func(ctx context.Context, args []interface{}) (interface{}, error) {
				return id, nil
			}},
		},
	}
}

func failPhase(id string) *Phase {
	return &Phase{
		ID: id,
		Operations: []*core.Operation{
			{ID: id + "-op", Function: func(ctx context.Context, args []interface{}) (interface{}, error) {
				return nil, fmt.Errorf("%s failed", id)
			}},
		},
	}
}

func phaseIDs(history []ExecutionRecord) []string {
	out := make([]string, 0, len(history))
	for _, rec := range history {
		out = append(out, rec.PhaseID)
	}
	return out
}

func TestRunPhasesValidation(t *testing.T) {
	en := newTestEngine()
	_, err := en.RunPhases(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = en.RunPhases(context.Background(), []*Phase{okPhase("a"), okPhase("a")}, nil)
	assert.Error(t, err)
}

func TestLinearPhasesRunInOrder(t *testing.T) {
	en := newTestEngine()
	result, err := en.RunPhases(context.Background(),
		[]*Phase{okPhase("init"), okPhase("process"), okPhase("finalize")}, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.TerminatedEarly)
	assert.Equal(t, []string{"init", "process", "finalize"}, phaseIDs(result.History))
	assert.Equal(t, 3, result.TotalPhaseExecutions)
	for i, rec := range result.History {
		assert.Equal(t, 1, rec.ExecutionNumber)
		assert.Equal(t, i, rec.PhaseIndex)
		assert.True(t, rec.Success)
	}
}

func TestBackwardJumpThenContinue(t *testing.T) {
	en := newTestEngine()
	var validateRuns int32
	validate := okPhase("validate")
	validate.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		if atomic.AddInt32(&validateRuns, 1) == 1 {
			return Jump("process"), nil
		}
		return Continue(), nil
	}

	result, err := en.RunPhases(context.Background(),
		[]*Phase{okPhase("init"), okPhase("process"), validate, okPhase("finalize")}, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t,
		[]string{"init", "process", "validate", "process", "validate", "finalize"},
		phaseIDs(result.History))
	assert.Len(t, result.History, 6)

	var validateNumbers []int
	for _, rec := range result.History {
		if rec.PhaseID == "validate" {
			validateNumbers = append(validateNumbers, rec.ExecutionNumber)
		}
	}
	assert.Equal(t, []int{1, 2}, validateNumbers)
}

func TestJumpToMissingPhaseTerminates(t *testing.T) {
	en := newTestEngine()
	jumper := okPhase("jumper")
	jumper.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Jump("nowhere"), nil
	}
	result, err := en.RunPhases(context.Background(), []*Phase{jumper, okPhase("after")}, nil)
	require.NoError(t, err)

	assert.True(t, result.TerminatedEarly)
	assert.Contains(t, result.TerminationReason, "nowhere")
	assert.False(t, result.Success)
	assert.Equal(t, []string{"jumper"}, phaseIDs(result.History), "no successors after termination")
}

func TestReplayBoundedByMaxReplayCount(t *testing.T) {
	en := newTestEngine()
	replayer := okPhase("replayer")
	replayer.AllowReplay = true
	replayer.MaxReplayCount = 2
	replayer.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Replay(), nil
	}

	result, err := en.RunPhases(context.Background(), []*Phase{replayer, okPhase("after")}, nil)
	require.NoError(t, err)

	// Initial run + 2 replays, then a skipped marker, then the next phase.
	assert.Equal(t, 2, result.ReplayCount)
	ids := phaseIDs(result.History)
	assert.Equal(t, []string{"replayer", "replayer", "replayer", "replayer", "after"}, ids)

	marker := result.History[3]
	assert.True(t, marker.Skipped)
	assert.Equal(t, "Exceeded max replay count", marker.Error)

	executions := 0
	for _, rec := range result.History {
		if rec.PhaseID == "replayer" && !rec.Skipped {
			executions++
		}
	}
	assert.Equal(t, 3, executions, "replays bounded by MaxReplayCount + 1")
}

func TestReplayWithoutAllowReplayContinues(t *testing.T) {
	en := newTestEngine()
	p := okPhase("no-replay")
	p.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Replay(), nil
	}
	result, err := en.RunPhases(context.Background(), []*Phase{p, okPhase("after")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"no-replay", "after"}, phaseIDs(result.History))
	assert.Equal(t, 0, result.ReplayCount)
}

func TestSkipToTarget(t *testing.T) {
	en := newTestEngine()
	skipper := okPhase("skipper")
	skipper.AllowSkip = true
	skipper.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Skip("final"), nil
	}
	result, err := en.RunPhases(context.Background(),
		[]*Phase{skipper, okPhase("middle1"), okPhase("middle2"), okPhase("final")}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"skipper", "middle1", "middle2", "final"}, phaseIDs(result.History))
	assert.True(t, result.History[1].Skipped)
	assert.True(t, result.History[2].Skipped)
	assert.False(t, result.History[3].Skipped)
	assert.Equal(t, 2, result.SkipCount)
	assert.Equal(t, 2, result.TotalPhaseExecutions, "skip markers are not executions")
}

func TestSkipWithoutTargetSkipsNextPhase(t *testing.T) {
	en := newTestEngine()
	skipper := okPhase("skipper")
	skipper.AllowSkip = true
	skipper.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Skip(""), nil
	}
	result, err := en.RunPhases(context.Background(),
		[]*Phase{skipper, okPhase("skipped"), okPhase("final")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"skipper", "skipped", "final"}, phaseIDs(result.History))
	assert.True(t, result.History[1].Skipped)
	assert.False(t, result.History[2].Skipped)
}

func TestTerminateDecision(t *testing.T) {
	en := newTestEngine()
	terminator := okPhase("terminator")
	terminator.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Terminate("maintenance window"), nil
	}
	result, err := en.RunPhases(context.Background(),
		[]*Phase{terminator, okPhase("never")}, nil)
	require.NoError(t, err)

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, "maintenance window", result.TerminationReason)
	assert.Equal(t, []string{"terminator"}, phaseIDs(result.History))
	assert.True(t, result.Success, "controlled termination keeps phase successes")
}

func TestDecisionHookErrorDefaultsToContinue(t *testing.T) {
	en := newTestEngine()
	p := okPhase("fallible-hook")
	p.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return nil, fmt.Errorf("hook broke")
	}
	result, err := en.RunPhases(context.Background(), []*Phase{p, okPhase("after")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fallible-hook", "after"}, phaseIDs(result.History))
}

func TestDecisionHookPanicDefaultsToContinue(t *testing.T) {
	en := newTestEngine()
	p := okPhase("panicky-hook")
	p.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		panic("hook exploded")
	}
	result, err := en.RunPhases(context.Background(), []*Phase{p, okPhase("after")}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestConcurrentPhaseGroup(t *testing.T) {
	en := newTestEngine()
	var seen atomic.Value
	a := okPhase("group-a")
	a.ConcurrentPhase = true
	b := okPhase("group-b")
	b.ConcurrentPhase = true
	b.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		seen.Store(in.ConcurrentPhaseResults)
		return Continue(), nil
	}

	result, err := en.RunPhases(context.Background(), []*Phase{a, b, okPhase("after")}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"group-a", "group-b", "after"}, phaseIDs(result.History))

	groupResults, ok := seen.Load().(map[string]*gateway.BatchResult)
	require.True(t, ok, "last phase of the group sees concurrentPhaseResults")
	assert.Len(t, groupResults, 2)
	assert.Contains(t, groupResults, "group-a")
	assert.Contains(t, groupResults, "group-b")
}

func TestConcurrentGroupFailureIsConjunction(t *testing.T) {
	en := newTestEngine()
	a := okPhase("ok-phase")
	a.ConcurrentPhase = true
	b := failPhase("bad-phase")
	b.ConcurrentPhase = true

	result, err := en.RunPhases(context.Background(), []*Phase{a, b}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.TotalPhaseExecutions)
}

func TestLoopDetectionCapsIterations(t *testing.T) {
	en := newTestEngine()
	looper := okPhase("looper")
	looper.AllowReplay = true
	looper.MaxReplayCount = 1000
	looper.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		return Replay(), nil
	}

	result, err := en.RunPhases(context.Background(), []*Phase{looper},
		&Config{MaxIterations: 5})
	require.NoError(t, err)

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, "Exceeded maximum workflow iterations", result.TerminationReason)
	assert.LessOrEqual(t, result.TotalPhaseExecutions, 5)
	assert.False(t, result.Success)
}

func TestExecutionHistoryVisibleToHooks(t *testing.T) {
	en := newTestEngine()
	var historyLen int
	second := okPhase("second")
	second.Decision = func(ctx context.Context, in *DecisionInput) (*Decision, error) {
		historyLen = len(in.History)
		return Continue(), nil
	}
	_, err := en.RunPhases(context.Background(), []*Phase{okPhase("first"), second}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, historyLen, "hook sees prior executions plus its own phase")
}

func TestWorkflowTimeout(t *testing.T) {
	en := newTestEngine()
	slow := &Phase{
		ID: "slow",
		Operations: []*core.Operation{
			{ID: "slow-op", Function: func(ctx context.Context, args []interface{}) (interface{}, error) {
				select {
				case <-time.After(time.Second):
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}},
		},
	}
	result, err := en.RunPhases(context.Background(), []*Phase{slow, okPhase("after")},
		&Config{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.TerminatedEarly)
}
