// Package gateway implements the batch executor: a list of operations
// dispatched through the single-operation executor with group-aware profile
// resolution, sequential or concurrent scheduling, and an optional racing
// mode that completes on the first success and cancels the rest.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stableinfra/go-sdk/pkg/buffer"
	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/executor"
)

// Config describes how a batch is dispatched.
type Config struct {
	// Concurrent runs all operations in flight simultaneously; the default
	// is sequential in input order
	Concurrent bool `json:"concurrent,omitempty" yaml:"concurrent,omitempty"`

	// StopOnFirstError stops a sequential batch at the first unsuppressed
	// failure
	StopOnFirstError bool `json:"stop_on_first_error,omitempty" yaml:"stop_on_first_error,omitempty"`

	// Racing completes a concurrent batch as soon as any operation succeeds
	// and cancels the rest
	Racing bool `json:"racing,omitempty" yaml:"racing,omitempty"`

	// CommonProfile applies to every operation under the group and
	// per-descriptor overlays
	CommonProfile *core.ResilienceProfile `json:"common_profile,omitempty" yaml:"common_profile,omitempty"`

	// GroupProfiles overlay per group id
	GroupProfiles map[string]*core.ResilienceProfile `json:"group_profiles,omitempty" yaml:"group_profiles,omitempty"`

	// Buffer is threaded into every hook of every operation
	Buffer *buffer.StableBuffer `json:"-" yaml:"-"`

	// Context seeds the execution context of every operation
	Context core.ExecutionContext `json:"context,omitempty" yaml:"context,omitempty"`
}

// BatchResult aggregates the per-operation results of one batch.
type BatchResult struct {
	// Success is true when every non-suppressed operation succeeded; in
	// racing mode it is true when any operation succeeded
	Success bool `json:"success"`

	// Results holds one entry per operation in input order
	Results []*core.OperationResult `json:"results"`

	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	CancelledCount int           `json:"cancelled_count"`
	Duration       time.Duration `json:"duration"`

	// Winner is the id of the racing winner, if any
	Winner string `json:"winner,omitempty"`
}

// ByID returns the result for an operation id, or nil.
func (b *BatchResult) ByID(id string) *core.OperationResult {
	for _, r := range b.Results {
		if r != nil && r.ID == id {
			return r
		}
	}
	return nil
}

// Gateway dispatches batches through a shared executor.
type Gateway struct {
	exec *executor.Executor
	log  *zap.Logger
}

// New creates a gateway over the given executor.
func New(exec *executor.Executor, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{exec: exec, log: logger}
}

// Execute runs the batch. Individual operation failures never produce an
// error; the returned error reports invariant violations only (duplicate or
// missing operation ids).
func (g *Gateway) Execute(ctx context.Context, ops []*core.Operation, cfg *Config) (*BatchResult, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := validateBatch(ops); err != nil {
		return nil, err
	}

	start := time.Now()
	prepared := make([]*core.Operation, len(ops))
	for i, op := range ops {
		prepared[i] = g.prepare(op, cfg)
	}

	var result *BatchResult
	switch {
	case cfg.Concurrent && cfg.Racing:
		result = g.executeRacing(ctx, prepared)
	case cfg.Concurrent:
		result = g.executeConcurrent(ctx, prepared)
	default:
		result = g.executeSequential(ctx, prepared, cfg.StopOnFirstError)
	}

	result.Duration = time.Since(start)
	for _, r := range result.Results {
		if r == nil {
			continue
		}
		switch {
		case r.Success:
			result.SuccessCount++
		case r.Cancelled:
			result.CancelledCount++
			result.FailureCount++
		default:
			result.FailureCount++
		}
	}
	if cfg.Racing {
		result.Success = result.Winner != ""
	} else {
		result.Success = result.FailureCount == 0
	}
	return result, nil
}

func validateBatch(ops []*core.Operation) error {
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op == nil {
			return errors.NewValidationError("batch contains a nil operation")
		}
		if op.ID == "" {
			return errors.NewValidationError("batch operation is missing an id")
		}
		if seen[op.ID] {
			return errors.NewValidationError(fmt.Sprintf("duplicate operation id %q in batch", op.ID))
		}
		seen[op.ID] = true
	}
	return nil
}

// prepare resolves the operation's effective profile through the merge chain
// (defaults <- common <- group <- descriptor) and threads the shared buffer
// and execution context.
func (g *Gateway) prepare(op *core.Operation, cfg *Config) *core.Operation {
	out := *op
	var group *core.ResilienceProfile
	if op.GroupID != "" && cfg.GroupProfiles != nil {
		group = cfg.GroupProfiles[op.GroupID]
	}
	var base core.ResilienceProfile
	resolved := base.Merge(cfg.CommonProfile, group, op.Profile)
	out.Profile = &resolved
	if out.Buffer == nil {
		out.Buffer = cfg.Buffer
	}
	if out.Context.IsZero() {
		out.Context = core.ChildContext(cfg.Context, "", "", "")
	}
	return &out
}

func (g *Gateway) executeSequential(ctx context.Context, ops []*core.Operation, stopOnFirstError bool) *BatchResult {
	result := &BatchResult{Results: make([]*core.OperationResult, len(ops))}
	for i, op := range ops {
		opResult, err := g.exec.Execute(ctx, op)
		if err != nil && opResult == nil {
			opResult = failedResult(op, err)
		}
		result.Results[i] = opResult
		if !opResult.Success && !opResult.Suppressed && stopOnFirstError {
			g.log.Debug("batch stopped on first error", zap.String("operation", op.ID))
			break
		}
	}
	compact(result)
	return result
}

func (g *Gateway) executeConcurrent(ctx context.Context, ops []*core.Operation) *BatchResult {
	result := &BatchResult{Results: make([]*core.OperationResult, len(ops))}
	eg, egCtx := errgroup.WithContext(ctx)
	for i, op := range ops {
		eg.Go(func() error {
			opResult, err := g.exec.Execute(egCtx, op)
			if err != nil && opResult == nil {
				opResult = failedResult(op, err)
			}
			result.Results[i] = opResult
			return nil
		})
	}
	_ = eg.Wait()
	return result
}

// executeRacing runs every operation concurrently and declares the first
// success the winner. Losers are cancelled and reported with a distinct
// cancelled outcome; failures do not short-circuit the race.
func (g *Gateway) executeRacing(ctx context.Context, ops []*core.Operation) *BatchResult {
	result := &BatchResult{Results: make([]*core.OperationResult, len(ops))}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var winner string
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opResult, err := g.exec.Execute(raceCtx, op)
			if err != nil && opResult == nil {
				opResult = failedResult(op, err)
			}
			mu.Lock()
			if opResult.Success && winner == "" {
				winner = op.ID
				cancel()
			}
			result.Results[i] = opResult
			mu.Unlock()
		}()
	}
	wg.Wait()

	result.Winner = winner
	for i, r := range result.Results {
		if r == nil || r.ID == winner {
			continue
		}
		if winner != "" {
			// Losers carry a cancelled outcome even if they happened to
			// finish after the winner was declared.
			loser := *r
			loser.Success = false
			loser.Cancelled = true
			loser.Data = nil
			loser.Err = errors.NewCancelledError(fmt.Sprintf("lost race to %q", winner)).
				WithContext(r.Context)
			result.Results[i] = &loser
		}
	}
	return result
}

// compact trims trailing nil slots left by a stop-on-first-error exit.
func compact(result *BatchResult) {
	out := result.Results[:0]
	for _, r := range result.Results {
		if r != nil {
			out = append(out, r)
		}
	}
	result.Results = out
}

func failedResult(op *core.Operation, err error) *core.OperationResult {
	r := &core.OperationResult{
		ID:      op.ID,
		GroupID: op.GroupID,
		Context: op.Context,
		Err:     err,
	}
	if err != nil {
		r.ErrorLogs = append(r.ErrorLogs, err.Error())
	}
	r.ComputeMetrics()
	return r
}
