// Package executor implements the single-operation retry loop shared by
// requests and functions. Every attempt passes the admission gates in order
// (circuit breaker, rate limiter, concurrency limiter), consults the cache,
// runs the pre-execution hook, invokes the operation under its timeout and
// classifies the outcome through the response analyzer.
package executor

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// Option configures an Executor.
type Option func(*Executor)

// WithTransport sets the transport used for request-variant operations.
func WithTransport(t core.Transport) Option {
	return func(e *Executor) { e.transport = t }
}

// WithInfrastructure sets the shared primitive registry used to resolve the
// breaker/limiter/cache references in resilience profiles.
func WithInfrastructure(inf *resilience.Infrastructure) Option {
	return func(e *Executor) { e.infra = inf }
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.log = logger }
}

// WithRandomSource overrides the probability source used by trial mode.
// Tests inject a deterministic source here.
func WithRandomSource(fn func() float64) Option {
	return func(e *Executor) { e.randFn = fn }
}

// Executor drives single operations through the retry loop.
type Executor struct {
	transport core.Transport
	infra     *resilience.Infrastructure
	log       *zap.Logger
	randFn    func() float64
}

// New creates an executor. Without options it can run function-variant
// operations with no shared infrastructure.
func New(opts ...Option) *Executor {
	e := &Executor{
		infra:  resilience.NewInfrastructure(),
		log:    zap.NewNop(),
		randFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Infrastructure exposes the executor's primitive registry.
func (e *Executor) Infrastructure() *resilience.Infrastructure { return e.infra }

// Execute runs the operation to completion and returns its structured result.
// The returned error is non-nil only for fatal conditions: descriptor
// validation failures and a final-error-analyzer crash when the profile sets
// ThrowOnFailedErrorAnalysis. Per-attempt failures are reported inside the
// result, never thrown.
func (e *Executor) Execute(ctx context.Context, op *core.Operation) (*core.OperationResult, error) {
	result := &core.OperationResult{
		ID:      op.ID,
		GroupID: op.GroupID,
		Context: op.Context,
	}

	if err := op.Validate(); err != nil {
		result.Err = err
		result.ComputeMetrics()
		return result, err
	}
	profile := op.EffectiveProfile()
	if op.IsRequest() && e.transport == nil {
		err := errors.NewValidationError("no transport configured for request operation").
			WithContext(op.Context)
		result.Err = err
		result.ComputeMetrics()
		return result, err
	}

	breaker := e.resolveBreaker(profile)
	var lastErr error

	for attempt := 1; attempt <= profile.Attempts; attempt++ {
		record, stop := e.runAttempt(ctx, op, &profile, breaker, attempt)
		result.Attempts = append(result.Attempts, *record)

		if record.Outcome == core.OutcomeSuccess {
			result.Success = true
			result.Data = record.Payload
			result.FromCache = result.FromCache || record.FromCache
			if record.FromCache || !profile.PerformAllAttempts {
				break
			}
			continue
		}

		lastErr = record.Err
		if record.Err != nil {
			result.ErrorLogs = append(result.ErrorLogs, record.Err.Error())
		}
		if stop {
			break
		}
		if attempt < profile.Attempts {
			backoff := core.ComputeBackoff(attempt, profile.Strategy, profile.Wait, profile.MaxAllowedWait, profile.Jitter)
			if err := core.SleepContext(ctx, backoff); err != nil {
				cancelErr := errors.FromContextError(err).WithContext(op.Context)
				result.ErrorLogs = append(result.ErrorLogs, cancelErr.Error())
				result.Cancelled = true
				lastErr = cancelErr
				break
			}
		}
	}

	if !result.Success && lastErr != nil {
		result.Err = lastErr
		result.Cancelled = result.Cancelled || errors.IsCancelled(lastErr)
	}
	result.ComputeMetrics()

	if breaker != nil && !sawCircuitRejection(result) {
		breaker.RecordOperation(result.Success)
	}

	if !result.Success && op.FinalErrorAnalyzer != nil {
		suppress, analyzerErr := errors.CallSafelyValue("final error analyzer", func() (bool, error) {
			return op.FinalErrorAnalyzer(ctx, &core.FinalErrorInput{
				Context:  op.Context,
				Err:      result.Err,
				Attempts: result.Attempts,
				Buffer:   op.Buffer,
			})
		})
		if analyzerErr != nil {
			// The analyzer crashed or errored rather than returning a verdict.
			fatal := errors.NewAnalyzerError("final error analysis failed", analyzerErr).
				WithContext(op.Context).NotRetryable()
			if profile.ThrowOnFailedErrorAnalysis {
				result.Err = fatal
				return result, fatal
			}
			e.log.Warn("final error analysis failed",
				zap.String("operation", op.ID), zap.Error(analyzerErr))
		} else if suppress {
			result.Suppressed = true
			result.Err = nil
		}
	}

	return result, nil
}

// runAttempt performs one attempt. The returned stop flag tells the loop to
// exit regardless of remaining attempts (circuit rejection, non-retryable
// error, cancellation).
func (e *Executor) runAttempt(ctx context.Context, op *core.Operation, profile *core.ResilienceProfile, breaker *resilience.CircuitBreaker, attempt int) (*core.AttemptRecord, bool) {
	record := &core.AttemptRecord{
		Number:          attempt,
		StartedAt:       time.Now(),
		AnalyzerVerdict: core.VerdictNotRun,
	}

	// Admission gate: circuit breaker. Rejections exit the loop immediately
	// and are never counted as breaker failures.
	if breaker != nil && !breaker.CanExecute() {
		e.failAttempt(ctx, op, record, breaker.OpenError().WithContext(op.Context))
		return record, true
	}

	// Admission gate: rate limiter. Waits until admitted or cancelled.
	if rl := e.resolveRateLimiter(*profile); rl != nil {
		if err := rl.Acquire(ctx); err != nil {
			e.failAttempt(ctx, op, record, err)
			return record, true
		}
	}

	// Admission gate: concurrency limiter. The attempt body holds a slot for
	// the duration of the invocation.
	if cl := e.resolveConcurrencyLimiter(*profile); cl != nil {
		var stop bool
		err := cl.Execute(ctx, func(slotCtx context.Context) error {
			stop = e.attemptBody(slotCtx, op, profile, breaker, record)
			if record.Outcome == core.OutcomeFailure {
				return record.Err
			}
			return nil
		})
		if err != nil && record.Outcome != core.OutcomeFailure {
			// Queue wait was cancelled before a slot was granted.
			e.failAttempt(ctx, op, record, err)
			return record, true
		}
		return record, stop
	}

	return record, e.attemptBody(ctx, op, profile, breaker, record)
}

// attemptBody runs the gated portion of an attempt: cache lookup, hook,
// trial-mode injection, invocation and analysis.
func (e *Executor) attemptBody(ctx context.Context, op *core.Operation, profile *core.ResilienceProfile, breaker *resilience.CircuitBreaker, record *core.AttemptRecord) bool {
	// Cache lookup ends the loop on a hit.
	if payload, ok := e.cacheLookup(op, profile); ok {
		record.Outcome = core.OutcomeSuccess
		record.Payload = payload
		record.FromCache = true
		record.ExecutionTime = time.Since(record.StartedAt)
		e.fireSuccessHandler(ctx, op, record)
		return true
	}

	// Pre-execution hook, optionally overriding the descriptor for this
	// attempt only.
	attemptOp := op
	if op.PreExecutionHook != nil {
		override, hookErr := errors.CallSafelyValue("pre-execution hook", func() (*core.OperationOverride, error) {
			return op.PreExecutionHook(ctx, &core.PreExecutionInput{
				Context: op.Context,
				Params:  op.PreExecutionParams,
				Buffer:  op.Buffer,
			})
		})
		if hookErr != nil {
			if !op.ContinueOnPreExecutionHookFailure {
				e.failAttempt(ctx, op, record, errors.NewPreHookError("pre-execution hook failed", hookErr).
					WithContext(op.Context).NotRetryable())
				e.recordBreakerAttempt(breaker, false)
				return true
			}
			e.log.Debug("pre-execution hook failed, continuing",
				zap.String("operation", op.ID), zap.Error(hookErr))
		} else if override != nil && op.ApplyPreExecutionConfigOverride {
			attemptOp = op.ApplyOverride(override)
		}
	}

	// Trial mode injects synthetic failures before the operation runs.
	if profile.Trial.Enabled {
		p := profile.Trial.RetryFailureProbability
		if record.Number == 1 {
			p = profile.Trial.RequestFailureProbability
		}
		if p > 0 && e.randFn() < p {
			record.Synthetic = true
			e.failAttempt(ctx, op, record, errors.NewTransportError("trial mode synthetic failure", nil).
				WithContext(op.Context))
			e.recordBreakerAttempt(breaker, false)
			return false
		}
	}

	payload, resp, invokeErr := e.invoke(ctx, attemptOp, profile)

	if invokeErr == nil && op.ResponseAnalyzer != nil {
		analyzerErr := errors.CallSafely("response analyzer", func() error {
			return op.ResponseAnalyzer(ctx, &core.AnalyzerInput{
				Context:  op.Context,
				Response: resp,
				Payload:  payload,
				Buffer:   op.Buffer,
			})
		})
		if analyzerErr != nil {
			record.AnalyzerVerdict = core.VerdictFail
			invokeErr = wrapAnalyzerFailure(analyzerErr, op.Context)
		} else {
			record.AnalyzerVerdict = core.VerdictPass
		}
	}

	record.ExecutionTime = time.Since(record.StartedAt)

	if invokeErr != nil {
		e.failAttempt(ctx, op, record, invokeErr)
		e.recordBreakerAttempt(breaker, false)
		return errors.IsCircuitOpen(invokeErr) || !errors.IsRetryable(invokeErr)
	}

	record.Outcome = core.OutcomeSuccess
	record.Payload = payload
	e.cacheStore(op, profile, resp, payload)
	e.recordBreakerAttempt(breaker, true)
	e.fireSuccessHandler(ctx, op, record)
	return false
}

// invoke runs the transport call or user function under the per-attempt
// timeout. The callee runs in its own goroutine so that a stuck operation
// cannot outlive its deadline.
func (e *Executor) invoke(ctx context.Context, op *core.Operation, profile *core.ResilienceProfile) (interface{}, *core.TransportResponse, error) {
	timeout := profile.Timeout
	if op.IsRequest() && op.Request.Timeout > 0 && (timeout <= 0 || op.Request.Timeout < timeout) {
		timeout = op.Request.Timeout
	}
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		payload interface{}
		resp    *core.TransportResponse
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		if op.IsRequest() {
			normalized := op.Request.Normalize()
			out.resp, out.err = e.transport.Do(attemptCtx, &normalized)
			if out.resp != nil {
				out.payload = out.resp.Body
			}
			if out.err != nil {
				out.err = errors.NewTransportError("transport call failed", out.err).WithContext(op.Context)
			}
		} else {
			out.payload, out.err = errors.CallSafelyValue("operation function", func() (interface{}, error) {
				return op.Function(attemptCtx, op.Args)
			})
			if out.err != nil {
				if _, isInfra := errors.AsInfra(out.err); !isInfra {
					out.err = errors.NewTransportError("function call failed", out.err).WithContext(op.Context)
				}
			}
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out.payload, out.resp, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, nil, errors.FromContextError(ctx.Err()).WithContext(op.Context)
		}
		return nil, nil, errors.NewTimeoutError(op.ID, timeout).WithContext(op.Context)
	}
}

func (e *Executor) resolveBreaker(profile core.ResilienceProfile) *resilience.CircuitBreaker {
	if profile.CircuitBreakerName == "" || e.infra == nil {
		return nil
	}
	cb, _ := e.infra.Breaker(profile.CircuitBreakerName)
	return cb
}

func (e *Executor) resolveRateLimiter(profile core.ResilienceProfile) *resilience.RateLimiter {
	if profile.RateLimiterName == "" || e.infra == nil {
		return nil
	}
	rl, _ := e.infra.RateLimiter(profile.RateLimiterName)
	return rl
}

func (e *Executor) resolveConcurrencyLimiter(profile core.ResilienceProfile) *resilience.ConcurrencyLimiter {
	if profile.ConcurrencyLimiterName == "" || e.infra == nil {
		return nil
	}
	cl, _ := e.infra.ConcurrencyLimiter(profile.ConcurrencyLimiterName)
	return cl
}

func (e *Executor) cacheKey(op *core.Operation, profile *core.ResilienceProfile) string {
	if profile.Cache != nil && profile.Cache.KeyGenerator != nil {
		return profile.Cache.KeyGenerator(op)
	}
	if op.IsRequest() {
		return resilience.FingerprintRequest(op.Request, nil)
	}
	name := op.FunctionName
	if name == "" {
		name = op.ID
	}
	return resilience.FingerprintFunction(name, op.Args)
}

func (e *Executor) cacheLookup(op *core.Operation, profile *core.ResilienceProfile) (interface{}, bool) {
	if profile.Cache == nil || !profile.Cache.Enabled || e.infra == nil {
		return nil, false
	}
	key := e.cacheKey(op, profile)
	if op.IsRequest() {
		if cache := e.infra.RequestCache(); cache != nil {
			return cache.Get(key)
		}
		return nil, false
	}
	if cache := e.infra.FunctionCache(); cache != nil {
		return cache.Get(key)
	}
	return nil, false
}

func (e *Executor) cacheStore(op *core.Operation, profile *core.ResilienceProfile, resp *core.TransportResponse, payload interface{}) {
	if profile.Cache == nil || !profile.Cache.Enabled || e.infra == nil {
		return
	}
	key := e.cacheKey(op, profile)
	if op.IsRequest() {
		if cache := e.infra.RequestCache(); cache != nil && resp != nil {
			cache.SetFromResponse(key, op.Request.Method, resp, profile.Cache.TTL)
		}
		return
	}
	if cache := e.infra.FunctionCache(); cache != nil {
		cache.Set(key, payload)
	}
}

func (e *Executor) recordBreakerAttempt(breaker *resilience.CircuitBreaker, success bool) {
	if breaker != nil {
		breaker.RecordAttempt(success)
	}
}

func (e *Executor) failAttempt(ctx context.Context, op *core.Operation, record *core.AttemptRecord, err error) {
	record.Outcome = core.OutcomeFailure
	record.Err = err
	if err != nil {
		record.ErrorMessage = err.Error()
	}
	if record.ExecutionTime == 0 {
		record.ExecutionTime = time.Since(record.StartedAt)
	}
	if op.LogAllErrors {
		e.log.Error("operation attempt failed",
			zap.String("operation", op.ID),
			zap.Int("attempt", record.Number),
			zap.Error(err))
		if op.HandleErrors != nil {
			if handlerErr := errors.CallSafely("error handler", func() error {
				return op.HandleErrors(ctx, &core.AttemptEvent{Context: op.Context, Attempt: *record, Buffer: op.Buffer})
			}); handlerErr != nil {
				e.log.Warn("error handler failed", zap.String("operation", op.ID), zap.Error(handlerErr))
			}
		}
	}
}

func (e *Executor) fireSuccessHandler(ctx context.Context, op *core.Operation, record *core.AttemptRecord) {
	if !op.LogAllSuccessfulAttempts {
		return
	}
	e.log.Info("operation attempt succeeded",
		zap.String("operation", op.ID),
		zap.Int("attempt", record.Number),
		zap.Bool("from_cache", record.FromCache))
	if op.HandleSuccessfulAttempt != nil {
		if handlerErr := errors.CallSafely("success handler", func() error {
			return op.HandleSuccessfulAttempt(ctx, &core.AttemptEvent{Context: op.Context, Attempt: *record, Buffer: op.Buffer})
		}); handlerErr != nil {
			e.log.Warn("success handler failed", zap.String("operation", op.ID), zap.Error(handlerErr))
		}
	}
}

// wrapAnalyzerFailure preserves a non-retryable marking from the analyzer
// while classifying the failure.
func wrapAnalyzerFailure(err error, execCtx errors.ExecutionContext) error {
	if ie, ok := errors.AsInfra(err); ok {
		return ie
	}
	return errors.NewAnalyzerError("response analyzer rejected the outcome", err).WithContext(execCtx)
}

func sawCircuitRejection(result *core.OperationResult) bool {
	for _, a := range result.Attempts {
		if errors.IsCircuitOpen(a.Err) {
			return true
		}
	}
	return false
}
