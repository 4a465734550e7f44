package metrics

import (
	"strings"
	"time"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/gateway"
	"github.com/stableinfra/go-sdk/pkg/resilience"
	"github.com/stableinfra/go-sdk/pkg/workflow"
)

// PhaseMetrics is the per-phase subset of the dashboard.
type PhaseMetrics struct {
	PhaseID        string        `json:"phase_id"`
	Executions     int           `json:"executions"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	Skips          int           `json:"skips"`
	TotalDuration  time.Duration `json:"total_duration"`
	TotalRequests  int           `json:"total_requests"`
	FailedRequests int           `json:"failed_requests"`
}

// BranchMetrics is the per-branch subset of the dashboard.
type BranchMetrics struct {
	BranchID  string        `json:"branch_id"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration"`
	Replays   int           `json:"replays"`
}

// GroupMetrics rolls up operations by group id.
type GroupMetrics struct {
	GroupID   string `json:"group_id"`
	Requests  int    `json:"requests"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Retries   int    `json:"retries"`
}

// RequestMetrics is the per-operation rollup.
type RequestMetrics struct {
	ID            string        `json:"id"`
	GroupID       string        `json:"group_id,omitempty"`
	Success       bool          `json:"success"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	FromCache     bool          `json:"from_cache,omitempty"`
	Attempts      int           `json:"attempts"`
	Retries       int           `json:"retries"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Dashboard is the flat aggregate view over a workflow run and its shared
// infrastructure.
type Dashboard struct {
	WorkflowID        string        `json:"workflow_id"`
	Success           bool          `json:"success"`
	TerminatedEarly   bool          `json:"terminated_early,omitempty"`
	TerminationReason string        `json:"termination_reason,omitempty"`
	ExecutionTime     time.Duration `json:"execution_time"`

	TotalPhases          int     `json:"total_phases"`
	TotalPhaseExecutions int     `json:"total_phase_executions"`
	ReplayCount          int     `json:"replay_count"`
	SkipCount            int     `json:"skip_count"`
	TotalRequests        int     `json:"total_requests"`
	SuccessfulRequests   int     `json:"successful_requests"`
	FailedRequests       int     `json:"failed_requests"`
	SuccessRate          float64 `json:"success_rate"`
	FailureRate          float64 `json:"failure_rate"`
	RequestsPerSecond    float64 `json:"requests_per_second"`

	Phases   []PhaseMetrics   `json:"phases,omitempty"`
	Branches []BranchMetrics  `json:"branches,omitempty"`
	Groups   []GroupMetrics   `json:"groups,omitempty"`
	Requests []RequestMetrics `json:"requests,omitempty"`

	CircuitBreakers     map[string]resilience.BreakerStats            `json:"circuit_breakers,omitempty"`
	RateLimiters        map[string]resilience.RateLimiterStats        `json:"rate_limiters,omitempty"`
	ConcurrencyLimiters map[string]resilience.ConcurrencyLimiterStats `json:"concurrency_limiters,omitempty"`
	RequestCache        *resilience.CacheStats                        `json:"request_cache,omitempty"`
	FunctionCache       *resilience.CacheStats                        `json:"function_cache,omitempty"`
}

// Aggregate flattens a workflow result plus optional infrastructure into the
// dashboard view.
func Aggregate(result *workflow.Result, infra *resilience.Infrastructure) *Dashboard {
	d := &Dashboard{}
	if result != nil {
		d.WorkflowID = result.WorkflowID
		d.Success = result.Success
		d.TerminatedEarly = result.TerminatedEarly
		d.TerminationReason = result.TerminationReason
		d.ExecutionTime = result.Duration
		d.TotalPhaseExecutions = result.TotalPhaseExecutions
		d.ReplayCount = result.ReplayCount
		d.SkipCount = result.SkipCount

		d.Phases = aggregatePhases(result)
		d.TotalPhases = len(d.Phases)
		d.Requests, d.Groups = aggregateRequests(result)
		for _, r := range d.Requests {
			d.TotalRequests++
			if r.Success {
				d.SuccessfulRequests++
			} else {
				d.FailedRequests++
			}
		}
		if d.TotalRequests > 0 {
			d.SuccessRate = float64(d.SuccessfulRequests) / float64(d.TotalRequests)
			d.FailureRate = float64(d.FailedRequests) / float64(d.TotalRequests)
		}
		if result.Duration > 0 {
			d.RequestsPerSecond = float64(d.TotalRequests) / result.Duration.Seconds()
		}
		for _, br := range result.BranchResults {
			d.Branches = append(d.Branches, BranchMetrics{
				BranchID:  br.BranchID,
				Success:   br.Success,
				Skipped:   br.Skipped,
				Cancelled: br.Cancelled,
				Duration:  br.Duration,
				Replays:   br.Replays,
			})
		}
	}
	if infra != nil {
		stats := infra.Stats()
		d.CircuitBreakers = stats.Breakers
		d.RateLimiters = stats.RateLimiters
		d.ConcurrencyLimiters = stats.ConcurrencyLimiters
		d.RequestCache = stats.RequestCache
		d.FunctionCache = stats.FunctionCache
	}
	return d
}

func aggregatePhases(result *workflow.Result) []PhaseMetrics {
	byID := make(map[string]*PhaseMetrics)
	var order []string
	for _, rec := range result.History {
		pm, ok := byID[rec.PhaseID]
		if !ok {
			pm = &PhaseMetrics{PhaseID: rec.PhaseID}
			byID[rec.PhaseID] = pm
			order = append(order, rec.PhaseID)
		}
		if rec.Skipped {
			pm.Skips++
			continue
		}
		pm.Executions++
		pm.TotalDuration += rec.ExecutionTime
		if rec.Success {
			pm.Successes++
		} else {
			pm.Failures++
		}
	}
	out := make([]PhaseMetrics, 0, len(order))
	for _, id := range order {
		pm := byID[id]
		if batch := lastBatchFor(result, id); batch != nil {
			pm.TotalRequests = len(batch.Results)
			pm.FailedRequests = batch.FailureCount
		}
		out = append(out, *pm)
	}
	return out
}

func lastBatchFor(result *workflow.Result, phaseID string) *gateway.BatchResult {
	if batch, ok := result.PhaseResults[phaseID]; ok {
		return batch
	}
	// Branch workflows key phase results branch-qualified.
	for key, batch := range result.PhaseResults {
		if strings.HasSuffix(key, "/"+phaseID) {
			return batch
		}
	}
	return nil
}

func aggregateRequests(result *workflow.Result) ([]RequestMetrics, []GroupMetrics) {
	var requests []RequestMetrics
	groupsByID := make(map[string]*GroupMetrics)
	var groupOrder []string

	collect := func(res *core.OperationResult) {
		if res == nil {
			return
		}
		requests = append(requests, RequestMetrics{
			ID:            res.ID,
			GroupID:       res.GroupID,
			Success:       res.Success,
			Cancelled:     res.Cancelled,
			FromCache:     res.FromCache,
			Attempts:      res.Metrics.Attempts,
			Retries:       res.Metrics.Retries,
			TotalDuration: res.Metrics.TotalDuration,
		})
		if res.GroupID == "" {
			return
		}
		gm, ok := groupsByID[res.GroupID]
		if !ok {
			gm = &GroupMetrics{GroupID: res.GroupID}
			groupsByID[res.GroupID] = gm
			groupOrder = append(groupOrder, res.GroupID)
		}
		gm.Requests++
		gm.Retries += res.Metrics.Retries
		if res.Success {
			gm.Successes++
		} else {
			gm.Failures++
		}
	}

	for _, batch := range result.PhaseResults {
		for _, res := range batch.Results {
			collect(res)
		}
	}
	groups := make([]GroupMetrics, 0, len(groupOrder))
	for _, id := range groupOrder {
		groups = append(groups, *groupsByID[id])
	}
	return requests, groups
}

// InfrastructureValues flattens infra stats into guardrail-comparable metric
// maps, one per scope.
func InfrastructureValues(infra *resilience.Infrastructure) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	if infra == nil {
		return out
	}
	stats := infra.Stats()
	for name, cb := range stats.Breakers {
		out["circuit_breaker/"+name] = map[string]float64{
			"failure_percentage": cb.FailurePercentage,
			"total_requests":     float64(cb.TotalRequests),
			"failed_requests":    float64(cb.FailedRequests),
			"open_count":         float64(cb.OpenCount),
			"transitions":        float64(cb.Transitions),
		}
	}
	for name, rl := range stats.RateLimiters {
		out["rate_limiter/"+name] = map[string]float64{
			"throttle_rate":         rl.ThrottleRate,
			"total_requests":        float64(rl.TotalRequests),
			"throttled_requests":    float64(rl.ThrottledRequests),
			"peak_queue_length":     float64(rl.PeakQueueLength),
			"average_queue_wait_ms": float64(rl.AverageQueueWait.Milliseconds()),
			"utilization":           rl.Utilization,
		}
	}
	for name, cl := range stats.ConcurrencyLimiters {
		out["concurrency_limiter/"+name] = map[string]float64{
			"running":         float64(cl.Running),
			"peak_running":    float64(cl.PeakRunning),
			"queue_length":    float64(cl.QueueLength),
			"failed_requests": float64(cl.FailedRequests),
			"utilization":     cl.Utilization,
		}
	}
	if stats.RequestCache != nil {
		out["cache/request"] = cacheValues(*stats.RequestCache)
	}
	if stats.FunctionCache != nil {
		out["cache/function"] = cacheValues(*stats.FunctionCache)
	}
	return out
}

func cacheValues(s resilience.CacheStats) map[string]float64 {
	return map[string]float64{
		"hit_rate":    s.HitRate,
		"hits":        float64(s.Hits),
		"misses":      float64(s.Misses),
		"evictions":   float64(s.Evictions),
		"utilization": s.Utilization,
		"size":        float64(s.Size),
	}
}

// ValidateInfrastructure runs the infrastructure guardrails over every
// primitive and returns the combined anomaly list.
func ValidateInfrastructure(infra *resilience.Infrastructure, rails InfrastructureGuardrails) []Anomaly {
	var anomalies []Anomaly
	for scope, values := range InfrastructureValues(infra) {
		var spec GuardrailSpec
		switch {
		case strings.HasPrefix(scope, "circuit_breaker/"):
			spec = rails.CircuitBreaker
		case strings.HasPrefix(scope, "rate_limiter/"):
			spec = rails.RateLimiter
		case strings.HasPrefix(scope, "concurrency_limiter/"):
			spec = rails.ConcurrencyLimiter
		case strings.HasPrefix(scope, "cache/"):
			spec = rails.Cache
		}
		anomalies = append(anomalies, Validate(scope, values, spec)...)
	}
	return anomalies
}
