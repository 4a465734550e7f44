// Package metrics rolls per-component counters into a flat dashboard view and
// validates observable metrics against caller-declared guardrails. Guardrail
// violations are reported as anomalies, never raised as errors.
package metrics

import (
	"fmt"
	"sort"
	"time"
)

// Bounds declares an acceptable range for one metric. Nil means unbounded on
// that side.
type Bounds struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// GuardrailSpec maps metric names to their bounds.
type GuardrailSpec map[string]Bounds

// InfrastructureGuardrails bounds the shared primitives' metrics.
type InfrastructureGuardrails struct {
	CircuitBreaker     GuardrailSpec `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	RateLimiter        GuardrailSpec `json:"rate_limiter,omitempty" yaml:"rate_limiter,omitempty"`
	Cache              GuardrailSpec `json:"cache,omitempty" yaml:"cache,omitempty"`
	ConcurrencyLimiter GuardrailSpec `json:"concurrency_limiter,omitempty" yaml:"concurrency_limiter,omitempty"`
}

// Guardrails is the full caller-supplied guardrail configuration.
type Guardrails struct {
	Scheduler      GuardrailSpec            `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Request        GuardrailSpec            `json:"request,omitempty" yaml:"request,omitempty"`
	Infrastructure InfrastructureGuardrails `json:"infrastructure,omitempty" yaml:"infrastructure,omitempty"`
}

// Anomaly reports one guardrail violation.
type Anomaly struct {
	Scope      string    `json:"scope"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	Message    string    `json:"message"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate compares the observed values against the spec and returns one
// anomaly per violated bound. Metrics absent from the observation are
// ignored; metric names are checked in sorted order for stable output.
func Validate(scope string, values map[string]float64, spec GuardrailSpec) []Anomaly {
	if len(spec) == 0 {
		return nil
	}
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	var anomalies []Anomaly
	now := time.Now()
	for _, name := range names {
		value, observed := values[name]
		if !observed {
			continue
		}
		bounds := spec[name]
		if bounds.Min != nil && value < *bounds.Min {
			anomalies = append(anomalies, Anomaly{
				Scope:      scope,
				Metric:     name,
				Value:      value,
				Min:        bounds.Min,
				Max:        bounds.Max,
				Message:    fmt.Sprintf("%s.%s = %v below minimum %v", scope, name, value, *bounds.Min),
				ObservedAt: now,
			})
		}
		if bounds.Max != nil && value > *bounds.Max {
			anomalies = append(anomalies, Anomaly{
				Scope:      scope,
				Metric:     name,
				Value:      value,
				Min:        bounds.Min,
				Max:        bounds.Max,
				Message:    fmt.Sprintf("%s.%s = %v above maximum %v", scope, name, value, *bounds.Max),
				ObservedAt: now,
			})
		}
	}
	return anomalies
}

// Float is a convenience for building bounds literals.
func Float(v float64) *float64 { return &v }
