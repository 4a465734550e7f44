package core

import (
	"fmt"
	"time"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// RetryStrategy selects the backoff progression between attempts.
type RetryStrategy string

const (
	// StrategyFixed waits the base wait between every attempt
	StrategyFixed RetryStrategy = "fixed"
	// StrategyLinear waits base wait * attempt number
	StrategyLinear RetryStrategy = "linear"
	// StrategyExponential waits base wait * 2^(attempt-1)
	StrategyExponential RetryStrategy = "exponential"
)

// Default resilience profile values.
const (
	DefaultAttempts             = 1
	DefaultWait                 = 1000 * time.Millisecond
	DefaultMaxAllowedWait       = 60000 * time.Millisecond
	DefaultMaxSerializableChars = 1000
)

// TrialMode injects synthetic failures for chaos-style testing of retry
// configuration. Probabilities are in [0,1]; the first attempt fails with
// RequestFailureProbability, later attempts with RetryFailureProbability.
type TrialMode struct {
	Enabled                   bool    `json:"enabled" yaml:"enabled"`
	RequestFailureProbability float64 `json:"req_failure_probability" yaml:"req_failure_probability"`
	RetryFailureProbability   float64 `json:"retry_failure_probability" yaml:"retry_failure_probability"`
}

// Validate checks the trial mode probabilities.
func (t TrialMode) Validate() error {
	if t.RequestFailureProbability < 0 || t.RequestFailureProbability > 1 {
		return errors.NewValidationError(fmt.Sprintf("req_failure_probability %v out of [0,1]", t.RequestFailureProbability))
	}
	if t.RetryFailureProbability < 0 || t.RetryFailureProbability > 1 {
		return errors.NewValidationError(fmt.Sprintf("retry_failure_probability %v out of [0,1]", t.RetryFailureProbability))
	}
	return nil
}

// ResilienceProfile configures how a single operation is driven by the retry
// loop and which shared primitives guard it. A zero profile normalises to one
// attempt with no backoff.
type ResilienceProfile struct {
	// Attempts is the maximum number of attempts (>= 1)
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	// Wait is the base wait between attempts
	Wait time.Duration `json:"wait,omitempty" yaml:"wait,omitempty"`

	// MaxAllowedWait caps the computed backoff
	MaxAllowedWait time.Duration `json:"max_allowed_wait,omitempty" yaml:"max_allowed_wait,omitempty"`

	// Jitter adds a uniform random delay in [0, Jitter] to each backoff
	Jitter time.Duration `json:"jitter,omitempty" yaml:"jitter,omitempty"`

	// Strategy selects fixed, linear or exponential backoff
	Strategy RetryStrategy `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty"`

	// PerformAllAttempts runs every attempt even after a success, to collect
	// metrics and logs
	PerformAllAttempts bool `json:"perform_all_attempts,omitempty" yaml:"perform_all_attempts,omitempty"`

	// ThrowOnFailedErrorAnalysis surfaces an analyzer crash as a fatal error
	ThrowOnFailedErrorAnalysis bool `json:"throw_on_failed_error_analysis,omitempty" yaml:"throw_on_failed_error_analysis,omitempty"`

	// Timeout bounds each attempt
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxSerializableChars caps serialised payload length in logs
	MaxSerializableChars int `json:"max_serializable_chars,omitempty" yaml:"max_serializable_chars,omitempty"`

	// Trial configures synthetic failure injection
	Trial TrialMode `json:"trial_mode,omitempty" yaml:"trial_mode,omitempty"`

	// References to shared primitives. Empty means the gate is skipped.
	CircuitBreakerName     string `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	RateLimiterName        string `json:"rate_limiter,omitempty" yaml:"rate_limiter,omitempty"`
	ConcurrencyLimiterName string `json:"concurrency_limiter,omitempty" yaml:"concurrency_limiter,omitempty"`

	// Cache enables the response/function cache for this operation
	Cache *CachePolicy `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// CachePolicy configures cache participation for an operation.
type CachePolicy struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TTL overrides the cache's default entry lifetime for writes made by
	// this operation
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	// KeyGenerator overrides the fingerprint function
	KeyGenerator func(op *Operation) string `json:"-" yaml:"-"`
}

// Normalize fills absent profile fields with the documented defaults and
// returns a copy.
func (p ResilienceProfile) Normalize() ResilienceProfile {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Wait <= 0 {
		p.Wait = DefaultWait
	}
	if p.MaxAllowedWait <= 0 {
		p.MaxAllowedWait = DefaultMaxAllowedWait
	}
	if p.Strategy == "" {
		p.Strategy = StrategyFixed
	}
	if p.MaxSerializableChars <= 0 {
		p.MaxSerializableChars = DefaultMaxSerializableChars
	}
	return p
}

// Validate checks the normalised profile.
func (p ResilienceProfile) Validate() error {
	switch p.Strategy {
	case "", StrategyFixed, StrategyLinear, StrategyExponential:
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown retry strategy %q", p.Strategy))
	}
	if err := p.Trial.Validate(); err != nil {
		return err
	}
	return nil
}

// Merge overlays later profiles onto p, field-wise, later wins. Zero values do
// not overwrite. This implements the defaults <- common <- group <- descriptor
// resolution chain of the gateway.
func (p ResilienceProfile) Merge(overlays ...*ResilienceProfile) ResilienceProfile {
	out := p
	for _, o := range overlays {
		if o == nil {
			continue
		}
		if o.Attempts > 0 {
			out.Attempts = o.Attempts
		}
		if o.Wait > 0 {
			out.Wait = o.Wait
		}
		if o.MaxAllowedWait > 0 {
			out.MaxAllowedWait = o.MaxAllowedWait
		}
		if o.Jitter > 0 {
			out.Jitter = o.Jitter
		}
		if o.Strategy != "" {
			out.Strategy = o.Strategy
		}
		if o.PerformAllAttempts {
			out.PerformAllAttempts = true
		}
		if o.ThrowOnFailedErrorAnalysis {
			out.ThrowOnFailedErrorAnalysis = true
		}
		if o.Timeout > 0 {
			out.Timeout = o.Timeout
		}
		if o.MaxSerializableChars > 0 {
			out.MaxSerializableChars = o.MaxSerializableChars
		}
		if o.Trial.Enabled {
			out.Trial = o.Trial
		}
		if o.CircuitBreakerName != "" {
			out.CircuitBreakerName = o.CircuitBreakerName
		}
		if o.RateLimiterName != "" {
			out.RateLimiterName = o.RateLimiterName
		}
		if o.ConcurrencyLimiterName != "" {
			out.ConcurrencyLimiterName = o.ConcurrencyLimiterName
		}
		if o.Cache != nil {
			out.Cache = o.Cache
		}
	}
	return out
}
