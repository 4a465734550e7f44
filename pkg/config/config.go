// Package config loads resilience profiles and shared-primitive definitions
// from YAML or JSON. Durations are written as Go duration strings ("250ms",
// "1m30s"); absent fields take the documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// ProfileConfig is the file form of a resilience profile.
type ProfileConfig struct {
	Attempts                   int     `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Wait                       string  `json:"wait,omitempty" yaml:"wait,omitempty"`
	MaxAllowedWait             string  `json:"max_allowed_wait,omitempty" yaml:"max_allowed_wait,omitempty"`
	Jitter                     string  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryStrategy              string  `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty"`
	PerformAllAttempts         bool    `json:"perform_all_attempts,omitempty" yaml:"perform_all_attempts,omitempty"`
	ThrowOnFailedErrorAnalysis bool    `json:"throw_on_failed_error_analysis,omitempty" yaml:"throw_on_failed_error_analysis,omitempty"`
	Timeout                    string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxSerializableChars       int     `json:"max_serializable_chars,omitempty" yaml:"max_serializable_chars,omitempty"`
	TrialEnabled               bool    `json:"trial_enabled,omitempty" yaml:"trial_enabled,omitempty"`
	ReqFailureProbability      float64 `json:"req_failure_probability,omitempty" yaml:"req_failure_probability,omitempty"`
	RetryFailureProbability    float64 `json:"retry_failure_probability,omitempty" yaml:"retry_failure_probability,omitempty"`
	CircuitBreaker             string  `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	RateLimiter                string  `json:"rate_limiter,omitempty" yaml:"rate_limiter,omitempty"`
	ConcurrencyLimiter         string  `json:"concurrency_limiter,omitempty" yaml:"concurrency_limiter,omitempty"`
	CacheEnabled               bool    `json:"cache_enabled,omitempty" yaml:"cache_enabled,omitempty"`
	CacheTTL                   string  `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// BreakerConfig is the file form of a circuit breaker.
type BreakerConfig struct {
	Name                       string  `json:"name" yaml:"name"`
	FailureThresholdPercentage float64 `json:"failure_threshold_percentage" yaml:"failure_threshold_percentage"`
	MinimumRequests            int     `json:"minimum_requests" yaml:"minimum_requests"`
	RecoveryTimeout            string  `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThresholdPercentage float64 `json:"success_threshold_percentage,omitempty" yaml:"success_threshold_percentage,omitempty"`
	HalfOpenMaxRequests        int     `json:"half_open_max_requests,omitempty" yaml:"half_open_max_requests,omitempty"`
	TrackIndividualAttempts    bool    `json:"track_individual_attempts,omitempty" yaml:"track_individual_attempts,omitempty"`
}

// RateLimiterConfig is the file form of a rate limiter.
type RateLimiterConfig struct {
	Name   string `json:"name" yaml:"name"`
	Limit  int    `json:"limit" yaml:"limit"`
	Window string `json:"window" yaml:"window"`
}

// ConcurrencyLimiterConfig is the file form of a concurrency limiter.
type ConcurrencyLimiterConfig struct {
	Name  string `json:"name" yaml:"name"`
	Limit int    `json:"limit" yaml:"limit"`
}

// CacheFileConfig is the file form of the request cache.
type CacheFileConfig struct {
	Name                 string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxSize              int      `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	TTL                  string   `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	DisableCacheControl  bool     `json:"disable_cache_control,omitempty" yaml:"disable_cache_control,omitempty"`
	CacheableStatusCodes []int    `json:"cacheable_status_codes,omitempty" yaml:"cacheable_status_codes,omitempty"`
	ExcludeMethods       []string `json:"exclude_methods,omitempty" yaml:"exclude_methods,omitempty"`
	HeaderWhitelist      []string `json:"header_whitelist,omitempty" yaml:"header_whitelist,omitempty"`
}

// FunctionCacheFileConfig is the file form of the function cache.
type FunctionCacheFileConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	MaxSize int    `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	TTL     string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// File is the top-level configuration document.
type File struct {
	Profiles            map[string]ProfileConfig   `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	CircuitBreakers     []BreakerConfig            `json:"circuit_breakers,omitempty" yaml:"circuit_breakers,omitempty"`
	RateLimiters        []RateLimiterConfig        `json:"rate_limiters,omitempty" yaml:"rate_limiters,omitempty"`
	ConcurrencyLimiters []ConcurrencyLimiterConfig `json:"concurrency_limiters,omitempty" yaml:"concurrency_limiters,omitempty"`
	RequestCache        *CacheFileConfig           `json:"request_cache,omitempty" yaml:"request_cache,omitempty"`
	FunctionCache       *FunctionCacheFileConfig   `json:"function_cache,omitempty" yaml:"function_cache,omitempty"`
}

// Load reads and parses a configuration file; the format is chosen by the
// file extension (.json, .yaml, .yml).
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("cannot read config file %q", path)).WithCause(err)
	}
	if strings.HasSuffix(path, ".json") {
		return ParseJSON(raw)
	}
	return ParseYAML(raw)
}

// ParseYAML parses a YAML configuration document.
func ParseYAML(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.NewValidationError("invalid YAML configuration").WithCause(err)
	}
	return &f, nil
}

// ParseJSON parses a JSON configuration document.
func ParseJSON(raw []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.NewValidationError("invalid JSON configuration").WithCause(err)
	}
	return &f, nil
}

// BuildInfrastructure creates the primitives the file declares.
func (f *File) BuildInfrastructure() (*resilience.Infrastructure, error) {
	infra := resilience.NewInfrastructure()
	for _, bc := range f.CircuitBreakers {
		recovery, err := parseDuration(bc.RecoveryTimeout, "recovery_timeout")
		if err != nil {
			return nil, err
		}
		cb, err := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:                       bc.Name,
			FailureThresholdPercentage: bc.FailureThresholdPercentage,
			MinimumRequests:            bc.MinimumRequests,
			RecoveryTimeout:            recovery,
			SuccessThresholdPercentage: bc.SuccessThresholdPercentage,
			HalfOpenMaxRequests:        bc.HalfOpenMaxRequests,
			TrackIndividualAttempts:    bc.TrackIndividualAttempts,
		})
		if err != nil {
			return nil, err
		}
		infra.RegisterBreaker(cb)
	}
	for _, rc := range f.RateLimiters {
		window, err := parseDuration(rc.Window, "window")
		if err != nil {
			return nil, err
		}
		rl, err := resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Name:   rc.Name,
			Limit:  rc.Limit,
			Window: window,
		})
		if err != nil {
			return nil, err
		}
		infra.RegisterRateLimiter(rl)
	}
	for _, cc := range f.ConcurrencyLimiters {
		cl, err := resilience.NewConcurrencyLimiter(resilience.ConcurrencyLimiterConfig{
			Name:  cc.Name,
			Limit: cc.Limit,
		})
		if err != nil {
			return nil, err
		}
		infra.RegisterConcurrencyLimiter(cl)
	}
	if f.RequestCache != nil {
		ttl, err := parseOptionalDuration(f.RequestCache.TTL, "ttl")
		if err != nil {
			return nil, err
		}
		infra.SetRequestCache(resilience.NewResponseCache(resilience.CacheConfig{
			Name:                 f.RequestCache.Name,
			MaxSize:              f.RequestCache.MaxSize,
			TTL:                  ttl,
			DisableCacheControl:  f.RequestCache.DisableCacheControl,
			CacheableStatusCodes: f.RequestCache.CacheableStatusCodes,
			ExcludeMethods:       f.RequestCache.ExcludeMethods,
			HeaderWhitelist:      f.RequestCache.HeaderWhitelist,
		}))
	}
	if f.FunctionCache != nil {
		ttl, err := parseOptionalDuration(f.FunctionCache.TTL, "ttl")
		if err != nil {
			return nil, err
		}
		infra.SetFunctionCache(resilience.NewFunctionCache(f.FunctionCache.Name, f.FunctionCache.MaxSize, ttl))
	}
	return infra, nil
}

// Profile materialises a named profile from the file.
func (f *File) Profile(name string) (*core.ResilienceProfile, error) {
	pc, ok := f.Profiles[name]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("profile %q not found", name))
	}
	return pc.Build()
}

// Build converts the file form into a runtime profile.
func (pc ProfileConfig) Build() (*core.ResilienceProfile, error) {
	wait, err := parseOptionalDuration(pc.Wait, "wait")
	if err != nil {
		return nil, err
	}
	maxWait, err := parseOptionalDuration(pc.MaxAllowedWait, "max_allowed_wait")
	if err != nil {
		return nil, err
	}
	jitter, err := parseOptionalDuration(pc.Jitter, "jitter")
	if err != nil {
		return nil, err
	}
	timeout, err := parseOptionalDuration(pc.Timeout, "timeout")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseOptionalDuration(pc.CacheTTL, "cache_ttl")
	if err != nil {
		return nil, err
	}
	profile := &core.ResilienceProfile{
		Attempts:                   pc.Attempts,
		Wait:                       wait,
		MaxAllowedWait:             maxWait,
		Jitter:                     jitter,
		Strategy:                   core.RetryStrategy(pc.RetryStrategy),
		PerformAllAttempts:         pc.PerformAllAttempts,
		ThrowOnFailedErrorAnalysis: pc.ThrowOnFailedErrorAnalysis,
		Timeout:                    timeout,
		MaxSerializableChars:       pc.MaxSerializableChars,
		Trial: core.TrialMode{
			Enabled:                   pc.TrialEnabled,
			RequestFailureProbability: pc.ReqFailureProbability,
			RetryFailureProbability:   pc.RetryFailureProbability,
		},
		CircuitBreakerName:     pc.CircuitBreaker,
		RateLimiterName:        pc.RateLimiter,
		ConcurrencyLimiterName: pc.ConcurrencyLimiter,
	}
	if pc.CacheEnabled {
		profile.Cache = &core.CachePolicy{Enabled: true, TTL: cacheTTL}
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func parseDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, errors.NewValidationError(fmt.Sprintf("%s is required", field))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("invalid %s %q", field, raw)).WithCause(err)
	}
	return d, nil
}

func parseOptionalDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return parseDuration(raw, field)
}
