package coordinator

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// BundleConfig describes a coordinator plus the primitives bound to its
// namespace.
type BundleConfig struct {
	// Namespace prefixes every persisted key
	Namespace string `json:"namespace" yaml:"namespace"`

	// Coordinator backs the bundle; an in-memory adapter is created when nil
	Coordinator Coordinator `json:"-" yaml:"-"`

	// Breakers and RateLimiters are created and registered with persistence
	// bound to the namespace; ConcurrencyLimiters are created and registered
	// without persistence
	Breakers            []resilience.BreakerConfig            `json:"breakers,omitempty" yaml:"breakers,omitempty"`
	RateLimiters        []resilience.RateLimiterConfig        `json:"rate_limiters,omitempty" yaml:"rate_limiters,omitempty"`
	ConcurrencyLimiters []resilience.ConcurrencyLimiterConfig `json:"concurrency_limiters,omitempty" yaml:"concurrency_limiters,omitempty"`

	// RequestCache, when set, installs a persisted response cache
	RequestCache *resilience.CacheConfig `json:"request_cache,omitempty" yaml:"request_cache,omitempty"`

	// FunctionCacheSize installs a function cache when positive
	FunctionCacheSize int           `json:"function_cache_size,omitempty" yaml:"function_cache_size,omitempty"`
	FunctionCacheTTL  time.Duration `json:"function_cache_ttl,omitempty" yaml:"function_cache_ttl,omitempty"`

	Logger *logrus.Logger `json:"-" yaml:"-"`
}

// Bundle is a coordinator plus an infrastructure registry whose primitives
// persist their state under the bundle namespace.
type Bundle struct {
	Coordinator    Coordinator
	Infrastructure *resilience.Infrastructure
}

// NewBundle creates the coordinator (when absent) and every configured
// primitive. Breakers, rate limiters and the request cache persist under
// namespaced state keys; concurrency limiters and the function cache are not
// persisted.
func NewBundle(cfg BundleConfig) (*Bundle, error) {
	coord := cfg.Coordinator
	if coord == nil {
		coord = NewMemoryCoordinator(cfg.Namespace, cfg.Logger)
	}
	infra := resilience.NewInfrastructure()

	for _, bc := range cfg.Breakers {
		bc.Persistence = NewPersistence(coord, "breaker/"+bc.Name)
		cb, err := resilience.NewCircuitBreaker(bc)
		if err != nil {
			return nil, err
		}
		infra.RegisterBreaker(cb)
	}
	for _, rc := range cfg.RateLimiters {
		rc.Persistence = NewPersistence(coord, "ratelimiter/"+rc.Name)
		rl, err := resilience.NewRateLimiter(rc)
		if err != nil {
			return nil, err
		}
		infra.RegisterRateLimiter(rl)
	}
	for _, cc := range cfg.ConcurrencyLimiters {
		cl, err := resilience.NewConcurrencyLimiter(cc)
		if err != nil {
			return nil, err
		}
		infra.RegisterConcurrencyLimiter(cl)
	}
	if cfg.RequestCache != nil {
		cacheCfg := *cfg.RequestCache
		cacheCfg.Persistence = NewPersistence(coord, "cache/"+cacheCfg.Name)
		infra.SetRequestCache(resilience.NewResponseCache(cacheCfg))
	}
	if cfg.FunctionCacheSize > 0 {
		infra.SetFunctionCache(resilience.NewFunctionCache("function-cache", cfg.FunctionCacheSize, cfg.FunctionCacheTTL))
	}

	return &Bundle{Coordinator: coord, Infrastructure: infra}, nil
}
