package resilience

import (
	"sync"
	"time"
)

// Infrastructure is a named registry of shared primitives. Profiles reference
// primitives by name; the executor resolves them here. One Infrastructure may
// back any number of executors, gateways, workflows and schedulers.
type Infrastructure struct {
	mu                  sync.RWMutex
	breakers            map[string]*CircuitBreaker
	rateLimiters        map[string]*RateLimiter
	concurrencyLimiters map[string]*ConcurrencyLimiter
	requestCache        *ResponseCache
	functionCache       *FunctionCache
}

// NewInfrastructure creates an empty registry.
func NewInfrastructure() *Infrastructure {
	return &Infrastructure{
		breakers:            make(map[string]*CircuitBreaker),
		rateLimiters:        make(map[string]*RateLimiter),
		concurrencyLimiters: make(map[string]*ConcurrencyLimiter),
	}
}

// RegisterBreaker adds a circuit breaker under its name.
func (inf *Infrastructure) RegisterBreaker(cb *CircuitBreaker) *Infrastructure {
	inf.mu.Lock()
	inf.breakers[cb.Name()] = cb
	inf.mu.Unlock()
	return inf
}

// RegisterRateLimiter adds a rate limiter under its name.
func (inf *Infrastructure) RegisterRateLimiter(rl *RateLimiter) *Infrastructure {
	inf.mu.Lock()
	inf.rateLimiters[rl.Name()] = rl
	inf.mu.Unlock()
	return inf
}

// RegisterConcurrencyLimiter adds a concurrency limiter under its name.
func (inf *Infrastructure) RegisterConcurrencyLimiter(cl *ConcurrencyLimiter) *Infrastructure {
	inf.mu.Lock()
	inf.concurrencyLimiters[cl.Name()] = cl
	inf.mu.Unlock()
	return inf
}

// SetRequestCache installs the request-variant cache.
func (inf *Infrastructure) SetRequestCache(c *ResponseCache) *Infrastructure {
	inf.mu.Lock()
	inf.requestCache = c
	inf.mu.Unlock()
	return inf
}

// SetFunctionCache installs the function-variant cache.
func (inf *Infrastructure) SetFunctionCache(c *FunctionCache) *Infrastructure {
	inf.mu.Lock()
	inf.functionCache = c
	inf.mu.Unlock()
	return inf
}

// Breaker resolves a circuit breaker by name.
func (inf *Infrastructure) Breaker(name string) (*CircuitBreaker, bool) {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	cb, ok := inf.breakers[name]
	return cb, ok
}

// RateLimiter resolves a rate limiter by name.
func (inf *Infrastructure) RateLimiter(name string) (*RateLimiter, bool) {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	rl, ok := inf.rateLimiters[name]
	return rl, ok
}

// ConcurrencyLimiter resolves a concurrency limiter by name.
func (inf *Infrastructure) ConcurrencyLimiter(name string) (*ConcurrencyLimiter, bool) {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	cl, ok := inf.concurrencyLimiters[name]
	return cl, ok
}

// RequestCache returns the request cache, or nil.
func (inf *Infrastructure) RequestCache() *ResponseCache {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	return inf.requestCache
}

// FunctionCache returns the function cache, or nil.
func (inf *Infrastructure) FunctionCache() *FunctionCache {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	return inf.functionCache
}

// ReloadFromPersistence re-applies persisted snapshots to every registered
// primitive. The scheduler calls this after restoring its own state and
// before dispatching any job.
func (inf *Infrastructure) ReloadFromPersistence() error {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	for _, cb := range inf.breakers {
		if err := cb.ReloadFromPersistence(); err != nil {
			return err
		}
	}
	for _, rl := range inf.rateLimiters {
		if err := rl.ReloadFromPersistence(); err != nil {
			return err
		}
	}
	if inf.requestCache != nil {
		if err := inf.requestCache.ReloadFromPersistence(); err != nil {
			return err
		}
	}
	return nil
}

// FlushPersistence forces pending snapshot writes on every primitive.
func (inf *Infrastructure) FlushPersistence() {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	for _, cb := range inf.breakers {
		cb.FlushPersistence()
	}
	for _, rl := range inf.rateLimiters {
		rl.FlushPersistence()
	}
	if inf.requestCache != nil {
		inf.requestCache.FlushPersistence()
	}
}

// InfrastructureStats collects the per-primitive stats snapshots.
type InfrastructureStats struct {
	Breakers            map[string]BreakerStats            `json:"breakers,omitempty"`
	RateLimiters        map[string]RateLimiterStats        `json:"rate_limiters,omitempty"`
	ConcurrencyLimiters map[string]ConcurrencyLimiterStats `json:"concurrency_limiters,omitempty"`
	RequestCache        *CacheStats                        `json:"request_cache,omitempty"`
	FunctionCache       *CacheStats                        `json:"function_cache,omitempty"`
	CollectedAt         time.Time                          `json:"collected_at"`
}

// Stats returns a snapshot across every registered primitive.
func (inf *Infrastructure) Stats() InfrastructureStats {
	inf.mu.RLock()
	defer inf.mu.RUnlock()
	out := InfrastructureStats{
		Breakers:            make(map[string]BreakerStats, len(inf.breakers)),
		RateLimiters:        make(map[string]RateLimiterStats, len(inf.rateLimiters)),
		ConcurrencyLimiters: make(map[string]ConcurrencyLimiterStats, len(inf.concurrencyLimiters)),
		CollectedAt:         time.Now(),
	}
	for name, cb := range inf.breakers {
		out.Breakers[name] = cb.Stats()
	}
	for name, rl := range inf.rateLimiters {
		out.RateLimiters[name] = rl.Stats()
	}
	for name, cl := range inf.concurrencyLimiters {
		out.ConcurrencyLimiters[name] = cl.Stats()
	}
	if inf.requestCache != nil {
		s := inf.requestCache.Stats()
		out.RequestCache = &s
	}
	if inf.functionCache != nil {
		s := inf.functionCache.Stats()
		out.FunctionCache = &s
	}
	return out
}
