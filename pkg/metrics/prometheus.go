package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// InfraCollector exposes the shared primitives' stats as Prometheus metrics.
// Register it with any prometheus.Registerer; metrics are computed at scrape
// time from the live primitives.
type InfraCollector struct {
	infra *resilience.Infrastructure

	breakerState       *prometheus.Desc
	breakerRequests    *prometheus.Desc
	breakerFailures    *prometheus.Desc
	breakerOpenCount   *prometheus.Desc
	limiterThrottled   *prometheus.Desc
	limiterQueueLength *prometheus.Desc
	concurrencyRunning *prometheus.Desc
	cacheHits          *prometheus.Desc
	cacheMisses        *prometheus.Desc
	cacheSize          *prometheus.Desc
}

// NewInfraCollector creates a collector over the given infrastructure.
func NewInfraCollector(infra *resilience.Infrastructure) *InfraCollector {
	return &InfraCollector{
		infra: infra,
		breakerState: prometheus.NewDesc(
			"stableinfra_circuit_breaker_state",
			"Circuit breaker state (0 closed, 1 open, 2 half-open)",
			[]string{"breaker"}, nil),
		breakerRequests: prometheus.NewDesc(
			"stableinfra_circuit_breaker_requests_total",
			"Total requests observed by the circuit breaker",
			[]string{"breaker"}, nil),
		breakerFailures: prometheus.NewDesc(
			"stableinfra_circuit_breaker_failures_total",
			"Failed requests observed by the circuit breaker",
			[]string{"breaker"}, nil),
		breakerOpenCount: prometheus.NewDesc(
			"stableinfra_circuit_breaker_opens_total",
			"Times the circuit breaker opened",
			[]string{"breaker"}, nil),
		limiterThrottled: prometheus.NewDesc(
			"stableinfra_rate_limiter_throttled_total",
			"Operations that waited in the rate limiter queue",
			[]string{"limiter"}, nil),
		limiterQueueLength: prometheus.NewDesc(
			"stableinfra_rate_limiter_queue_length",
			"Current rate limiter queue length",
			[]string{"limiter"}, nil),
		concurrencyRunning: prometheus.NewDesc(
			"stableinfra_concurrency_limiter_running",
			"Operations currently holding a concurrency slot",
			[]string{"limiter"}, nil),
		cacheHits: prometheus.NewDesc(
			"stableinfra_cache_hits_total",
			"Cache hits",
			[]string{"cache"}, nil),
		cacheMisses: prometheus.NewDesc(
			"stableinfra_cache_misses_total",
			"Cache misses",
			[]string{"cache"}, nil),
		cacheSize: prometheus.NewDesc(
			"stableinfra_cache_size",
			"Current cache entry count",
			[]string{"cache"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *InfraCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerState
	ch <- c.breakerRequests
	ch <- c.breakerFailures
	ch <- c.breakerOpenCount
	ch <- c.limiterThrottled
	ch <- c.limiterQueueLength
	ch <- c.concurrencyRunning
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheSize
}

// Collect implements prometheus.Collector.
func (c *InfraCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.infra.Stats()
	for name, cb := range stats.Breakers {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(cb.State), name)
		ch <- prometheus.MustNewConstMetric(c.breakerRequests, prometheus.CounterValue, float64(cb.TotalRequests), name)
		ch <- prometheus.MustNewConstMetric(c.breakerFailures, prometheus.CounterValue, float64(cb.FailedRequests), name)
		ch <- prometheus.MustNewConstMetric(c.breakerOpenCount, prometheus.CounterValue, float64(cb.OpenCount), name)
	}
	for name, rl := range stats.RateLimiters {
		ch <- prometheus.MustNewConstMetric(c.limiterThrottled, prometheus.CounterValue, float64(rl.ThrottledRequests), name)
		ch <- prometheus.MustNewConstMetric(c.limiterQueueLength, prometheus.GaugeValue, float64(rl.CurrentQueueLength), name)
	}
	for name, cl := range stats.ConcurrencyLimiters {
		ch <- prometheus.MustNewConstMetric(c.concurrencyRunning, prometheus.GaugeValue, float64(cl.Running), name)
	}
	if s := stats.RequestCache; s != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Hits), s.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Misses), s.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(s.Size), s.Name)
	}
	if s := stats.FunctionCache; s != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Hits), s.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Misses), s.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(s.Size), s.Name)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

var _ prometheus.Collector = (*InfraCollector)(nil)
