package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableinfra/go-sdk/pkg/resilience"
)

func TestNewBundleBuildsPrimitives(t *testing.T) {
	bundle, err := NewBundle(BundleConfig{
		Namespace: "svc",
		Breakers: []resilience.BreakerConfig{{
			Name:                       "api",
			FailureThresholdPercentage: 50,
			MinimumRequests:            4,
			RecoveryTimeout:            time.Second,
		}},
		RateLimiters: []resilience.RateLimiterConfig{{
			Name: "api", Limit: 10, Window: time.Second,
		}},
		ConcurrencyLimiters: []resilience.ConcurrencyLimiterConfig{{
			Name: "api", Limit: 5,
		}},
		RequestCache:      &resilience.CacheConfig{Name: "api-cache"},
		FunctionCacheSize: 10,
	})
	require.NoError(t, err)
	defer bundle.Coordinator.Close()

	_, ok := bundle.Infrastructure.Breaker("api")
	assert.True(t, ok)
	_, ok = bundle.Infrastructure.RateLimiter("api")
	assert.True(t, ok)
	_, ok = bundle.Infrastructure.ConcurrencyLimiter("api")
	assert.True(t, ok)
	assert.NotNil(t, bundle.Infrastructure.RequestCache())
	assert.NotNil(t, bundle.Infrastructure.FunctionCache())
}

func TestNewBundleRejectsInvalidPrimitive(t *testing.T) {
	_, err := NewBundle(BundleConfig{
		Breakers: []resilience.BreakerConfig{{Name: "bad"}},
	})
	assert.Error(t, err)
}

func TestBundleSharesStateThroughCoordinator(t *testing.T) {
	coord := NewMemoryCoordinator("fleet", nil)
	defer coord.Close()

	breakerCfg := resilience.BreakerConfig{
		Name:                       "shared",
		FailureThresholdPercentage: 50,
		MinimumRequests:            10,
		RecoveryTimeout:            time.Second,
		PersistenceDebounce:        time.Millisecond,
	}

	first, err := NewBundle(BundleConfig{
		Namespace:   "fleet",
		Coordinator: coord,
		Breakers:    []resilience.BreakerConfig{breakerCfg},
	})
	require.NoError(t, err)

	cb, ok := first.Infrastructure.Breaker("shared")
	require.True(t, ok)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.FlushPersistence()

	// A second bundle over the same coordinator resumes the breaker state,
	// as a second process in the fleet would.
	second, err := NewBundle(BundleConfig{
		Namespace:   "fleet",
		Coordinator: coord,
		Breakers:    []resilience.BreakerConfig{breakerCfg},
	})
	require.NoError(t, err)

	twin, ok := second.Infrastructure.Breaker("shared")
	require.True(t, ok)
	stats := twin.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestPersistenceAdapterRoundTrip(t *testing.T) {
	coord := NewMemoryCoordinator("ns", nil)
	defer coord.Close()

	p := NewPersistence(coord, "snapshot")
	loaded, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "no snapshot before the first store")

	require.NoError(t, p.Store([]byte("payload")))
	loaded, err = p.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), loaded)
}
