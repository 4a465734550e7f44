package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableinfra/go-sdk/pkg/core"
)

const sampleYAML = `
profiles:
  critical:
    attempts: 5
    wait: 250ms
    max_allowed_wait: 10s
    retry_strategy: exponential
    jitter: 50ms
    timeout: 2s
    circuit_breaker: api
    rate_limiter: api
    cache_enabled: true
    cache_ttl: 1m
circuit_breakers:
  - name: api
    failure_threshold_percentage: 50
    minimum_requests: 10
    recovery_timeout: 30s
rate_limiters:
  - name: api
    limit: 100
    window: 1s
concurrency_limiters:
  - name: api
    limit: 20
request_cache:
  name: responses
  max_size: 50
  ttl: 5m
function_cache:
  max_size: 200
`

func TestParseYAMLAndBuild(t *testing.T) {
	f, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	infra, err := f.BuildInfrastructure()
	require.NoError(t, err)

	cb, ok := infra.Breaker("api")
	require.True(t, ok)
	assert.Equal(t, "api", cb.Name())

	rl, ok := infra.RateLimiter("api")
	require.True(t, ok)
	assert.Equal(t, 100, rl.Stats().Limit)

	_, ok = infra.ConcurrencyLimiter("api")
	assert.True(t, ok)

	require.NotNil(t, infra.RequestCache())
	assert.Equal(t, 50, infra.RequestCache().Stats().MaxSize)
	require.NotNil(t, infra.FunctionCache())
	assert.Equal(t, 200, infra.FunctionCache().Stats().MaxSize)
}

func TestProfileBuild(t *testing.T) {
	f, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	profile, err := f.Profile("critical")
	require.NoError(t, err)
	assert.Equal(t, 5, profile.Attempts)
	assert.Equal(t, 250*time.Millisecond, profile.Wait)
	assert.Equal(t, 10*time.Second, profile.MaxAllowedWait)
	assert.Equal(t, core.StrategyExponential, profile.Strategy)
	assert.Equal(t, 50*time.Millisecond, profile.Jitter)
	assert.Equal(t, 2*time.Second, profile.Timeout)
	assert.Equal(t, "api", profile.CircuitBreakerName)
	require.NotNil(t, profile.Cache)
	assert.True(t, profile.Cache.Enabled)
	assert.Equal(t, time.Minute, profile.Cache.TTL)

	_, err = f.Profile("missing")
	assert.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	raw := []byte(`{
		"profiles": {"basic": {"attempts": 2, "wait": "100ms"}},
		"rate_limiters": [{"name": "rl", "limit": 5, "window": "500ms"}]
	}`)
	f, err := ParseJSON(raw)
	require.NoError(t, err)

	profile, err := f.Profile("basic")
	require.NoError(t, err)
	assert.Equal(t, 2, profile.Attempts)
	assert.Equal(t, 100*time.Millisecond, profile.Wait)

	infra, err := f.BuildInfrastructure()
	require.NoError(t, err)
	_, ok := infra.RateLimiter("rl")
	assert.True(t, ok)
}

func TestInvalidInputsRejected(t *testing.T) {
	_, err := ParseYAML([]byte("profiles: ["))
	assert.Error(t, err)

	f, err := ParseYAML([]byte(`
circuit_breakers:
  - name: bad
    failure_threshold_percentage: 50
    minimum_requests: 5
    recovery_timeout: notaduration
`))
	require.NoError(t, err)
	_, err = f.BuildInfrastructure()
	assert.Error(t, err)

	f, err = ParseYAML([]byte(`
profiles:
  broken:
    retry_strategy: quadratic
`))
	require.NoError(t, err)
	_, err = f.Profile("broken")
	assert.Error(t, err)

	f, err = ParseYAML([]byte(`
circuit_breakers:
  - name: unconfigured
    recovery_timeout: 1s
`))
	require.NoError(t, err)
	_, err = f.BuildInfrastructure()
	assert.Error(t, err, "threshold out of range is fatal")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
