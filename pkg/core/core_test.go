package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

func TestRequestSpecNormalizeDefaults(t *testing.T) {
	spec := RequestSpec{Hostname: "api.example.com"}.Normalize()
	assert.Equal(t, MethodGet, spec.Method)
	assert.Equal(t, "https", spec.Protocol)
	assert.Equal(t, 443, spec.Port)
	assert.Equal(t, "/", spec.Path)
}

func TestRequestSpecValidate(t *testing.T) {
	assert.Error(t, RequestSpec{}.Validate())
	assert.Error(t, RequestSpec{Hostname: "h", Method: "FETCH"}.Validate())
	assert.Error(t, RequestSpec{Hostname: "h", Protocol: "ftp"}.Validate())
	assert.Error(t, RequestSpec{Hostname: "h", Port: 70000}.Validate())
	assert.NoError(t, RequestSpec{Hostname: "h", Method: "post"}.Validate())
}

func TestRequestSpecURL(t *testing.T) {
	spec := RequestSpec{
		Hostname: "api.example.com",
		Path:     "/v1/items",
		Query:    map[string]string{"b": "2", "a": "1"},
	}
	assert.Equal(t, "https://api.example.com:443/v1/items?a=1&b=2", spec.URL())
}

func TestProfileNormalizeDefaults(t *testing.T) {
	p := ResilienceProfile{}.Normalize()
	assert.Equal(t, DefaultAttempts, p.Attempts)
	assert.Equal(t, DefaultWait, p.Wait)
	assert.Equal(t, DefaultMaxAllowedWait, p.MaxAllowedWait)
	assert.Equal(t, StrategyFixed, p.Strategy)
	assert.Equal(t, DefaultMaxSerializableChars, p.MaxSerializableChars)
}

func TestProfileMergeLaterWins(t *testing.T) {
	base := ResilienceProfile{Attempts: 2, Wait: 100 * time.Millisecond, CircuitBreakerName: "common"}
	group := &ResilienceProfile{Attempts: 4}
	descriptor := &ResilienceProfile{Wait: 50 * time.Millisecond, RateLimiterName: "per-op"}

	merged := base.Merge(group, descriptor)
	assert.Equal(t, 4, merged.Attempts)
	assert.Equal(t, 50*time.Millisecond, merged.Wait)
	assert.Equal(t, "common", merged.CircuitBreakerName)
	assert.Equal(t, "per-op", merged.RateLimiterName)
}

func TestProfileMergeNilOverlaysIgnored(t *testing.T) {
	base := ResilienceProfile{Attempts: 3}
	merged := base.Merge(nil, nil)
	assert.Equal(t, 3, merged.Attempts)
}

func TestTrialModeValidate(t *testing.T) {
	assert.Error(t, TrialMode{RequestFailureProbability: 1.5}.Validate())
	assert.Error(t, TrialMode{RetryFailureProbability: -0.1}.Validate())
	assert.NoError(t, TrialMode{RequestFailureProbability: 0.5, RetryFailureProbability: 1}.Validate())
}

func TestComputeBackoffStrategies(t *testing.T) {
	wait := 100 * time.Millisecond
	cap := time.Second

	assert.Equal(t, wait, ComputeBackoff(1, StrategyFixed, wait, cap, 0))
	assert.Equal(t, wait, ComputeBackoff(3, StrategyFixed, wait, cap, 0))

	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(3, StrategyLinear, wait, cap, 0))

	assert.Equal(t, wait, ComputeBackoff(1, StrategyExponential, wait, cap, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(3, StrategyExponential, wait, cap, 0))

	// Clamped to the cap.
	assert.Equal(t, cap, ComputeBackoff(10, StrategyExponential, wait, cap, 0))
	assert.Equal(t, cap, ComputeBackoff(100, StrategyLinear, wait, cap, 0))
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	wait := 50 * time.Millisecond
	jitter := 20 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := ComputeBackoff(1, StrategyFixed, wait, time.Second, jitter)
		assert.GreaterOrEqual(t, d, wait)
		assert.LessOrEqual(t, d, wait+jitter)
	}
}

func TestSleepContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepContext(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, SleepContext(context.Background(), 0))
}

func TestParseCacheControl(t *testing.T) {
	cc := ParseCacheControl("no-store, max-age=60")
	assert.True(t, cc.NoStore)
	assert.True(t, cc.HasAge)
	assert.Equal(t, time.Minute, cc.MaxAge)

	cc = ParseCacheControl("No-Cache")
	assert.True(t, cc.NoCache)

	cc = ParseCacheControl("max-age=abc")
	assert.False(t, cc.HasAge)
}

func TestTransportResponseHeaderLookupIsCaseInsensitive(t *testing.T) {
	resp := &TransportResponse{Headers: map[string]string{"Cache-Control": "no-store"}}
	assert.Equal(t, "no-store", resp.Header("cache-control"))
	assert.Equal(t, "", resp.Header("etag"))
	var nilResp *TransportResponse
	assert.Equal(t, "", nilResp.Header("anything"))
}

func TestOperationValidate(t *testing.T) {
	fn := func(ctx context.Context, args []interface{}) (interface{}, error) { return nil, nil }

	assert.Error(t, (&Operation{}).Validate())
	assert.Error(t, (&Operation{ID: "a"}).Validate())
	assert.Error(t, (&Operation{ID: "a", Request: &RequestSpec{Hostname: "h"}, Function: fn}).Validate())
	assert.NoError(t, (&Operation{ID: "a", Function: fn}).Validate())
	assert.NoError(t, (&Operation{ID: "a", Request: &RequestSpec{Hostname: "h"}}).Validate())

	err := (&Operation{ID: "a", Request: &RequestSpec{}}).Validate()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestApplyOverrideMergesPerAttempt(t *testing.T) {
	op := &Operation{
		ID: "req",
		Request: &RequestSpec{
			Hostname: "api.example.com",
			Headers:  map[string]string{"Accept": "application/json"},
			Query:    map[string]string{"page": "1"},
		},
	}
	out := op.ApplyOverride(&OperationOverride{
		Method:  MethodPost,
		Headers: map[string]string{"Authorization": "Bearer t"},
		Query:   map[string]string{"page": "2"},
	})

	assert.Equal(t, MethodPost, out.Request.Method)
	assert.Equal(t, "application/json", out.Request.Headers["Accept"])
	assert.Equal(t, "Bearer t", out.Request.Headers["Authorization"])
	assert.Equal(t, "2", out.Request.Query["page"])

	// The original descriptor stays untouched.
	assert.Equal(t, "", op.Request.Method)
	assert.Equal(t, "1", op.Request.Query["page"])

	assert.Same(t, op, op.ApplyOverride(nil))
}

func TestChildContextKeepsParentIdentifiers(t *testing.T) {
	parent := ExecutionContext{WorkflowID: "wf"}
	child := ChildContext(parent, "phase-1", "", "")
	assert.Equal(t, "wf", child.WorkflowID)
	assert.Equal(t, "phase-1", child.PhaseID)
	assert.NotEmpty(t, child.RequestID)
	assert.NotEqual(t, ChildContext(parent, "p", "", "").RequestID, child.RequestID)
}
