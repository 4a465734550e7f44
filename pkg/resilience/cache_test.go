package resilience

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableinfra/go-sdk/pkg/core"
)

func TestResponseCacheSetGetWithinTTL(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req", MaxSize: 10, TTL: time.Minute})
	c.Set("k", "v", 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	// Updating the same key replaces the payload without growing the cache.
	c.Set("k", "v2", 0)
	got, _ = c.Get("k")
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestResponseCacheExpiryOnRead(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req", MaxSize: 10, TTL: time.Minute})
	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expiries)
	assert.Equal(t, 0, stats.Size)
}

func TestResponseCacheFIFOEvictionAtMaxSize(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req", MaxSize: 3, TTL: time.Minute})
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	c.Set("k3", 3, 0)

	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest insertion evicted first")
	for i := 1; i <= 3; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok)
	}
	stats := c.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestSetFromResponseExcludedMethodsNeverWrite(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req"})
	resp := &core.TransportResponse{StatusCode: 200, Body: "data"}
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		assert.False(t, c.SetFromResponse("k", method, resp, 0), method)
	}
	assert.True(t, c.SetFromResponse("k", "GET", resp, 0))
}

func TestSetFromResponseStatusWhitelist(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req"})
	assert.False(t, c.SetFromResponse("k", "GET", &core.TransportResponse{StatusCode: 500}, 0))
	assert.False(t, c.SetFromResponse("k", "GET", &core.TransportResponse{StatusCode: 302}, 0))
	assert.True(t, c.SetFromResponse("k", "GET", &core.TransportResponse{StatusCode: 404}, 0))
}

func TestSetFromResponseRespectsCacheControl(t *testing.T) {
	c := NewResponseCache(CacheConfig{Name: "req"})
	noStore := &core.TransportResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Cache-Control": "no-store"},
	}
	assert.False(t, c.SetFromResponse("k", "GET", noStore, 0))

	maxAge := &core.TransportResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Cache-Control": "max-age=60"},
		Body:       "short-lived",
	}
	assert.True(t, c.SetFromResponse("short", "GET", maxAge, 0))
	got, ok := c.Get("short")
	require.True(t, ok)
	assert.Equal(t, "short-lived", got)

	disabled := NewResponseCache(CacheConfig{Name: "req", DisableCacheControl: true})
	assert.True(t, disabled.SetFromResponse("k", "GET", noStore, 0))
}

func TestFingerprintRequestDeterministic(t *testing.T) {
	req := &core.RequestSpec{
		Hostname: "api.example.com",
		Path:     "/items",
		Body:     map[string]interface{}{"a": 1},
		Headers:  map[string]string{"Authorization": "token", "Accept": "json"},
	}
	a := FingerprintRequest(req, []string{"Authorization"})
	b := FingerprintRequest(req, []string{"authorization"})
	assert.Equal(t, a, b, "header whitelist is case-insensitive")

	other := *req
	other.Path = "/other"
	assert.NotEqual(t, a, FingerprintRequest(&other, []string{"Authorization"}))

	// Headers outside the whitelist do not affect the fingerprint.
	changed := *req
	changed.Headers = map[string]string{"Authorization": "token", "Accept": "xml"}
	assert.Equal(t, a, FingerprintRequest(&changed, []string{"Authorization"}))
}

func TestFingerprintFunction(t *testing.T) {
	a := FingerprintFunction("compute", []interface{}{1, "x"})
	b := FingerprintFunction("compute", []interface{}{1, "x"})
	c := FingerprintFunction("compute", []interface{}{2, "x"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, FingerprintFunction("other", []interface{}{1, "x"}))
}

func TestFunctionCacheDefaultsAndStats(t *testing.T) {
	fc := NewFunctionCache("", 0, 0)
	stats := fc.Stats()
	assert.Equal(t, DefaultFunctionCacheMaxSize, stats.MaxSize)

	fc.Set("k", 99)
	v, ok := fc.Get("k")
	require.True(t, ok)
	assert.Equal(t, 99, v)
	_, ok = fc.Get("missing")
	assert.False(t, ok)

	stats = fc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestFunctionCacheBoundedSize(t *testing.T) {
	fc := NewFunctionCache("small", 2, time.Minute)
	fc.Set("a", 1)
	fc.Set("b", 2)
	fc.Set("c", 3)
	assert.LessOrEqual(t, fc.Stats().Size, 2)
	assert.GreaterOrEqual(t, fc.Stats().Evictions, int64(1))
}

func TestResponseCacheSnapshotRoundTrip(t *testing.T) {
	store := &memPersistence{}
	cfg := CacheConfig{Name: "persisted", MaxSize: 5, TTL: time.Minute,
		Persistence: store, PersistenceDebounce: time.Millisecond}
	c := NewResponseCache(cfg)
	c.Set("k", "v", 0)
	c.FlushPersistence()
	snap, loadErr := store.Load()
	require.NoError(t, loadErr)
	require.NotNil(t, snap)

	fresh := NewResponseCache(cfg)
	got, ok := fresh.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}
