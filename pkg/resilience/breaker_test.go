package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return cb
}

func TestBreakerConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(BreakerConfig{FailureThresholdPercentage: 0, MinimumRequests: 1, RecoveryTimeout: time.Second})
	assert.Error(t, err)

	_, err = NewCircuitBreaker(BreakerConfig{FailureThresholdPercentage: 120, MinimumRequests: 1, RecoveryTimeout: time.Second})
	assert.Error(t, err)

	_, err = NewCircuitBreaker(BreakerConfig{FailureThresholdPercentage: 50, MinimumRequests: 0, RecoveryTimeout: time.Second})
	assert.Error(t, err)

	_, err = NewCircuitBreaker(BreakerConfig{FailureThresholdPercentage: 50, MinimumRequests: 1, RecoveryTimeout: 0})
	assert.Error(t, err)
}

func TestBreakerOpensAtThresholdAndRecovers(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name:                       "api",
		FailureThresholdPercentage: 50,
		MinimumRequests:            6,
		RecoveryTimeout:            200 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordSuccess()
	}
	for i := 0; i < 2; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State())

	// The sixth event reaches minimumRequests with failurePercentage == 50.
	require.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	time.Sleep(220 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerHalfOpenClosesOnGoodTrials(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name:                       "api",
		FailureThresholdPercentage: 50,
		MinimumRequests:            2,
		RecoveryTimeout:            50 * time.Millisecond,
		HalfOpenMaxRequests:        4,
		SuccessThresholdPercentage: 50,
	})
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	admitted := 0
	for cb.CanExecute() {
		admitted++
	}
	assert.Equal(t, 4, admitted, "half-open admissions bounded by HalfOpenMaxRequests")

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, int64(0), stats.TotalRequests, "rolling counts reset on close")
}

func TestBreakerHalfOpenReopensOnBadTrials(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name:                       "api",
		FailureThresholdPercentage: 50,
		MinimumRequests:            2,
		RecoveryTimeout:            50 * time.Millisecond,
		HalfOpenMaxRequests:        2,
		SuccessThresholdPercentage: 100,
	})
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.CanExecute())

	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	stats := cb.Stats()
	assert.GreaterOrEqual(t, stats.OpenCount, int64(2))
}

func TestBreakerAttemptVsOperationAccounting(t *testing.T) {
	perAttempt := newTestBreaker(t, BreakerConfig{
		Name: "attempts", FailureThresholdPercentage: 90, MinimumRequests: 100,
		RecoveryTimeout: time.Second, TrackIndividualAttempts: true,
	})
	perAttempt.RecordAttempt(false)
	perAttempt.RecordOperation(false) // no-op in this mode
	assert.Equal(t, int64(1), perAttempt.Stats().TotalRequests)

	perOperation := newTestBreaker(t, BreakerConfig{
		Name: "operations", FailureThresholdPercentage: 90, MinimumRequests: 100,
		RecoveryTimeout: time.Second,
	})
	perOperation.RecordAttempt(false) // no-op in this mode
	perOperation.RecordOperation(false)
	assert.Equal(t, int64(1), perOperation.Stats().TotalRequests)
	assert.False(t, perOperation.TracksIndividualAttempts())
}

func TestBreakerTripAndReset(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name: "manual", FailureThresholdPercentage: 50, MinimumRequests: 10,
		RecoveryTimeout: time.Hour,
	})
	cb.Trip()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestBreakerOpenErrorKind(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name: "api", FailureThresholdPercentage: 50, MinimumRequests: 1,
		RecoveryTimeout: time.Hour,
	})
	cb.RecordFailure()
	err := cb.OpenError()
	assert.Contains(t, err.Error(), "api")
	assert.False(t, err.Retryable)
}

type memPersistence struct {
	mu   sync.Mutex
	data []byte
}

func (p *memPersistence) Load() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, nil
}

func (p *memPersistence) Store(snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = snapshot
	return nil
}

func TestBreakerSnapshotRoundTrip(t *testing.T) {
	store := &memPersistence{}
	cfg := BreakerConfig{
		Name: "persisted", FailureThresholdPercentage: 50, MinimumRequests: 4,
		RecoveryTimeout: time.Second, Persistence: store, PersistenceDebounce: time.Millisecond,
	}
	cb := newTestBreaker(t, cfg)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.FlushPersistence()
	snap, loadErr := store.Load()
	require.NoError(t, loadErr)
	require.NotNil(t, snap)

	// A fresh breaker over the same persistence resumes the counters.
	fresh := newTestBreaker(t, cfg)
	stats := fresh.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
}

func TestBreakerConcurrentRecordingKeepsInvariants(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{
		Name: "hot", FailureThresholdPercentage: 99, MinimumRequests: 10000,
		RecoveryTimeout: time.Second,
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if j%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
		}()
	}
	wg.Wait()
	stats := cb.Stats()
	assert.Equal(t, int64(1000), stats.TotalRequests)
	assert.Equal(t, stats.TotalRequests, stats.SuccessfulRequests+stats.FailedRequests)
}
