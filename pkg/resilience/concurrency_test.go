package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimiterConfigValidation(t *testing.T) {
	_, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{Limit: 0})
	assert.Error(t, err)
}

func TestConcurrencyLimiterBoundsRunning(t *testing.T) {
	cl, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{Name: "pool", Limit: 3})
	require.NoError(t, err)

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cl.Execute(context.Background(), func(ctx context.Context) error {
				now := atomic.AddInt64(&running, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	stats := cl.Stats()
	assert.Equal(t, int64(20), stats.TotalRequests)
	assert.Equal(t, int64(20), stats.CompletedRequests)
	assert.LessOrEqual(t, stats.PeakRunning, 3)
	assert.Equal(t, 0, stats.Running)
	assert.Greater(t, stats.AverageExecutionTime, time.Duration(0))
}

func TestConcurrencyLimiterQueueIsFIFO(t *testing.T) {
	cl, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{Name: "fifo", Limit: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cl.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cl.Execute(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestConcurrencyLimiterCountsFailures(t *testing.T) {
	cl, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{Name: "err", Limit: 2})
	require.NoError(t, err)

	wantErr := assert.AnError
	err = cl.Execute(context.Background(), func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	stats := cl.Stats()
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestConcurrencyLimiterWaitCancellation(t *testing.T) {
	cl, err := NewConcurrencyLimiter(ConcurrencyLimiterConfig{Name: "cancel", Limit: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cl.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = cl.Execute(ctx, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	close(release)
}
