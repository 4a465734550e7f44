package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) *MemoryCoordinator {
	t.Helper()
	m := NewMemoryCoordinator("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStateRoundTrip(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, m.SetState(ctx, "k", "v"))
	v, ok, err := m.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.DeleteState(ctx, "k"))
	_, ok, err = m.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateStateIsAtomic(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateState(ctx, "n", func(current interface{}) (interface{}, error) {
				if current == nil {
					return 1, nil
				}
				return current.(int) + 1, nil
			})
		}()
	}
	wg.Wait()

	v, _, err := m.GetState(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestUpdateStateErrorDoesNotCommit(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()
	require.NoError(t, m.SetState(ctx, "k", "before"))

	err := m.UpdateState(ctx, "k", func(current interface{}) (interface{}, error) {
		return "after", fmt.Errorf("refused")
	})
	require.Error(t, err)

	v, _, _ := m.GetState(ctx, "k")
	assert.Equal(t, "before", v)
}

func TestNamespacesIsolateKeys(t *testing.T) {
	a := NewMemoryCoordinator("a", nil)
	defer a.Close()
	b := NewMemoryCoordinator("b", nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, a.SetState(ctx, "k", 1))
	_, ok, err := b.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "separate coordinators do not share state")
}

func TestCountersAreLinearizable(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.IncrementCounter(ctx, "hits", 2)
		}()
	}
	wg.Wait()

	v, err := m.GetCounter(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	after, err := m.DecrementCounter(ctx, "hits", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), after)
}

func TestLockAcquireAndRelease(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	first, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, first.Status)
	require.NotEmpty(t, first.Handle)

	second, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, LockFailed, second.Status)

	require.NoError(t, m.ReleaseLock(ctx, first.Handle))
	require.NoError(t, m.ReleaseLock(ctx, first.Handle), "release is idempotent")

	third, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, third.Status)
}

func TestLockWaitTimeout(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	held, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Minute})
	require.NoError(t, err)
	require.Equal(t, LockAcquired, held.Status)

	waiterDone := make(chan *LockResult, 1)
	go func() {
		res, _ := m.AcquireLock(ctx, LockOptions{
			Resource: "res", TTL: time.Minute, WaitTimeout: time.Second,
		})
		waiterDone <- res
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.ReleaseLock(ctx, held.Handle))

	res := <-waiterDone
	assert.Equal(t, LockAcquired, res.Status, "waiter acquires after release")
}

func TestLockExpiresByTTL(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: 30 * time.Millisecond})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	res, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res.Status, "expired lock is reclaimable")
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	err := m.WithLock(ctx, "res", func(ctx context.Context) error {
		return fmt.Errorf("work failed")
	}, nil)
	require.Error(t, err)

	res, err := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res.Status, "lock released despite the error")
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	err := m.WithLock(ctx, "res", func(ctx context.Context) error {
		panic("worker exploded")
	}, nil)
	require.Error(t, err)

	res, _ := m.AcquireLock(ctx, LockOptions{Resource: "res", TTL: time.Second})
	assert.Equal(t, LockAcquired, res.Status)
}

func TestPubSubDeliversToSubscribers(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	var count int32
	unsubscribe, err := m.Subscribe(ctx, "events", func(topic string, payload interface{}) {
		atomic.AddInt32(&count, 1)
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "events", "hello"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, m.Publish(ctx, "events", "again"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "no delivery after unsubscribe")

	require.NoError(t, m.Publish(ctx, "other-topic", "x"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "topics are isolated")
}

func TestLeaderElection(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	var became int32
	first, err := m.CampaignForLeader(ctx, CampaignConfig{
		ElectionKey:       "primary",
		TTL:               time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		OnBecomeLeader:    func() { atomic.AddInt32(&became, 1) },
	})
	require.NoError(t, err)
	assert.Equal(t, Leader, first.Status)
	require.NotEmpty(t, first.LeaderID)

	second, err := m.CampaignForLeader(ctx, CampaignConfig{
		ElectionKey: "primary",
		TTL:         time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, Follower, second.Status)
	assert.Equal(t, first.LeaderID, second.LeaderID)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&became) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestResignLeadershipIsIdempotent(t *testing.T) {
	m := newCoordinator(t)
	ctx := context.Background()

	var lost int32
	_, err := m.CampaignForLeader(ctx, CampaignConfig{
		ElectionKey:       "primary",
		TTL:               time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		OnLoseLeadership:  func() { atomic.AddInt32(&lost, 1) },
	})
	require.NoError(t, err)

	require.NoError(t, m.ResignLeadership(ctx, "primary"))
	require.NoError(t, m.ResignLeadership(ctx, "primary"), "second resign is a no-op")
	assert.Equal(t, int32(1), atomic.LoadInt32(&lost))

	// A new campaign wins after resignation.
	res, err := m.CampaignForLeader(ctx, CampaignConfig{ElectionKey: "primary", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, Leader, res.Status)
}

func TestClosedCoordinatorRejectsOperations(t *testing.T) {
	m := NewMemoryCoordinator("closing", nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	err := m.SetState(context.Background(), "k", "v")
	assert.Error(t, err)
	_, err = m.IncrementCounter(context.Background(), "c", 1)
	assert.Error(t, err)
}

func TestCampaignValidation(t *testing.T) {
	m := newCoordinator(t)
	_, err := m.CampaignForLeader(context.Background(), CampaignConfig{TTL: time.Second})
	assert.Error(t, err)
	_, err = m.CampaignForLeader(context.Background(), CampaignConfig{ElectionKey: "k"})
	assert.Error(t, err)
}

func TestLockValidation(t *testing.T) {
	m := newCoordinator(t)
	_, err := m.AcquireLock(context.Background(), LockOptions{TTL: time.Second})
	assert.Error(t, err)
	_, err = m.AcquireLock(context.Background(), LockOptions{Resource: "r"})
	assert.Error(t, err)
}
