package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// lockPollInterval paces waiters retrying a held lock in the in-memory
// adapter.
const lockPollInterval = 10 * time.Millisecond

type memLock struct {
	handle    string
	resource  string
	expiresAt time.Time
}

type memSubscription struct {
	id string
	fn SubscriptionFunc
}

type memElection struct {
	leaderID  string
	expiresAt time.Time
	stop      chan struct{}
	onLose    func()
}

// MemoryCoordinator is the in-process reference adapter. All operations are
// linearizable under a single mutex; it is intended for single-process use
// and as the behavioural contract for external backends.
type MemoryCoordinator struct {
	namespace string
	log       *logrus.Logger

	mu        sync.Mutex
	state     map[string]interface{}
	counters  map[string]int64
	locks     map[string]*memLock // by resource
	byHandle  map[string]*memLock
	subs      map[string][]*memSubscription
	elections map[string]*memElection
	closed    bool
}

// NewMemoryCoordinator creates an in-memory coordinator. Keys are namespaced
// under the given prefix.
func NewMemoryCoordinator(namespace string, logger *logrus.Logger) *MemoryCoordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &MemoryCoordinator{
		namespace: namespace,
		log:       logger,
		state:     make(map[string]interface{}),
		counters:  make(map[string]int64),
		locks:     make(map[string]*memLock),
		byHandle:  make(map[string]*memLock),
		subs:      make(map[string][]*memSubscription),
		elections: make(map[string]*memElection),
	}
}

func (m *MemoryCoordinator) key(k string) string {
	if m.namespace == "" {
		return k
	}
	return m.namespace + ":" + k
}

func (m *MemoryCoordinator) checkClosed() error {
	if m.closed {
		return errors.ErrCoordinatorClosed
	}
	return nil
}

// SetState stores a value.
func (m *MemoryCoordinator) SetState(_ context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return err
	}
	m.state[m.key(key)] = value
	return nil
}

// GetState returns a stored value.
func (m *MemoryCoordinator) GetState(_ context.Context, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return nil, false, err
	}
	v, ok := m.state[m.key(key)]
	return v, ok, nil
}

// UpdateState applies fn atomically.
func (m *MemoryCoordinator) UpdateState(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return err
	}
	next, err := fn(m.state[m.key(key)])
	if err != nil {
		return err
	}
	m.state[m.key(key)] = next
	return nil
}

// DeleteState removes a key.
func (m *MemoryCoordinator) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return err
	}
	delete(m.state, m.key(key))
	return nil
}

// IncrementCounter atomically adds delta.
func (m *MemoryCoordinator) IncrementCounter(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return 0, err
	}
	m.counters[m.key(key)] += delta
	return m.counters[m.key(key)], nil
}

// DecrementCounter atomically subtracts delta.
func (m *MemoryCoordinator) DecrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return m.IncrementCounter(ctx, key, -delta)
}

// GetCounter returns the counter value.
func (m *MemoryCoordinator) GetCounter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return 0, err
	}
	return m.counters[m.key(key)], nil
}

// AcquireLock takes the lock when free or expired, otherwise polls until
// WaitTimeout elapses or the context is cancelled.
func (m *MemoryCoordinator) AcquireLock(ctx context.Context, opts LockOptions) (*LockResult, error) {
	if opts.Resource == "" {
		return nil, errors.NewValidationError("lock resource is required")
	}
	if opts.TTL <= 0 {
		return nil, errors.NewValidationError("lock ttl must be positive")
	}
	deadline := time.Now().Add(opts.WaitTimeout)
	for {
		m.mu.Lock()
		if err := m.checkClosed(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		existing, held := m.locks[m.key(opts.Resource)]
		if !held || time.Now().After(existing.expiresAt) {
			if held {
				delete(m.byHandle, existing.handle)
			}
			lock := &memLock{
				handle:    uuid.NewString(),
				resource:  m.key(opts.Resource),
				expiresAt: time.Now().Add(opts.TTL),
			}
			m.locks[lock.resource] = lock
			m.byHandle[lock.handle] = lock
			m.mu.Unlock()
			return &LockResult{Status: LockAcquired, Handle: lock.handle}, nil
		}
		m.mu.Unlock()

		if opts.WaitTimeout <= 0 || time.Now().After(deadline) {
			return &LockResult{Status: LockFailed}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.FromContextError(ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock releases by handle, idempotently.
func (m *MemoryCoordinator) ReleaseLock(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return err
	}
	lock, ok := m.byHandle[handle]
	if !ok {
		return nil
	}
	delete(m.byHandle, handle)
	if current := m.locks[lock.resource]; current != nil && current.handle == handle {
		delete(m.locks, lock.resource)
	}
	return nil
}

// WithLock runs fn under the lock, releasing it even when fn fails.
func (m *MemoryCoordinator) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error, opts *LockOptions) error {
	lockOpts := LockOptions{Resource: resource, TTL: 30 * time.Second}
	if opts != nil {
		lockOpts = *opts
		lockOpts.Resource = resource
	}
	result, err := m.AcquireLock(ctx, lockOpts)
	if err != nil {
		return err
	}
	if result.Status != LockAcquired {
		return errors.New(errors.KindRateLimited, "lock is held").
			WithCode("LOCK_HELD").
			WithDetail("resource", resource)
	}
	defer func() {
		_ = m.ReleaseLock(ctx, result.Handle)
	}()
	return errors.CallSafely("locked section", func() error { return fn(ctx) })
}

// Publish delivers payload to every subscriber of topic. Delivery is
// asynchronous; a slow subscriber does not block the publisher.
func (m *MemoryCoordinator) Publish(_ context.Context, topic string, payload interface{}) error {
	m.mu.Lock()
	if err := m.checkClosed(); err != nil {
		m.mu.Unlock()
		return err
	}
	subs := make([]*memSubscription, len(m.subs[topic]))
	copy(subs, m.subs[topic])
	m.mu.Unlock()

	for _, sub := range subs {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("topic", topic).Warnf("subscriber panicked: %v", r)
				}
			}()
			sub.fn(topic, payload)
		}()
	}
	return nil
}

// Subscribe registers fn for topic; the returned function unsubscribes and
// is idempotent.
func (m *MemoryCoordinator) Subscribe(_ context.Context, topic string, fn SubscriptionFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return nil, err
	}
	sub := &memSubscription{id: uuid.NewString(), fn: fn}
	m.subs[topic] = append(m.subs[topic], sub)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				m.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}, nil
}

// CampaignForLeader wins when the election has no live leader; winners
// install a heartbeat that renews the lease until resignation.
func (m *MemoryCoordinator) CampaignForLeader(_ context.Context, cfg CampaignConfig) (*CampaignResult, error) {
	if cfg.ElectionKey == "" {
		return nil, errors.NewValidationError("election key is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.NewValidationError("election ttl must be positive")
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = cfg.TTL / 3
	}

	m.mu.Lock()
	if err := m.checkClosed(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	key := m.key(cfg.ElectionKey)
	if existing, ok := m.elections[key]; ok && time.Now().Before(existing.expiresAt) {
		leaderID := existing.leaderID
		m.mu.Unlock()
		return &CampaignResult{Status: Follower, LeaderID: leaderID}, nil
	}
	election := &memElection{
		leaderID:  uuid.NewString(),
		expiresAt: time.Now().Add(cfg.TTL),
		stop:      make(chan struct{}),
		onLose:    cfg.OnLoseLeadership,
	}
	m.elections[key] = election
	m.mu.Unlock()

	if cfg.OnBecomeLeader != nil {
		go cfg.OnBecomeLeader()
	}
	go m.heartbeat(key, election, cfg.TTL, heartbeat)

	return &CampaignResult{Status: Leader, LeaderID: election.leaderID}, nil
}

func (m *MemoryCoordinator) heartbeat(key string, election *memElection, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-election.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			current, ok := m.elections[key]
			if !ok || current != election || m.closed {
				m.mu.Unlock()
				if election.onLose != nil {
					election.onLose()
				}
				return
			}
			election.expiresAt = time.Now().Add(ttl)
			m.mu.Unlock()
		}
	}
}

// ResignLeadership steps down and stops the heartbeat; resigning an election
// this process does not lead is a no-op.
func (m *MemoryCoordinator) ResignLeadership(_ context.Context, electionKey string) error {
	m.mu.Lock()
	key := m.key(electionKey)
	election, ok := m.elections[key]
	if ok {
		delete(m.elections, key)
		close(election.stop)
	}
	m.mu.Unlock()
	if ok && election.onLose != nil {
		election.onLose()
	}
	return nil
}

// Close stops heartbeats and rejects further operations.
func (m *MemoryCoordinator) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	elections := m.elections
	m.elections = make(map[string]*memElection)
	m.mu.Unlock()
	for _, e := range elections {
		close(e.stop)
	}
	return nil
}

var _ Coordinator = (*MemoryCoordinator)(nil)
