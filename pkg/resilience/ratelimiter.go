package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// RateLimiterConfig configures a fixed-window rate limiter: Limit admissions
// per Window.
type RateLimiterConfig struct {
	Name   string        `json:"name" yaml:"name"`
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`

	Persistence         Persistence   `json:"-" yaml:"-"`
	PersistenceDebounce time.Duration `json:"-" yaml:"-"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

type rateWaiter struct {
	ready     chan struct{}
	enqueued  time.Time
	cancelled bool
}

// RateLimiter admits up to Limit operations per Window. Excess callers queue
// in FIFO order and wake at window boundaries.
type RateLimiter struct {
	cfg RateLimiterConfig
	log *zap.Logger

	mu          sync.Mutex
	windowStart time.Time
	admitted    int
	queue       *list.List // of *rateWaiter
	timer       *time.Timer

	total          int64
	completed      int64
	throttled      int64
	peakQueue      int
	queueWaitTotal time.Duration
	queueWaitCount int64

	store *debouncedStore
}

// NewRateLimiter creates a rate limiter. Limit and Window must be positive.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, errors.NewValidationError("rate limiter limit must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errors.NewValidationError("rate limiter window must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		cfg:         cfg,
		log:         logger,
		windowStart: time.Now(),
		queue:       list.New(),
		store:       newDebouncedStore(cfg.Persistence, cfg.PersistenceDebounce),
	}
	return rl, nil
}

// Name returns the limiter name.
func (rl *RateLimiter) Name() string { return rl.cfg.Name }

// Acquire admits the caller or suspends it on the FIFO queue until a window
// refill or context cancellation. Cancellation surfaces as a rate-limited
// error carrying the context cause.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	rl.mu.Lock()
	rl.total++
	rl.rollWindowLocked(time.Now())
	if rl.admitted < rl.cfg.Limit && rl.queue.Len() == 0 {
		rl.admitted++
		rl.completed++
		rl.mu.Unlock()
		rl.store.touch(rl.snapshotBytes)
		return nil
	}

	w := &rateWaiter{ready: make(chan struct{}), enqueued: time.Now()}
	rl.queue.PushBack(w)
	rl.throttled++
	if rl.queue.Len() > rl.peakQueue {
		rl.peakQueue = rl.queue.Len()
	}
	rl.scheduleRefillLocked()
	rl.mu.Unlock()

	select {
	case <-w.ready:
		rl.mu.Lock()
		wait := time.Since(w.enqueued)
		rl.queueWaitTotal += wait
		rl.queueWaitCount++
		rl.completed++
		rl.mu.Unlock()
		rl.store.touch(rl.snapshotBytes)
		return nil
	case <-ctx.Done():
		rl.mu.Lock()
		w.cancelled = true
		rl.mu.Unlock()
		return errors.NewRateLimitedError(rl.cfg.Name, ctx.Err())
	}
}

// rollWindowLocked advances the window when the current one has elapsed.
func (rl *RateLimiter) rollWindowLocked(now time.Time) {
	if now.Sub(rl.windowStart) >= rl.cfg.Window {
		rl.windowStart = now
		rl.admitted = 0
	}
}

// scheduleRefillLocked arms the refill timer for the next window boundary.
func (rl *RateLimiter) scheduleRefillLocked() {
	if rl.timer != nil {
		return
	}
	wait := rl.cfg.Window - time.Since(rl.windowStart)
	if wait < 0 {
		wait = 0
	}
	rl.timer = time.AfterFunc(wait, rl.refill)
}

// refill opens a new window and wakes queued waiters in FIFO order.
func (rl *RateLimiter) refill() {
	rl.mu.Lock()
	rl.timer = nil
	rl.windowStart = time.Now()
	rl.admitted = 0
	for rl.admitted < rl.cfg.Limit && rl.queue.Len() > 0 {
		front := rl.queue.Front()
		w := front.Value.(*rateWaiter)
		rl.queue.Remove(front)
		if w.cancelled {
			continue
		}
		rl.admitted++
		close(w.ready)
	}
	if rl.queue.Len() > 0 {
		rl.scheduleRefillLocked()
	}
	rl.mu.Unlock()
	rl.store.touch(rl.snapshotBytes)
}

// RateLimiterStats is a copyable view of the limiter counters.
type RateLimiterStats struct {
	Name               string        `json:"name"`
	Limit              int           `json:"limit"`
	Window             time.Duration `json:"window"`
	TotalRequests      int64         `json:"total_requests"`
	CompletedRequests  int64         `json:"completed_requests"`
	ThrottledRequests  int64         `json:"throttled_requests"`
	ThrottleRate       float64       `json:"throttle_rate"`
	CurrentWindowUsage int           `json:"current_window_usage"`
	CurrentQueueLength int           `json:"current_queue_length"`
	PeakQueueLength    int           `json:"peak_queue_length"`
	AverageQueueWait   time.Duration `json:"average_queue_wait"`
	Utilization        float64       `json:"utilization"`
}

// Stats returns a snapshot of the limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := RateLimiterStats{
		Name:               rl.cfg.Name,
		Limit:              rl.cfg.Limit,
		Window:             rl.cfg.Window,
		TotalRequests:      rl.total,
		CompletedRequests:  rl.completed,
		ThrottledRequests:  rl.throttled,
		CurrentWindowUsage: rl.admitted,
		CurrentQueueLength: rl.queue.Len(),
		PeakQueueLength:    rl.peakQueue,
		Utilization:        float64(rl.admitted) / float64(rl.cfg.Limit),
	}
	if rl.total > 0 {
		s.ThrottleRate = float64(rl.throttled) / float64(rl.total)
	}
	if rl.queueWaitCount > 0 {
		s.AverageQueueWait = rl.queueWaitTotal / time.Duration(rl.queueWaitCount)
	}
	return s
}

type rateLimiterSnapshot struct {
	WindowStart time.Time `msgpack:"window_start"`
	Admitted    int       `msgpack:"admitted"`
	QueueLength int       `msgpack:"queue_length"`
	Total       int64     `msgpack:"total"`
	Completed   int64     `msgpack:"completed"`
	Throttled   int64     `msgpack:"throttled"`
	PeakQueue   int       `msgpack:"peak_queue"`
}

func (rl *RateLimiter) snapshotBytes() ([]byte, error) {
	rl.mu.Lock()
	snap := rateLimiterSnapshot{
		WindowStart: rl.windowStart,
		Admitted:    rl.admitted,
		QueueLength: rl.queue.Len(),
		Total:       rl.total,
		Completed:   rl.completed,
		Throttled:   rl.throttled,
		PeakQueue:   rl.peakQueue,
	}
	rl.mu.Unlock()
	return msgpack.Marshal(&snap)
}

// ReloadFromPersistence re-applies the stored counters. Queue contents are
// process-local and are not restored.
func (rl *RateLimiter) ReloadFromPersistence() error {
	if rl.cfg.Persistence == nil {
		return nil
	}
	raw, err := rl.cfg.Persistence.Load()
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var snap rateLimiterSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return err
	}
	rl.mu.Lock()
	rl.windowStart = snap.WindowStart
	rl.admitted = snap.Admitted
	rl.total = snap.Total
	rl.completed = snap.Completed
	rl.throttled = snap.Throttled
	rl.peakQueue = snap.PeakQueue
	rl.mu.Unlock()
	return nil
}

// FlushPersistence forces a pending snapshot write.
func (rl *RateLimiter) FlushPersistence() { rl.store.flush() }
