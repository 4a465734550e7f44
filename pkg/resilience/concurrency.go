package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// ConcurrencyLimiterConfig bounds the number of in-flight operations.
type ConcurrencyLimiterConfig struct {
	Name  string `json:"name" yaml:"name"`
	Limit int    `json:"limit" yaml:"limit"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

type concWaiter struct {
	ready     chan struct{}
	enqueued  time.Time
	cancelled bool
}

// ConcurrencyLimiter grants execution slots up to Limit; excess callers queue
// in FIFO order with no prioritisation.
type ConcurrencyLimiter struct {
	cfg ConcurrencyLimiterConfig
	log *zap.Logger

	mu      sync.Mutex
	running int
	queue   *list.List // of *concWaiter

	total          int64
	completed      int64
	failed         int64
	queued         int64
	peakRunning    int
	queueWaitTotal time.Duration
	queueWaitCount int64
	execTimeTotal  time.Duration
	execTimeCount  int64
}

// NewConcurrencyLimiter creates a limiter with the given slot count.
func NewConcurrencyLimiter(cfg ConcurrencyLimiterConfig) (*ConcurrencyLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, errors.NewValidationError("concurrency limit must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConcurrencyLimiter{
		cfg:   cfg,
		log:   logger,
		queue: list.New(),
	}, nil
}

// Name returns the limiter name.
func (cl *ConcurrencyLimiter) Name() string { return cl.cfg.Name }

// Execute runs fn inside a slot, waiting FIFO for one if the limiter is full.
// Completion, success or failure, frees the slot and wakes the queue head.
func (cl *ConcurrencyLimiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cl.acquire(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx)
	cl.release(time.Since(start), err == nil)
	return err
}

func (cl *ConcurrencyLimiter) acquire(ctx context.Context) error {
	cl.mu.Lock()
	cl.total++
	if cl.running < cl.cfg.Limit && cl.queue.Len() == 0 {
		cl.grantLocked()
		cl.mu.Unlock()
		return nil
	}
	w := &concWaiter{ready: make(chan struct{}), enqueued: time.Now()}
	cl.queue.PushBack(w)
	cl.queued++
	cl.mu.Unlock()

	select {
	case <-w.ready:
		cl.mu.Lock()
		wait := time.Since(w.enqueued)
		cl.queueWaitTotal += wait
		cl.queueWaitCount++
		cl.mu.Unlock()
		return nil
	case <-ctx.Done():
		cl.mu.Lock()
		select {
		case <-w.ready:
			// The slot was granted concurrently with cancellation; hand it
			// back so it cannot leak.
			cl.mu.Unlock()
			cl.release(0, false)
			return errors.FromContextError(ctx.Err())
		default:
		}
		w.cancelled = true
		cl.mu.Unlock()
		return errors.FromContextError(ctx.Err())
	}
}

func (cl *ConcurrencyLimiter) grantLocked() {
	cl.running++
	if cl.running > cl.peakRunning {
		cl.peakRunning = cl.running
	}
}

func (cl *ConcurrencyLimiter) release(execTime time.Duration, success bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.running--
	cl.execTimeTotal += execTime
	cl.execTimeCount++
	if success {
		cl.completed++
	} else {
		cl.failed++
	}
	for cl.running < cl.cfg.Limit && cl.queue.Len() > 0 {
		front := cl.queue.Front()
		w := front.Value.(*concWaiter)
		cl.queue.Remove(front)
		if w.cancelled {
			continue
		}
		cl.grantLocked()
		close(w.ready)
		break
	}
}

// ConcurrencyLimiterStats is a copyable view of the limiter counters.
type ConcurrencyLimiterStats struct {
	Name                 string        `json:"name"`
	Limit                int           `json:"limit"`
	Running              int           `json:"running"`
	QueueLength          int           `json:"queue_length"`
	TotalRequests        int64         `json:"total_requests"`
	CompletedRequests    int64         `json:"completed_requests"`
	FailedRequests       int64         `json:"failed_requests"`
	QueuedRequests       int64         `json:"queued_requests"`
	PeakRunning          int           `json:"peak_running"`
	AverageQueueWait     time.Duration `json:"average_queue_wait"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	Utilization          float64       `json:"utilization"`
}

// Stats returns a snapshot of the limiter counters.
func (cl *ConcurrencyLimiter) Stats() ConcurrencyLimiterStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	s := ConcurrencyLimiterStats{
		Name:              cl.cfg.Name,
		Limit:             cl.cfg.Limit,
		Running:           cl.running,
		QueueLength:       cl.queue.Len(),
		TotalRequests:     cl.total,
		CompletedRequests: cl.completed,
		FailedRequests:    cl.failed,
		QueuedRequests:    cl.queued,
		PeakRunning:       cl.peakRunning,
		Utilization:       float64(cl.running) / float64(cl.cfg.Limit),
	}
	if cl.queueWaitCount > 0 {
		s.AverageQueueWait = cl.queueWaitTotal / time.Duration(cl.queueWaitCount)
	}
	if cl.execTimeCount > 0 {
		s.AverageExecutionTime = cl.execTimeTotal / time.Duration(cl.execTimeCount)
	}
	return s
}
