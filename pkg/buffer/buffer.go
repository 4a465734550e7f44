// Package buffer implements the stable buffer: an opaque state object whose
// mutations are serialised through a transaction queue. A single worker owns
// the state; callers submit a callback and await a completion signal. Reads
// return a clone of the most recently committed state, never the shared
// object.
package buffer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// TransactionFunc mutates the state clone it receives. A failing callback does
// not commit.
type TransactionFunc func(state interface{}) error

// CloneFunc deep-clones the state. The default clone is a JSON round-trip,
// which is correct for map/slice/scalar state; typed state should supply its
// own clone.
type CloneFunc func(state interface{}) (interface{}, error)

// TransactionLog describes one applied (or failed) transaction for the
// optional log callback.
type TransactionLog struct {
	Before    interface{}   `json:"before"`
	After     interface{}   `json:"after,omitempty"`
	Patch     []byte        `json:"patch,omitempty"`
	Duration  time.Duration `json:"duration"`
	QueueWait time.Duration `json:"queue_wait"`
	Err       error         `json:"-"`
}

// LogFunc receives the transaction log entry after each callback completes.
type LogFunc func(entry *TransactionLog)

// Config configures a StableBuffer.
type Config struct {
	// InitialState is the starting state object
	InitialState interface{}

	// Clone overrides the default JSON deep clone
	Clone CloneFunc

	// LogTransaction, when set, is called once per transaction
	LogTransaction LogFunc

	// TransactionTimeout aborts an in-flight callback, leaving the prior
	// state unchanged. Zero means no timeout.
	TransactionTimeout time.Duration

	// QueueSize bounds the pending transaction queue
	QueueSize int

	// Logger receives transaction failures; nop by default
	Logger *zap.Logger
}

// Stats reports buffer metrics, updated exactly once per callback.
type Stats struct {
	TotalTransactions   int64         `json:"total_transactions"`
	FailedTransactions  int64         `json:"failed_transactions"`
	AverageQueueWait    time.Duration `json:"average_queue_wait"`
	PendingTransactions int           `json:"pending_transactions"`
}

type txRequest struct {
	fn       TransactionFunc
	enqueued time.Time
	done     chan error
	ctx      context.Context
}

// StableBuffer wraps a state object with serialised transactional mutation.
type StableBuffer struct {
	cfg   Config
	log   *zap.Logger
	queue chan *txRequest

	mu    sync.RWMutex // guards committed state
	state interface{}

	acceptMu  sync.RWMutex
	accepting bool
	closeOnce sync.Once
	closed    chan struct{}
	drained   sync.WaitGroup

	totalTx   int64
	failedTx  int64
	queueWait int64 // accumulated nanoseconds
}

// New creates a buffer around the initial state and starts its worker.
func New(cfg Config) *StableBuffer {
	if cfg.Clone == nil {
		cfg.Clone = jsonClone
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &StableBuffer{
		cfg:       cfg,
		log:       logger,
		queue:     make(chan *txRequest, cfg.QueueSize),
		state:     cfg.InitialState,
		accepting: true,
		closed:    make(chan struct{}),
	}
	b.drained.Add(1)
	go b.worker()
	return b
}

// Transaction queues fn and blocks until it has been applied or rejected.
// At most one callback mutates at a time; callbacks apply in enqueue order.
func (b *StableBuffer) Transaction(ctx context.Context, fn TransactionFunc) error {
	req := &txRequest{
		fn:       fn,
		enqueued: time.Now(),
		done:     make(chan error, 1),
		ctx:      ctx,
	}
	b.acceptMu.RLock()
	if !b.accepting {
		b.acceptMu.RUnlock()
		return errors.ErrBufferClosed
	}
	select {
	case b.queue <- req:
		b.acceptMu.RUnlock()
	case <-ctx.Done():
		b.acceptMu.RUnlock()
		return errors.FromContextError(ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The worker will still run the callback; the caller just stops
		// waiting for it.
		return errors.FromContextError(ctx.Err())
	}
}

// Read returns a clone of the most recently committed state. The caller may
// not observe partial transactions and may freely mutate the returned value.
func (b *StableBuffer) Read() interface{} {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	clone, err := b.cfg.Clone(state)
	if err != nil {
		b.log.Warn("buffer clone failed on read", zap.Error(err))
		return nil
	}
	return clone
}

// Stats returns a snapshot of the buffer metrics.
func (b *StableBuffer) Stats() Stats {
	total := atomic.LoadInt64(&b.totalTx)
	s := Stats{
		TotalTransactions:   total,
		FailedTransactions:  atomic.LoadInt64(&b.failedTx),
		PendingTransactions: len(b.queue),
	}
	if total > 0 {
		s.AverageQueueWait = time.Duration(atomic.LoadInt64(&b.queueWait) / total)
	}
	return s
}

// Close stops accepting transactions. Queued transactions drain before the
// worker exits.
func (b *StableBuffer) Close() {
	b.closeOnce.Do(func() {
		b.acceptMu.Lock()
		b.accepting = false
		b.acceptMu.Unlock()
		close(b.closed)
	})
	b.drained.Wait()
}

func (b *StableBuffer) worker() {
	defer b.drained.Done()
	for {
		select {
		case req := <-b.queue:
			b.apply(req)
		case <-b.closed:
			// Nothing new can enqueue; drain what is already queued.
			for {
				select {
				case req := <-b.queue:
					b.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (b *StableBuffer) apply(req *txRequest) {
	queueWait := time.Since(req.enqueued)
	atomic.AddInt64(&b.totalTx, 1)
	atomic.AddInt64(&b.queueWait, int64(queueWait))

	b.mu.RLock()
	committed := b.state
	b.mu.RUnlock()

	working, err := b.cfg.Clone(committed)
	if err != nil {
		b.finish(req, committed, nil, 0, queueWait, errors.NewTransportError("buffer clone failed", err))
		return
	}

	start := time.Now()
	err = b.runCallback(req, working)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&b.failedTx, 1)
		b.finish(req, committed, nil, duration, queueWait, err)
		return
	}

	b.mu.Lock()
	b.state = working
	b.mu.Unlock()
	b.finish(req, committed, working, duration, queueWait, nil)
}

// runCallback invokes the transaction with panic recovery and the configured
// per-transaction timeout. On timeout the callback's eventual result is
// discarded and the prior state stays committed.
func (b *StableBuffer) runCallback(req *txRequest, working interface{}) error {
	if b.cfg.TransactionTimeout <= 0 {
		return errors.CallSafely("buffer transaction", func() error { return req.fn(working) })
	}
	done := make(chan error, 1)
	go func() {
		done <- errors.CallSafely("buffer transaction", func() error { return req.fn(working) })
	}()
	timer := time.NewTimer(b.cfg.TransactionTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.NewTimeoutError("buffer transaction", b.cfg.TransactionTimeout)
	}
}

func (b *StableBuffer) finish(req *txRequest, before, after interface{}, duration, queueWait time.Duration, err error) {
	if b.cfg.LogTransaction != nil {
		entry := &TransactionLog{
			Before:    before,
			After:     after,
			Duration:  duration,
			QueueWait: queueWait,
			Err:       err,
		}
		if err == nil {
			if patch, patchErr := mergePatch(before, after); patchErr == nil {
				entry.Patch = patch
			}
		}
		logErr := errors.CallSafely("buffer transaction log", func() error {
			b.cfg.LogTransaction(entry)
			return nil
		})
		if logErr != nil {
			b.log.Warn("buffer transaction log callback failed", zap.Error(logErr))
		}
	}
	if err != nil {
		b.log.Debug("buffer transaction rejected", zap.Error(err))
	}
	req.done <- err
}

// mergePatch renders the state change as an RFC 7386 merge patch for the
// transaction log.
func mergePatch(before, after interface{}) ([]byte, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	a, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(b, a)
}

func jsonClone(state interface{}) (interface{}, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
