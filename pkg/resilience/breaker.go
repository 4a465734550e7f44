package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// StateClosed allows all requests through
	StateClosed BreakerState = iota
	// StateOpen fails fast until the recovery timeout elapses
	StateOpen
	// StateHalfOpen admits a bounded trial window
	StateHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig contains configuration for a circuit breaker. Threshold
// violations at construction are fatal.
type BreakerConfig struct {
	// Name identifies the breaker in errors, logs and stats
	Name string `json:"name" yaml:"name"`

	// FailureThresholdPercentage opens the breaker once reached (0-100]
	FailureThresholdPercentage float64 `json:"failure_threshold_percentage" yaml:"failure_threshold_percentage"`

	// MinimumRequests gates threshold evaluation until enough traffic ran
	MinimumRequests int `json:"minimum_requests" yaml:"minimum_requests"`

	// RecoveryTimeout is how long the breaker stays open before a trial window
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThresholdPercentage closes the breaker from half-open (default 50)
	SuccessThresholdPercentage float64 `json:"success_threshold_percentage" yaml:"success_threshold_percentage"`

	// HalfOpenMaxRequests bounds the trial window (default 5)
	HalfOpenMaxRequests int `json:"half_open_max_requests" yaml:"half_open_max_requests"`

	// TrackIndividualAttempts counts every retry as an event; when false,
	// composite executors record one outcome per operation. Recorded at
	// construction time.
	TrackIndividualAttempts bool `json:"track_individual_attempts" yaml:"track_individual_attempts"`

	// Persistence shares breaker state across processes
	Persistence         Persistence   `json:"-" yaml:"-"`
	PersistenceDebounce time.Duration `json:"-" yaml:"-"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.Name == "" {
		out.Name = "default"
	}
	if out.SuccessThresholdPercentage <= 0 {
		out.SuccessThresholdPercentage = 50
	}
	if out.HalfOpenMaxRequests <= 0 {
		out.HalfOpenMaxRequests = 5
	}
	return out
}

func (c *BreakerConfig) validate() error {
	if c.FailureThresholdPercentage <= 0 || c.FailureThresholdPercentage > 100 {
		return errors.NewValidationError(fmt.Sprintf("failure threshold percentage %v out of (0,100]", c.FailureThresholdPercentage))
	}
	if c.MinimumRequests < 1 {
		return errors.NewValidationError("minimum requests must be >= 1")
	}
	if c.RecoveryTimeout <= 0 {
		return errors.NewValidationError("recovery timeout must be positive")
	}
	if c.SuccessThresholdPercentage < 0 || c.SuccessThresholdPercentage > 100 {
		return errors.NewValidationError(fmt.Sprintf("success threshold percentage %v out of [0,100]", c.SuccessThresholdPercentage))
	}
	return nil
}

// CircuitBreaker gates execution by rolling failure rate.
type CircuitBreaker struct {
	cfg BreakerConfig
	log *zap.Logger

	mu              sync.Mutex
	state           BreakerState
	total           int64
	successful      int64
	failed          int64
	transitions     int64
	openCount       int64
	lastStateChange time.Time
	openUntil       time.Time
	openAccumulated time.Duration

	halfOpenAdmitted int
	halfOpenTotal    int
	halfOpenSuccess  int
	halfOpenFailed   int

	store *debouncedStore
}

// NewCircuitBreaker creates a breaker, validating the configuration. If a
// persistence adapter is configured, the stored snapshot is applied before the
// breaker is returned.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	full := cfg.withDefaults()
	if err := full.validate(); err != nil {
		return nil, err
	}
	logger := full.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		cfg:             full,
		log:             logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
		store:           newDebouncedStore(full.Persistence, full.PersistenceDebounce),
	}
	if err := cb.ReloadFromPersistence(); err != nil {
		logger.Warn("circuit breaker snapshot load failed", zap.String("breaker", full.Name), zap.Error(err))
	}
	return cb, nil
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// TracksIndividualAttempts reports the per-attempt accounting mode chosen at
// construction.
func (cb *CircuitBreaker) TracksIndividualAttempts() bool { return cb.cfg.TrackIndividualAttempts }

// CanExecute reports whether a new operation may run. In OPEN state the first
// query at or after the recovery deadline transitions to HALF_OPEN and admits.
// In HALF_OPEN, admissions are bounded by HalfOpenMaxRequests.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if !time.Now().Before(cb.openUntil) {
			cb.toHalfOpenLocked()
			cb.halfOpenAdmitted++
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenAdmitted < cb.cfg.HalfOpenMaxRequests {
			cb.halfOpenAdmitted++
			return true
		}
		return false
	default:
		return false
	}
}

// OpenError builds the circuit-open rejection for this breaker. The retry
// loop never retries it within the same call.
func (cb *CircuitBreaker) OpenError() *errors.InfraError {
	cb.mu.Lock()
	openUntil := cb.openUntil
	cb.mu.Unlock()
	return errors.NewCircuitOpenError(cb.cfg.Name, openUntil)
}

// RecordSuccess records one successful event.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(true) }

// RecordFailure records one failed event.
func (cb *CircuitBreaker) RecordFailure() { cb.record(false) }

// RecordAttempt records a per-attempt outcome when the breaker tracks
// individual attempts; otherwise it is a no-op and the composite layer calls
// RecordOperation once per operation.
func (cb *CircuitBreaker) RecordAttempt(success bool) {
	if cb.cfg.TrackIndividualAttempts {
		cb.record(success)
	}
}

// RecordOperation records a per-operation outcome when the breaker does not
// track individual attempts.
func (cb *CircuitBreaker) RecordOperation(success bool) {
	if !cb.cfg.TrackIndividualAttempts {
		cb.record(success)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenTotal++
		if success {
			cb.halfOpenSuccess++
		} else {
			cb.halfOpenFailed++
		}
		if cb.halfOpenTotal >= cb.cfg.HalfOpenMaxRequests {
			rate := float64(cb.halfOpenSuccess) / float64(cb.halfOpenTotal) * 100
			if rate >= cb.cfg.SuccessThresholdPercentage {
				cb.toClosedLocked()
			} else {
				cb.toOpenLocked()
			}
		}
	default:
		cb.total++
		if success {
			cb.successful++
		} else {
			cb.failed++
		}
		if cb.state == StateClosed && cb.total >= int64(cb.cfg.MinimumRequests) &&
			cb.failurePercentageLocked() >= cb.cfg.FailureThresholdPercentage {
			cb.toOpenLocked()
		}
	}
	cb.mu.Unlock()
	cb.store.touch(cb.snapshotBytes)
}

func (cb *CircuitBreaker) failurePercentageLocked() float64 {
	if cb.total == 0 {
		return 0
	}
	return float64(cb.failed) / float64(cb.total) * 100
}

func (cb *CircuitBreaker) toOpenLocked() {
	now := time.Now()
	if cb.state == StateOpen {
		return
	}
	cb.state = StateOpen
	cb.transitions++
	cb.openCount++
	cb.openUntil = now.Add(cb.cfg.RecoveryTimeout)
	cb.lastStateChange = now
	cb.halfOpenAdmitted = 0
	cb.halfOpenTotal = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenFailed = 0
	cb.log.Warn("circuit breaker opened",
		zap.String("breaker", cb.cfg.Name),
		zap.Float64("failure_percentage", cb.failurePercentageLocked()),
		zap.Time("open_until", cb.openUntil))
}

func (cb *CircuitBreaker) toHalfOpenLocked() {
	now := time.Now()
	cb.openAccumulated += now.Sub(cb.lastStateChange)
	cb.state = StateHalfOpen
	cb.transitions++
	cb.lastStateChange = now
	cb.halfOpenAdmitted = 0
	cb.halfOpenTotal = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenFailed = 0
	cb.log.Info("circuit breaker half-open", zap.String("breaker", cb.cfg.Name))
}

func (cb *CircuitBreaker) toClosedLocked() {
	cb.state = StateClosed
	cb.transitions++
	cb.lastStateChange = time.Now()
	cb.total = 0
	cb.successful = 0
	cb.failed = 0
	cb.halfOpenAdmitted = 0
	cb.halfOpenTotal = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenFailed = 0
	cb.log.Info("circuit breaker closed", zap.String("breaker", cb.cfg.Name))
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to CLOSED with empty rolling counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.toClosedLocked()
	cb.mu.Unlock()
	cb.store.touch(cb.snapshotBytes)
}

// Trip forces the breaker OPEN.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	cb.toOpenLocked()
	cb.mu.Unlock()
	cb.store.touch(cb.snapshotBytes)
}

// BreakerStats is a copyable view of the breaker for dashboards.
type BreakerStats struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	FailurePercentage   float64       `json:"failure_percentage"`
	Transitions         int64         `json:"transitions"`
	OpenCount           int64         `json:"open_count"`
	TimeInState         time.Duration `json:"time_in_state"`
	TotalOpenDuration   time.Duration `json:"total_open_duration"`
	HalfOpenTotal       int           `json:"half_open_total"`
	HalfOpenSuccesses   int           `json:"half_open_successes"`
	HalfOpenFailures    int           `json:"half_open_failures"`
	Config              BreakerConfig `json:"config"`
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	open := cb.openAccumulated
	if cb.state == StateOpen {
		open += time.Since(cb.lastStateChange)
	}
	return BreakerStats{
		Name:               cb.cfg.Name,
		State:              cb.state.String(),
		TotalRequests:      cb.total,
		SuccessfulRequests: cb.successful,
		FailedRequests:     cb.failed,
		FailurePercentage:  cb.failurePercentageLocked(),
		Transitions:        cb.transitions,
		OpenCount:          cb.openCount,
		TimeInState:        time.Since(cb.lastStateChange),
		TotalOpenDuration:  open,
		HalfOpenTotal:      cb.halfOpenTotal,
		HalfOpenSuccesses:  cb.halfOpenSuccess,
		HalfOpenFailures:   cb.halfOpenFailed,
		Config:             cb.cfg,
	}
}

// breakerSnapshot is the semantic state persisted across processes.
type breakerSnapshot struct {
	State           int           `msgpack:"state"`
	Total           int64         `msgpack:"total"`
	Successful      int64         `msgpack:"successful"`
	Failed          int64         `msgpack:"failed"`
	Transitions     int64         `msgpack:"transitions"`
	OpenCount       int64         `msgpack:"open_count"`
	OpenUntil       time.Time     `msgpack:"open_until"`
	LastStateChange time.Time     `msgpack:"last_state_change"`
	OpenAccumulated time.Duration `msgpack:"open_accumulated"`
	HalfOpenTotal   int           `msgpack:"half_open_total"`
	HalfOpenSuccess int           `msgpack:"half_open_success"`
	HalfOpenFailed  int           `msgpack:"half_open_failed"`
}

func (cb *CircuitBreaker) snapshotBytes() ([]byte, error) {
	cb.mu.Lock()
	snap := breakerSnapshot{
		State:           int(cb.state),
		Total:           cb.total,
		Successful:      cb.successful,
		Failed:          cb.failed,
		Transitions:     cb.transitions,
		OpenCount:       cb.openCount,
		OpenUntil:       cb.openUntil,
		LastStateChange: cb.lastStateChange,
		OpenAccumulated: cb.openAccumulated,
		HalfOpenTotal:   cb.halfOpenTotal,
		HalfOpenSuccess: cb.halfOpenSuccess,
		HalfOpenFailed:  cb.halfOpenFailed,
	}
	cb.mu.Unlock()
	return msgpack.Marshal(&snap)
}

// ReloadFromPersistence re-applies the stored snapshot to this breaker. Used
// on construction and by the scheduler after restoring persisted state.
func (cb *CircuitBreaker) ReloadFromPersistence() error {
	if cb.cfg.Persistence == nil {
		return nil
	}
	raw, err := cb.cfg.Persistence.Load()
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var snap breakerSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return err
	}
	cb.mu.Lock()
	cb.state = BreakerState(snap.State)
	cb.total = snap.Total
	cb.successful = snap.Successful
	cb.failed = snap.Failed
	cb.transitions = snap.Transitions
	cb.openCount = snap.OpenCount
	cb.openUntil = snap.OpenUntil
	cb.lastStateChange = snap.LastStateChange
	cb.openAccumulated = snap.OpenAccumulated
	cb.halfOpenTotal = snap.HalfOpenTotal
	cb.halfOpenSuccess = snap.HalfOpenSuccess
	cb.halfOpenFailed = snap.HalfOpenFailed
	cb.mu.Unlock()
	return nil
}

// FlushPersistence forces a pending snapshot write, used on shutdown.
func (cb *CircuitBreaker) FlushPersistence() { cb.store.flush() }
