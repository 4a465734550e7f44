package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stableinfra/go-sdk/pkg/buffer"
	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/executor"
	"github.com/stableinfra/go-sdk/pkg/metrics"
	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// Defaults for the scheduler loop.
const (
	DefaultTickInterval        = time.Second
	DefaultMaxParallel         = 4
	DefaultPersistenceDebounce = time.Second
)

// Invocation is handed to the handler for every dispatched job.
type Invocation struct {
	Job     *Job
	Payload interface{}

	// SharedInfrastructure is the scheduler's primitive registry; limiters
	// and breakers are therefore shared across jobs
	SharedInfrastructure *resilience.Infrastructure

	// SharedBuffer is the scheduler's state buffer
	SharedBuffer *buffer.StableBuffer

	Context core.ExecutionContext
}

// Handler runs one job invocation.
type Handler func(ctx context.Context, inv *Invocation) (interface{}, error)

// State is the persisted scheduler snapshot.
type State struct {
	Jobs    []Job     `json:"jobs"`
	SavedAt time.Time `json:"saved_at"`
}

// StatePersistence saves and restores scheduler state.
type StatePersistence interface {
	// Save persists the snapshot.
	Save(state *State) error

	// Load returns the last snapshot, or nil when none exists.
	Load() (*State, error)
}

// Config configures a scheduler.
type Config struct {
	// Name identifies the scheduler in logs and execution contexts
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// TickInterval paces the job scan (default 1s)
	TickInterval time.Duration `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`

	// MaxParallel bounds concurrently running handlers (default 4)
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// ExecutionTimeout aborts a handler run
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" yaml:"execution_timeout,omitempty"`

	// Profile applies the resilience pipeline to every dispatch; its breaker
	// and limiter references resolve against Infrastructure
	Profile *core.ResilienceProfile `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Infrastructure is shared with handlers and reloaded from persistence
	// before the first dispatch after a restore
	Infrastructure *resilience.Infrastructure `json:"-" yaml:"-"`

	// Buffer is shared with handlers
	Buffer *buffer.StableBuffer `json:"-" yaml:"-"`

	// Persistence saves scheduler state, debounced by PersistenceDebounce
	Persistence         StatePersistence `json:"-" yaml:"-"`
	PersistenceDebounce time.Duration    `json:"persistence_debounce,omitempty" yaml:"persistence_debounce,omitempty"`

	// Guardrails validate scheduler and infrastructure metrics on demand
	Guardrails *metrics.Guardrails `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`

	Logger *logrus.Logger `json:"-" yaml:"-"`
}

// Stats is the scheduler's own metrics snapshot.
type Stats struct {
	Jobs           int   `json:"jobs"`
	Running        int   `json:"running"`
	Ticks          int64 `json:"ticks"`
	Dispatched     int64 `json:"dispatched"`
	Succeeded      int64 `json:"succeeded"`
	Failed         int64 `json:"failed"`
	Retried        int64 `json:"retried"`
	SkippedBusy    int64 `json:"skipped_busy"`
	RestoredJobs   int   `json:"restored_jobs"`
	AnomaliesFound int64 `json:"anomalies_found"`
}

// Scheduler owns a job set and dispatches eligible jobs to its handler
// through the executor pipeline.
type Scheduler struct {
	cfg     Config
	handler Handler
	exec    *executor.Executor
	log     *logrus.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	running  int
	started  bool
	stopped  bool
	restored int

	stopCh   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup

	ticks      int64
	dispatched int64
	succeeded  int64
	failed     int64
	retried    int64
	skipped    int64
	anomalies  int64

	lastSave time.Time
	savePend *time.Timer
}

// New creates a scheduler over the given handler.
func New(handler Handler, cfg Config) (*Scheduler, error) {
	if handler == nil {
		return nil, errors.NewValidationError("scheduler handler is required")
	}
	if cfg.Name == "" {
		cfg.Name = "scheduler"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.PersistenceDebounce <= 0 {
		cfg.PersistenceDebounce = DefaultPersistenceDebounce
	}
	if cfg.Infrastructure == nil {
		cfg.Infrastructure = resilience.NewInfrastructure()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	s := &Scheduler{
		cfg:      cfg,
		handler:  handler,
		log:      logger,
		tracer:   otel.Tracer("stableinfra/scheduler"),
		jobs:     make(map[string]*Job),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.exec = executor.New(executor.WithInfrastructure(cfg.Infrastructure))
	return s, nil
}

// Infrastructure returns the shared primitive registry.
func (s *Scheduler) Infrastructure() *resilience.Infrastructure { return s.cfg.Infrastructure }

// AddJob registers a job. Cron expressions are validated here; malformed
// schedules are rejected.
func (s *Scheduler) AddJob(job *Job) error {
	if job == nil {
		return errors.NewValidationError("job is nil")
	}
	if err := job.validate(time.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.NewValidationError("duplicate job id " + job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.requestSaveLocked()
	return nil
}

// RemoveJob deletes a job; an in-flight run completes normally.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.requestSaveLocked()
}

// Jobs returns copies of the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Start restores persisted state, reloads the shared infrastructure from its
// persistence before any dispatch, and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewValidationError("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.restore(); err != nil {
		s.log.WithError(err).Warn("scheduler state restore failed")
	}
	if err := s.cfg.Infrastructure.ReloadFromPersistence(); err != nil {
		s.log.WithError(err).Warn("infrastructure reload failed")
	}

	go s.loop(ctx)
	return nil
}

// Stop prevents new dispatches and waits for in-flight handlers to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	<-s.loopDone
	s.inflight.Wait()
	s.saveNow()
	s.cfg.Infrastructure.FlushPersistence()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick selects every eligible job and dispatches up to the free parallel
// slots.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.ticks++
	var due []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Done || job.running || now.Before(job.NextRunAt) {
			continue
		}
		due = append(due, job)
	}
	free := s.cfg.MaxParallel - s.running
	for i, job := range due {
		if i >= free {
			s.skipped++
			continue
		}
		job.running = true
		s.running++
		s.dispatched++
		s.inflight.Add(1)
		go s.dispatch(ctx, job)
	}
	s.mu.Unlock()
}

// dispatch runs one job through the executor pipeline so the shared
// limiters, breaker and cache apply.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) {
	defer s.inflight.Done()

	execCtx := core.ExecutionContext{
		WorkflowID: s.cfg.Name,
		RequestID:  uuid.NewString(),
	}
	spanCtx, span := s.tracer.Start(ctx, "scheduler.job",
		trace.WithAttributes(
			attribute.String("scheduler.name", s.cfg.Name),
			attribute.String("job.id", job.ID),
		))
	defer span.End()

	profile := s.cfg.Profile
	if s.cfg.ExecutionTimeout > 0 {
		merged := core.ResilienceProfile{Timeout: s.cfg.ExecutionTimeout}.Merge(profile)
		merged.Timeout = s.cfg.ExecutionTimeout
		profile = &merged
	}

	op := &core.Operation{
		ID:           job.ID,
		FunctionName: "scheduler/" + s.cfg.Name + "/" + job.ID,
		Profile:      profile,
		Context:      execCtx,
		Buffer:       s.cfg.Buffer,
		Function: func(fnCtx context.Context, _ []interface{}) (interface{}, error) {
			return s.handler(fnCtx, &Invocation{
				Job:                  job,
				Payload:              job.Payload,
				SharedInfrastructure: s.cfg.Infrastructure,
				SharedBuffer:         s.cfg.Buffer,
				Context:              execCtx,
			})
		},
	}

	result, _ := s.exec.Execute(spanCtx, op)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	job.running = false
	s.running--
	job.LastRun = now
	job.LastSuccess = result.Success
	if result.Success {
		s.succeeded++
		job.LastError = ""
		job.Attempts = 0
		job.rearm(now)
	} else {
		s.failed++
		if result.Err != nil {
			job.LastError = result.Err.Error()
		}
		if job.Retry != nil && job.Attempts < job.Retry.MaxAttempts {
			job.Attempts++
			s.retried++
			job.NextRunAt = now.Add(job.Retry.Delay)
		} else {
			job.Attempts = 0
			job.rearm(now)
		}
	}
	s.requestSaveLocked()
}

// restore re-hydrates jobs from the persisted snapshot. Jobs must be
// registered before Start; only their runtime fields are restored.
func (s *Scheduler) restore() error {
	if s.cfg.Persistence == nil {
		return nil
	}
	state, err := s.cfg.Persistence.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, saved := range state.Jobs {
		job, ok := s.jobs[saved.ID]
		if !ok {
			continue
		}
		job.NextRunAt = saved.NextRunAt
		job.Attempts = saved.Attempts
		job.LastRun = saved.LastRun
		job.LastSuccess = saved.LastSuccess
		job.LastError = saved.LastError
		job.Done = saved.Done
		s.restored++
	}
	return nil
}

// requestSaveLocked schedules a debounced state save. Saves begin only after
// Start, so that a stored snapshot is never clobbered before restore runs.
func (s *Scheduler) requestSaveLocked() {
	if s.cfg.Persistence == nil || !s.started {
		return
	}
	if time.Since(s.lastSave) >= s.cfg.PersistenceDebounce {
		s.lastSave = time.Now()
		state := s.snapshotLocked()
		go s.save(state)
		return
	}
	if s.savePend == nil {
		wait := s.cfg.PersistenceDebounce - time.Since(s.lastSave)
		s.savePend = time.AfterFunc(wait, func() {
			s.mu.Lock()
			s.savePend = nil
			s.lastSave = time.Now()
			state := s.snapshotLocked()
			s.mu.Unlock()
			s.save(state)
		})
	}
}

func (s *Scheduler) snapshotLocked() *State {
	state := &State{SavedAt: time.Now()}
	for _, id := range s.order {
		state.Jobs = append(state.Jobs, *s.jobs[id])
	}
	return state
}

func (s *Scheduler) save(state *State) {
	if err := s.cfg.Persistence.Save(state); err != nil {
		s.log.WithError(err).Warn("scheduler state save failed")
	}
}

func (s *Scheduler) saveNow() {
	if s.cfg.Persistence == nil {
		return
	}
	s.mu.Lock()
	if s.savePend != nil {
		s.savePend.Stop()
		s.savePend = nil
	}
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.save(state)
}

// Stats returns the scheduler's metrics snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Jobs:           len(s.jobs),
		Running:        s.running,
		Ticks:          s.ticks,
		Dispatched:     s.dispatched,
		Succeeded:      s.succeeded,
		Failed:         s.failed,
		Retried:        s.retried,
		SkippedBusy:    s.skipped,
		RestoredJobs:   s.restored,
		AnomaliesFound: s.anomalies,
	}
}

// ValidateGuardrails compares the scheduler's and the shared infrastructure's
// metrics against the configured guardrails. Violations are returned as
// anomalies; the scheduler keeps running regardless.
func (s *Scheduler) ValidateGuardrails() []metrics.Anomaly {
	if s.cfg.Guardrails == nil {
		return nil
	}
	stats := s.Stats()
	values := map[string]float64{
		"jobs":         float64(stats.Jobs),
		"running":      float64(stats.Running),
		"dispatched":   float64(stats.Dispatched),
		"succeeded":    float64(stats.Succeeded),
		"failed":       float64(stats.Failed),
		"retried":      float64(stats.Retried),
		"skipped_busy": float64(stats.SkippedBusy),
		"failure_rate": failureRate(stats),
	}
	anomalies := metrics.Validate("scheduler/"+s.cfg.Name, values, s.cfg.Guardrails.Scheduler)
	anomalies = append(anomalies,
		metrics.ValidateInfrastructure(s.cfg.Infrastructure, s.cfg.Guardrails.Infrastructure)...)
	s.mu.Lock()
	s.anomalies += int64(len(anomalies))
	s.mu.Unlock()
	return anomalies
}

func failureRate(stats Stats) float64 {
	total := stats.Succeeded + stats.Failed
	if total == 0 {
		return 0
	}
	return float64(stats.Failed) / float64(total)
}
