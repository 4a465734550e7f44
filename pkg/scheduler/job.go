// Package scheduler drives recurring jobs (immediate, interval, timestamp and
// cron schedules) through the single-operation executor pipeline so that the
// same limiters, circuit breakers and caches apply to scheduled work.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// RetryPolicy re-arms a failed job.
type RetryPolicy struct {
	// MaxAttempts bounds retries after the initial run
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Delay is the wait before a retry
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Schedule selects when a job runs. Exactly one field may be set; a zero
// schedule means immediate.
type Schedule struct {
	// Every re-arms the job at lastRun + Every
	Every time.Duration `json:"every,omitempty" yaml:"every,omitempty"`

	// At runs the job once at or after the given instant
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// Cron computes the next matching instant from a 5-field expression
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

func (s Schedule) kind() string {
	switch {
	case s.Cron != "":
		return "cron"
	case s.Every > 0:
		return "interval"
	case !s.At.IsZero():
		return "timestamp"
	default:
		return "immediate"
	}
}

// Job is one schedulable unit.
type Job struct {
	// ID is unique within the scheduler
	ID string `json:"id"`

	// Payload is handed to the handler untouched
	Payload interface{} `json:"payload,omitempty"`

	Schedule Schedule     `json:"schedule"`
	Retry    *RetryPolicy `json:"retry,omitempty"`

	// Runtime fields, managed by the scheduler.
	NextRunAt   time.Time `json:"next_run_at"`
	Attempts    int       `json:"attempts"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastSuccess bool      `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Done        bool      `json:"done,omitempty"`

	cronSchedule cron.Schedule
	running      bool
}

// ParseCron parses a standard 5-field cron expression (minute, hour,
// day-of-month, month, day-of-week) supporting *, integers, a-b ranges,
// a,b,c lists and */n steps. Malformed expressions are rejected: wrong field
// count, out-of-range values, step <= 0 and empty tokens.
func ParseCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.NewValidationError("cron expression is empty")
	}
	if fields := strings.Fields(trimmed); len(fields) != 5 {
		return nil, errors.NewValidationError(
			fmt.Sprintf("cron expression %q has %d fields, want 5", trimmed, len(fields)))
	}
	// The cron library drops empty list elements ("1,,2"), so reject them here.
	for _, field := range strings.Fields(trimmed) {
		for _, token := range strings.Split(field, ",") {
			if token == "" {
				return nil, errors.NewValidationError(
					fmt.Sprintf("cron expression %q has an empty list token", trimmed))
			}
		}
	}
	sched, err := cron.ParseStandard(trimmed)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid cron expression %q: %v", trimmed, err)).
			WithCause(err)
	}
	return sched, nil
}

// validate parses the schedule and primes the first run time.
func (j *Job) validate(now time.Time) error {
	if j.ID == "" {
		return errors.NewValidationError("job id is required")
	}
	set := 0
	if j.Schedule.Every > 0 {
		set++
	}
	if !j.Schedule.At.IsZero() {
		set++
	}
	if j.Schedule.Cron != "" {
		set++
	}
	if set > 1 {
		return errors.NewValidationError(fmt.Sprintf("job %q sets more than one schedule", j.ID))
	}
	if j.Retry != nil && j.Retry.MaxAttempts < 0 {
		return errors.NewValidationError(fmt.Sprintf("job %q retry max attempts is negative", j.ID))
	}
	switch j.Schedule.kind() {
	case "cron":
		sched, err := ParseCron(j.Schedule.Cron)
		if err != nil {
			return err
		}
		j.cronSchedule = sched
		j.NextRunAt = sched.Next(now)
	case "interval":
		j.NextRunAt = now.Add(j.Schedule.Every)
	case "timestamp":
		j.NextRunAt = j.Schedule.At
	default: // immediate
		j.NextRunAt = now
	}
	return nil
}

// rearm computes the next eligible time after a completed run; one-shot
// schedules mark the job done.
func (j *Job) rearm(now time.Time) {
	switch j.Schedule.kind() {
	case "cron":
		j.NextRunAt = j.cronSchedule.Next(now)
	case "interval":
		j.NextRunAt = j.LastRun.Add(j.Schedule.Every)
	default: // immediate, timestamp
		j.Done = true
	}
}
