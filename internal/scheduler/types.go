// Package scheduler turns enabled task rows into correctly-timed
// executions with retry accounting and a durable run ledger.
package scheduler

import (
	"context"
	"errors"
	"time"

	"assistbot/internal/payload"
	"assistbot/internal/store"
)

var (
	// ErrAlreadyRunning means another execution holds the task's lease;
	// the caller should skip this dispatch, not record a run.
	ErrAlreadyRunning = errors.New("task execution already in flight")
	// ErrUnknownTaskType marks a task whose type has no registered handler.
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrMaxAttempts is reported when an occurrence exhausts its retry
	// budget and the task gets disabled.
	ErrMaxAttempts = errors.New("max attempts reached, task disabled")
)

// Config controls the scheduler core and its poller.
type Config struct {
	PollInterval   time.Duration
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
	Retry          Policy
	RetryByType    map[string]Policy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Handler executes one kind of task. Implementations are opaque to the
// scheduler: they get the task row and return an output payload or an error.
type Handler interface {
	Run(ctx context.Context, task store.Task) (payload.Map, error)
}

type HandlerFunc func(ctx context.Context, task store.Task) (payload.Map, error)

func (f HandlerFunc) Run(ctx context.Context, task store.Task) (payload.Map, error) {
	return f(ctx, task)
}

// Due is one task occurrence ready for execution.
type Due struct {
	Task       store.Task
	Occurrence time.Time
	Attempt    int // 1-based attempt number the next execution will record
}

// TaskStore is the slice of the row store the scheduler reads and writes.
type TaskStore interface {
	ListEnabledTasks(ctx context.Context) ([]store.Task, error)
	SetTaskEnabled(ctx context.Context, id int64, enabled bool) error
	TouchTask(ctx context.Context, id int64, at time.Time) error
	UserTimezone(ctx context.Context, userID int64) (string, error)
}

// RunLedger is the append-only execution audit consulted for retry and
// occurrence decisions.
type RunLedger interface {
	AppendRun(ctx context.Context, r *store.Run) error
	HasSuccessfulRun(ctx context.Context, taskID int64, occ time.Time) (bool, error)
	LastSuccessfulOccurrence(ctx context.Context, taskID int64) (time.Time, bool, error)
	FailureTally(ctx context.Context, taskID int64, occ time.Time) (int, time.Time, error)
}

// TimeResolver computes the next occurrence of a schedule rule in a
// timezone. Parse failures wrap schedule.ErrInvalidRule.
type TimeResolver interface {
	Next(rule, tz string, after time.Time) (time.Time, error)
}

// Escalator is notified when a task is disabled after exhausting its
// retry budget. Failures to escalate are logged, never propagated.
type Escalator interface {
	TaskDisabled(task store.Task, attempts int, lastErr string)
}
