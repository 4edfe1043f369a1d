package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assistbot/internal/eventbus"
	"assistbot/internal/payload"
	"assistbot/internal/schedule"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

// Deps are the collaborators the core needs. Clock defaults to time.Now;
// tests pass a fixed clock for deterministic run timestamps.
type Deps struct {
	Tasks    TaskStore
	Ledger   RunLedger
	Resolver TimeResolver
	Handlers map[string]Handler
	Lease    Lease // optional cross-process lease
	Bus      *eventbus.Bus
	Esc      Escalator // optional
	Log      logx.Logger
	Clock    func() time.Time
}

// Core decides which tasks are due, executes them under per-task mutual
// exclusion, and records every attempt in the run ledger.
type Core struct {
	cfg   Config
	deps  Deps
	locks *taskLocks
}

func NewCore(cfg Config, deps Deps) *Core {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Core{cfg: cfg.withDefaults(), deps: deps, locks: newTaskLocks()}
}

// Tick returns every enabled task with a due occurrence at `now`. It is a
// pure query: no rows change, and calling it repeatedly for the same
// instant yields the same result.
//
// An occurrence is due when:
//   - the rule's next occurrence after the anchor (last successful
//     occurrence, or task creation) is <= now,
//   - no successful run covers it, and
//   - the retry-after window from previous failed attempts has elapsed.
//
// A missed poll window still yields the missed occurrence here, exactly
// once, on the next call (catch-up).
func (c *Core) Tick(ctx context.Context, now time.Time) ([]Due, error) {
	tasks, err := c.deps.Tasks.ListEnabledTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}

	var due []Due
	for _, t := range tasks {
		d, ok, err := c.dueFor(ctx, t, now)
		if err != nil {
			if errors.Is(err, schedule.ErrInvalidRule) {
				// Bad rules should have been rejected at creation; skip
				// rather than fail every other task in the tick.
				c.deps.Log.Warn("task has unparseable schedule rule",
					logx.Int64("task_id", t.ID), logx.String("rule", t.ScheduleRule), logx.Err(err))
				continue
			}
			return nil, err
		}
		if ok {
			due = append(due, d)
		}
	}
	return due, nil
}

func (c *Core) dueFor(ctx context.Context, t store.Task, now time.Time) (Due, bool, error) {
	tz, err := c.deps.Tasks.UserTimezone(ctx, t.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.deps.Log.Warn("task owner missing, skipping", logx.Int64("task_id", t.ID))
			return Due{}, false, nil
		}
		return Due{}, false, err
	}

	anchor := t.CreatedAt
	if last, ok, err := c.deps.Ledger.LastSuccessfulOccurrence(ctx, t.ID); err != nil {
		return Due{}, false, err
	} else if ok {
		anchor = last
	}

	occ, err := c.deps.Resolver.Next(t.ScheduleRule, tz, anchor)
	if err != nil {
		return Due{}, false, err
	}
	// Occurrence identity is the computed instant; compare in Unix seconds
	// the same way the ledger stores it.
	occ = occ.Truncate(time.Second)
	if occ.After(now) {
		return Due{}, false, nil
	}

	if done, err := c.deps.Ledger.HasSuccessfulRun(ctx, t.ID, occ); err != nil {
		return Due{}, false, err
	} else if done {
		return Due{}, false, nil
	}

	failures, lastEnd, err := c.deps.Ledger.FailureTally(ctx, t.ID, occ)
	if err != nil {
		return Due{}, false, err
	}
	if failures > 0 {
		pol := c.cfg.policyFor(t.Type)
		if pol.Exhausted(failures) {
			// Normally the task was disabled when the budget ran out; if
			// the disable write was lost, do not keep retrying forever.
			return Due{}, false, nil
		}
		if now.Before(lastEnd.Add(pol.Delay(failures))) {
			return Due{}, false, nil
		}
	}
	return Due{Task: t, Occurrence: occ, Attempt: failures + 1}, true, nil
}

// Execute runs one due occurrence. It serializes per task id (in-process
// lock, plus the optional cross-process lease), invokes the handler with
// the configured timeout, and always appends exactly one run row for the
// attempt — success or failure. Handler errors, timeouts and panics become
// a failed run; only ledger write failures propagate, leaving the
// occurrence eligible for the next tick.
func (c *Core) Execute(ctx context.Context, due Due, now time.Time) (store.Run, error) {
	t := due.Task
	if !c.locks.tryAcquire(t.ID) {
		return store.Run{}, ErrAlreadyRunning
	}
	defer c.locks.release(t.ID)

	if c.deps.Lease != nil {
		ok, err := c.deps.Lease.TryAcquire(ctx, t.ID, 2*c.cfg.HandlerTimeout)
		if err != nil {
			// Fail open to the in-process lock: a broken lease backend must
			// not stall every schedule.
			c.deps.Log.Warn("task lease unavailable", logx.Int64("task_id", t.ID), logx.Err(err))
		} else if !ok {
			return store.Run{}, ErrAlreadyRunning
		} else {
			defer func() {
				if err := c.deps.Lease.Release(context.WithoutCancel(ctx), t.ID); err != nil {
					c.deps.Log.Warn("task lease release failed", logx.Int64("task_id", t.ID), logx.Err(err))
				}
			}()
		}
	}

	// Re-check under the lock: another poll may have finished this
	// occurrence between Tick and Execute.
	if done, err := c.deps.Ledger.HasSuccessfulRun(ctx, t.ID, due.Occurrence); err != nil {
		return store.Run{}, fmt.Errorf("scheduler: recheck occurrence: %w", err)
	} else if done {
		return store.Run{}, ErrAlreadyRunning
	}
	failures, _, err := c.deps.Ledger.FailureTally(ctx, t.ID, due.Occurrence)
	if err != nil {
		return store.Run{}, fmt.Errorf("scheduler: failure tally: %w", err)
	}
	attempt := failures + 1

	c.publish(eventbus.TypeRunStarted, runEvent(t, due.Occurrence, attempt, ""))

	out, runErr := c.invoke(ctx, t)
	end := c.deps.Clock()

	run := store.Run{
		TaskID:     t.ID,
		Occurrence: due.Occurrence,
		StartedAt:  now,
		EndedAt:    end,
		OK:         runErr == nil,
		Output:     out,
		Attempt:    attempt,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := c.deps.Ledger.AppendRun(ctx, &run); err != nil {
		// Fatal for this tick only; the occurrence stays due.
		return store.Run{}, fmt.Errorf("scheduler: append run: %w", err)
	}
	if err := c.deps.Tasks.TouchTask(ctx, t.ID, end); err != nil {
		c.deps.Log.Warn("task touch failed", logx.Int64("task_id", t.ID), logx.Err(err))
	}

	if runErr == nil {
		c.deps.Log.Debug("run succeeded",
			logx.Int64("task_id", t.ID), logx.Int("attempt", attempt),
			logx.Duration("dur", end.Sub(now)))
		c.publish(eventbus.TypeRunSucceeded, runEvent(t, due.Occurrence, attempt, ""))
		return run, nil
	}

	c.deps.Log.Warn("run failed",
		logx.Int64("task_id", t.ID), logx.String("type", t.Type),
		logx.Int("attempt", attempt), logx.Err(runErr))
	c.publish(eventbus.TypeRunFailed, runEvent(t, due.Occurrence, attempt, run.Error))

	pol := c.cfg.policyFor(t.Type)
	giveUp := pol.Exhausted(attempt) || errors.Is(runErr, ErrUnknownTaskType)
	if giveUp {
		c.disable(ctx, t, attempt, run.Error)
	}
	return run, nil
}

// invoke runs the task's handler with the configured timeout, converting
// panics and deadline hits into plain errors. A handler that ignores its
// context keeps running past the deadline; the run is recorded as failed
// anyway and the goroutine is abandoned (hard cancellation is part of the
// handler contract, not the scheduler's).
func (c *Core) invoke(ctx context.Context, t store.Task) (payload.Map, error) {
	h, ok := c.deps.Handlers[t.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		out payload.Map
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h.Run(runCtx, t)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		return nil, fmt.Errorf("handler timeout after %s: %w", c.cfg.HandlerTimeout, runCtx.Err())
	case r := <-ch:
		return r.out, r.err
	}
}

// disable turns the task off after its retry budget is spent and surfaces
// the failure; it is never silently dropped.
func (c *Core) disable(ctx context.Context, t store.Task, attempts int, lastErr string) {
	err := c.deps.Tasks.SetTaskEnabled(ctx, t.ID, false)
	switch {
	case err == nil:
		c.deps.Log.Error("task disabled after exhausting retries",
			logx.Int64("task_id", t.ID), logx.String("type", t.Type),
			logx.Int("attempts", attempts), logx.String("last_err", lastErr))
	case errors.Is(err, store.ErrStale):
		// Already disabled by a concurrent actor; nothing left to do.
	default:
		c.deps.Log.Error("task disable failed",
			logx.Int64("task_id", t.ID), logx.Err(err))
	}
	c.publish(eventbus.TypeTaskDisabled, runEvent(t, time.Time{}, attempts, lastErr))
	if c.deps.Esc != nil {
		c.deps.Esc.TaskDisabled(t, attempts, lastErr)
	}
}

func (c *Core) publish(typ string, data any) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	TaskID     int64     `json:"task_id"`
	TaskType   string    `json:"task_type"`
	UserID     int64     `json:"user_id"`
	Occurrence time.Time `json:"occurrence,omitzero"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
}

func runEvent(t store.Task, occ time.Time, attempt int, errText string) RunEvent {
	return RunEvent{
		TaskID:     t.ID,
		TaskType:   t.Type,
		UserID:     t.UserID,
		Occurrence: occ,
		Attempt:    attempt,
		Error:      errText,
	}
}
