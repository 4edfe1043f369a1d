package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"assistbot/internal/payload"
	"assistbot/internal/schedule"
	"assistbot/internal/store"
)

// fakeStore implements TaskStore and RunLedger in memory.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[int64]store.Task
	tz    map[int64]string
	runs  []store.Run

	appendErr error
	nextRunID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[int64]store.Task{}, tz: map[int64]string{}}
}

func (f *fakeStore) addTask(t store.Task, tz string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	f.tz[t.UserID] = tz
}

func (f *fakeStore) ListEnabledTasks(ctx context.Context) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Enabled == enabled {
		return store.ErrStale
	}
	t.Enabled = enabled
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) TouchTask(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.UpdatedAt = at
		f.tasks[id] = t
	}
	return nil
}

func (f *fakeStore) UserTimezone(ctx context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tz, ok := f.tz[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return tz, nil
}

func (f *fakeStore) AppendRun(ctx context.Context, r *store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.nextRunID++
	r.ID = f.nextRunID
	f.runs = append(f.runs, *r)
	return nil
}

func (f *fakeStore) HasSuccessfulRun(ctx context.Context, taskID int64, occ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.TaskID == taskID && r.Occurrence.Equal(occ) && r.OK {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LastSuccessfulOccurrence(ctx context.Context, taskID int64) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last time.Time
	found := false
	for _, r := range f.runs {
		if r.TaskID == taskID && r.OK && r.Occurrence.After(last) {
			last = r.Occurrence
			found = true
		}
	}
	return last, found, nil
}

func (f *fakeStore) FailureTally(ctx context.Context, taskID int64, occ time.Time) (int, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		count   int
		lastEnd time.Time
	)
	for _, r := range f.runs {
		if r.TaskID == taskID && r.Occurrence.Equal(occ) && !r.OK {
			count++
			if r.EndedAt.After(lastEnd) {
				lastEnd = r.EndedAt
			}
		}
	}
	return count, lastEnd, nil
}

func (f *fakeStore) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeStore) lastRun() store.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

func (f *fakeStore) task(id int64) store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func hourlyTask(id int64) store.Task {
	return store.Task{
		ID:           id,
		UserID:       1,
		Type:         "reminder",
		Params:       payload.Map{"text": payload.String("hi")},
		ScheduleRule: "1h",
		Enabled:      true,
		CreatedAt:    t0,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newCore(fs *fakeStore, cfg Config, handlers map[string]Handler) *Core {
	return newCoreAt(fs, cfg, handlers, &testClock{now: t0})
}

func newCoreAt(fs *fakeStore, cfg Config, handlers map[string]Handler, clock *testClock) *Core {
	return NewCore(cfg, Deps{
		Tasks:    fs,
		Ledger:   fs,
		Resolver: schedule.NewResolver(),
		Handlers: handlers,
		Clock:    clock.Now,
	})
}

func okHandler(out payload.Map) Handler {
	return HandlerFunc(func(ctx context.Context, t store.Task) (payload.Map, error) {
		return out, nil
	})
}

func TestTickSelectsDueOccurrence(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})
	ctx := context.Background()

	// Before the first occurrence nothing is due.
	due, err := core.Tick(ctx, t0.Add(59*time.Minute))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %v, want none before first occurrence", due)
	}

	due, err = core.Tick(ctx, t0.Add(61*time.Minute))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d entries, want 1", len(due))
	}
	if !due[0].Occurrence.Equal(t0.Add(time.Hour)) {
		t.Fatalf("occurrence = %v, want %v", due[0].Occurrence, t0.Add(time.Hour))
	}
	if due[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", due[0].Attempt)
	}

	// Tick is a pure query: asking again yields the same selection.
	again, err := core.Tick(ctx, t0.Add(61*time.Minute))
	if err != nil || len(again) != 1 || !again[0].Occurrence.Equal(due[0].Occurrence) {
		t.Fatalf("repeat Tick = %v, %v", again, err)
	}
	if fs.runCount() != 0 {
		t.Fatalf("Tick must not write runs, got %d", fs.runCount())
	}
}

func TestExecuteSuccessRecordsRunOnce(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{
		"reminder": okHandler(payload.Map{"delivered_to": payload.String("chat-1")}),
	})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !run.OK || run.Attempt != 1 {
		t.Fatalf("run = %+v", run)
	}
	if run.Output.GetString("delivered_to") != "chat-1" {
		t.Fatalf("output = %v", run.Output)
	}

	// The occurrence is covered; reprocessing does not create a second run.
	if _, err := core.Execute(ctx, due[0], now); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("re-execute: got %v, want ErrAlreadyRunning", err)
	}
	if fs.runCount() != 1 {
		t.Fatalf("runs = %d, want exactly 1", fs.runCount())
	}

	// And Tick no longer selects it.
	due, err = core.Tick(ctx, now)
	if err != nil || len(due) != 0 {
		t.Fatalf("Tick after success = %v, %v", due, err)
	}
}

func TestCatchUpDeliversMissedOccurrenceExactlyOnce(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})
	ctx := context.Background()

	// The process was down for 3.5 hours. Only the earliest uncovered
	// occurrence is selected; later ones follow one at a time as each
	// success advances the anchor.
	now := t0.Add(3*time.Hour + 30*time.Minute)
	due, err := core.Tick(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("Tick = %v, %v", due, err)
	}
	if !due[0].Occurrence.Equal(t0.Add(time.Hour)) {
		t.Fatalf("occurrence = %v, want the earliest missed %v", due[0].Occurrence, t0.Add(time.Hour))
	}

	if _, err := core.Execute(ctx, due[0], now); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	due, err = core.Tick(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("second Tick = %v, %v", due, err)
	}
	if !due[0].Occurrence.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("occurrence = %v, want %v", due[0].Occurrence, t0.Add(2*time.Hour))
	}
}

func TestFailureRetryGatingAndAttemptNumbers(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")

	fail := true
	handler := HandlerFunc(func(ctx context.Context, task store.Task) (payload.Map, error) {
		if fail {
			return nil, errors.New("upstream unavailable")
		}
		return nil, nil
	})
	cfg := Config{Retry: Policy{MaxAttempts: 5, Base: 30 * time.Second, MaxDelay: 15 * time.Minute}}
	clock := &testClock{now: t0}
	core := newCoreAt(fs, cfg, map[string]Handler{"reminder": handler}, clock)
	ctx := context.Background()

	occ := t0.Add(time.Hour)
	now := occ.Add(time.Minute)
	clock.Set(now)
	due, _ := core.Tick(ctx, now)
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.OK || run.Attempt != 1 || run.Error == "" {
		t.Fatalf("failed run not recorded correctly: %+v", run)
	}

	// The failure ended at `now`; within the 30s backoff window the
	// occurrence is not selectable.
	within := now.Add(10 * time.Second)
	if due, _ := core.Tick(ctx, within); len(due) != 0 {
		t.Fatalf("occurrence selected inside retry window: %v", due)
	}

	after := now.Add(31 * time.Second)
	due, err = core.Tick(ctx, after)
	if err != nil || len(due) != 1 {
		t.Fatalf("Tick after backoff = %v, %v", due, err)
	}
	if due[0].Attempt != 2 || !due[0].Occurrence.Equal(occ) {
		t.Fatalf("retry selection = %+v, want attempt 2 of same occurrence", due[0])
	}

	fail = false
	run, err = core.Execute(ctx, due[0], after)
	if err != nil {
		t.Fatalf("Execute retry: %v", err)
	}
	if !run.OK || run.Attempt != 2 {
		t.Fatalf("retry run = %+v, want ok attempt 2", run)
	}
	if fs.runCount() != 2 {
		t.Fatalf("runs = %d, want 2 (one per attempt)", fs.runCount())
	}
}

func TestExhaustedBudgetDisablesTask(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")

	var escalated struct {
		sync.Mutex
		attempts int
	}
	cfg := Config{Retry: Policy{MaxAttempts: 2, Base: time.Second, MaxDelay: time.Minute}}
	core := NewCore(cfg, Deps{
		Tasks:    fs,
		Ledger:   fs,
		Resolver: schedule.NewResolver(),
		Handlers: map[string]Handler{"reminder": HandlerFunc(
			func(ctx context.Context, task store.Task) (payload.Map, error) {
				return nil, errors.New("still broken")
			})},
		Esc: escalatorFunc(func(task store.Task, attempts int, lastErr string) {
			escalated.Lock()
			escalated.attempts = attempts
			escalated.Unlock()
		}),
		Clock: func() time.Time { return t0 },
	})
	ctx := context.Background()
	occ := t0.Add(time.Hour)

	// First attempt fails; the task stays enabled.
	due, _ := core.Tick(ctx, occ.Add(time.Minute))
	if _, err := core.Execute(ctx, due[0], occ.Add(time.Minute)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !fs.task(1).Enabled {
		t.Fatal("task disabled before budget exhausted")
	}

	// Second attempt exhausts MaxAttempts=2: run recorded, task disabled.
	due, _ = core.Tick(ctx, t0.Add(time.Hour))
	if len(due) != 1 || due[0].Attempt != 2 {
		t.Fatalf("due = %+v", due)
	}
	if _, err := core.Execute(ctx, due[0], t0.Add(time.Hour)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fs.task(1).Enabled {
		t.Fatal("task should be disabled after exhausting retries")
	}
	escalated.Lock()
	if escalated.attempts != 2 {
		t.Fatalf("escalation attempts = %d, want 2", escalated.attempts)
	}
	escalated.Unlock()

	// Disabled tasks never appear in the due set again.
	if due, _ := core.Tick(ctx, t0.Add(10*time.Hour)); len(due) != 0 {
		t.Fatalf("disabled task selected: %v", due)
	}
	if fs.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", fs.runCount())
	}
}

type escalatorFunc func(task store.Task, attempts int, lastErr string)

func (f escalatorFunc) TaskDisabled(task store.Task, attempts int, lastErr string) {
	f(task, attempts, lastErr)
}

func TestUnknownTaskTypeDisables(t *testing.T) {
	fs := newFakeStore()
	task := hourlyTask(1)
	task.Type = "mystery"
	fs.addTask(task, "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	if len(due) != 1 {
		t.Fatalf("due = %v", due)
	}
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.OK || !strings.Contains(run.Error, "unknown task type") {
		t.Fatalf("run = %+v", run)
	}
	if fs.task(1).Enabled {
		t.Fatal("unknown-type task should be disabled immediately")
	}
}

func TestHandlerTimeoutRecordsFailedRun(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	blocked := make(chan struct{})
	core := newCore(fs, Config{HandlerTimeout: 50 * time.Millisecond}, map[string]Handler{
		"reminder": HandlerFunc(func(ctx context.Context, task store.Task) (payload.Map, error) {
			<-blocked // ignores its context on purpose
			return nil, nil
		}),
	})
	defer close(blocked)
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.OK || !strings.Contains(run.Error, "handler timeout") {
		t.Fatalf("run = %+v, want recorded timeout failure", run)
	}
}

func TestHandlerPanicRecordsFailedRun(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{
		"reminder": HandlerFunc(func(ctx context.Context, task store.Task) (payload.Map, error) {
			panic("boom")
		}),
	})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.OK || !strings.Contains(run.Error, "handler panic") {
		t.Fatalf("run = %+v", run)
	}
}

func TestConcurrentExecuteSerializesPerTask(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")

	started := make(chan struct{})
	release := make(chan struct{})
	core := newCore(fs, Config{HandlerTimeout: 5 * time.Second}, map[string]Handler{
		"reminder": HandlerFunc(func(ctx context.Context, task store.Task) (payload.Map, error) {
			close(started)
			<-release
			return nil, nil
		}),
	})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)
	due, _ := core.Tick(ctx, now)

	errCh := make(chan error, 1)
	go func() {
		_, err := core.Execute(ctx, due[0], now)
		errCh <- err
	}()
	<-started

	if _, err := core.Execute(ctx, due[0], now); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("concurrent Execute: got %v, want ErrAlreadyRunning", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if fs.runCount() != 1 {
		t.Fatalf("runs = %d, want 1", fs.runCount())
	}
}

func TestDisableAfterDispatchKeepsInFlightRun(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	// The task is disabled between selection and execution; the dispatched
	// occurrence still runs and its ledger row is kept.
	if err := fs.SetTaskEnabled(ctx, 1, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	run, err := core.Execute(ctx, due[0], now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !run.OK {
		t.Fatalf("run = %+v", run)
	}
	if fs.runCount() != 1 {
		t.Fatalf("runs = %d", fs.runCount())
	}
	if due, _ := core.Tick(ctx, now.Add(2*time.Hour)); len(due) != 0 {
		t.Fatalf("disabled task selected: %v", due)
	}
}

func TestAppendFailureLeavesOccurrenceDue(t *testing.T) {
	fs := newFakeStore()
	fs.addTask(hourlyTask(1), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})
	ctx := context.Background()
	now := t0.Add(61 * time.Minute)

	due, _ := core.Tick(ctx, now)
	fs.appendErr = errors.New("disk full")
	if _, err := core.Execute(ctx, due[0], now); err == nil {
		t.Fatal("ledger write failure must propagate")
	}

	fs.appendErr = nil
	again, err := core.Tick(ctx, now)
	if err != nil || len(again) != 1 {
		t.Fatalf("occurrence should stay due: %v, %v", again, err)
	}
	if again[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (nothing was recorded)", again[0].Attempt)
	}
}

func TestInvalidRuleSkippedNotFatal(t *testing.T) {
	fs := newFakeStore()
	bad := hourlyTask(1)
	bad.ScheduleRule = "gibberish"
	fs.addTask(bad, "UTC")
	fs.addTask(hourlyTask(2), "UTC")
	core := newCore(fs, Config{}, map[string]Handler{"reminder": okHandler(nil)})

	due, err := core.Tick(context.Background(), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Tick must not fail on one bad rule: %v", err)
	}
	if len(due) != 1 || due[0].Task.ID != 2 {
		t.Fatalf("due = %v, want only the valid task", due)
	}
}
