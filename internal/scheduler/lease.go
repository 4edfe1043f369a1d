package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

// taskLocks serializes executions per task id within this process.
type taskLocks struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newTaskLocks() *taskLocks {
	return &taskLocks{running: map[int64]struct{}{}}
}

// tryAcquire returns false when an execution for the task is in flight.
func (l *taskLocks) tryAcquire(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.running[id]; busy {
		return false
	}
	l.running[id] = struct{}{}
	return true
}

func (l *taskLocks) release(id int64) {
	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
}

// Lease extends per-task mutual exclusion across processes. The in-process
// lock always applies; a Lease is an additional, optional guard.
type Lease interface {
	TryAcquire(ctx context.Context, taskID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID int64) error
}

// redisLease implements Lease with SET NX PX on a per-task key. Used when
// more than one scheduler instance shares the task table.
type redisLease struct {
	client rueidis.Client
	prefix string
}

// NewRedisLease wraps a rueidis client as a task lease.
func NewRedisLease(client rueidis.Client, prefix string) Lease {
	if prefix == "" {
		prefix = "assistbot:task-lease:"
	}
	return &redisLease{client: client, prefix: prefix}
}

func (r *redisLease) key(taskID int64) string {
	return r.prefix + strconv.FormatInt(taskID, 10)
}

func (r *redisLease) TryAcquire(ctx context.Context, taskID int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	resp := r.client.Do(ctx, r.client.B().Set().
		Key(r.key(taskID)).Value("1").Nx().Px(ttl).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			// SET NX replies nil when the key already exists.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *redisLease) Release(ctx context.Context, taskID int64) error {
	return r.client.Do(ctx, r.client.B().Del().Key(r.key(taskID)).Build()).Error()
}
