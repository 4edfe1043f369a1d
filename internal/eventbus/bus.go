// Package eventbus provides a small in-memory fanout used to decouple the
// scheduler and the order machine from observers (ops API, logging).
//
// Contract: Publish never blocks; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types.
const (
	TypeRunStarted      = "run.started"
	TypeRunSucceeded    = "run.succeeded"
	TypeRunFailed       = "run.failed"
	TypeTaskDisabled    = "task.disabled"
	TypeOrderPlaced     = "order.placed"
	TypeOrderTransition = "order.transition"
	TypeSessionOpened   = "session.opened"
	TypeSessionClosed   = "session.closed"
)

// Event is a lightweight signal. Data should be small and serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to all subscribers without blocking. Events for
// subscribers with full buffers are dropped.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe (and close) concurrently; recover
		// from the resulting send panic instead of coordinating with locks.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered subscriber channel. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
