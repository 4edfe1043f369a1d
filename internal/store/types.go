package store

import (
	"errors"
	"time"

	"assistbot/internal/payload"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a conditional update matched no row
	// because the row changed underneath the caller.
	ErrStale = errors.New("stale read, row changed concurrently")
)

// User is a registered end-user. ChatID is the external chat identifier;
// it is unique and never changes once assigned.
type User struct {
	ID        int64
	Name      string
	ChatID    string
	Timezone  string
	CreatedAt time.Time
}

// Task is a recurring or one-shot unit of scheduled work.
type Task struct {
	ID           int64
	UserID       int64
	Type         string
	Params       payload.Map
	ScheduleRule string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Run is one execution attempt of a task. Rows are append-only: a run is
// never mutated after insert.
type Run struct {
	ID         int64
	TaskID     int64
	Occurrence time.Time // the instant the run was due at
	StartedAt  time.Time
	EndedAt    time.Time
	OK         bool
	Output     payload.Map
	Error      string
	Attempt    int // 1-based, per (task, occurrence)
}

// RegistryEntry is a lightweight directory record, deliberately not
// referenced by any foreign key.
type RegistryEntry struct {
	ChatID   string
	Name     string
	Username string
	LastSeen time.Time
}

// Order is a transaction between a buyer and a store. Buyer and store
// identifiers are immutable after creation; only status and updated_at move.
type Order struct {
	ID          int64
	BuyerChatID string
	StoreChatID string
	StoreName   string
	Item        string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSession is a live chat channel bound to one order. At most one
// session per order is active at a time.
type ChatSession struct {
	ID          string
	OrderID     int64
	BuyerChatID string
	StoreChatID string
	Active      bool
	CreatedAt   time.Time
}

// Note is a free-form per-user note.
type Note struct {
	ID        int64
	ChatID    string
	Text      string
	CreatedAt time.Time
	Pinned    bool
}
