// Package order coordinates a buyer and a store through the order
// lifecycle and the live chat session paired with it.
//
// Status only moves forward: created → accepted → in_progress → completed,
// with cancelled reachable from any non-terminal status. A chat session
// may be active only while the order is accepted or in_progress, and a
// terminal transition deactivates it in the same transaction.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assistbot/internal/eventbus"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) valid() bool {
	switch s {
	case StatusCreated, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Actor string

const (
	ActorBuyer Actor = "buyer"
	ActorStore Actor = "store"
)

type Action string

const (
	ActionAccept   Action = "accept"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

type edge struct {
	from    map[Status]bool
	to      Status
	allowed map[Actor]bool
}

// edges is the fixed permission table: which actor may move an order
// along which edge. Cancel is open to both parties from any non-terminal
// status; everything else belongs to the store.
var edges = map[Action]edge{
	ActionAccept: {
		from:    map[Status]bool{StatusCreated: true},
		to:      StatusAccepted,
		allowed: map[Actor]bool{ActorStore: true},
	},
	ActionStart: {
		from:    map[Status]bool{StatusAccepted: true},
		to:      StatusInProgress,
		allowed: map[Actor]bool{ActorStore: true},
	},
	ActionComplete: {
		from:    map[Status]bool{StatusInProgress: true},
		to:      StatusCompleted,
		allowed: map[Actor]bool{ActorStore: true},
	},
	ActionCancel: {
		from:    map[Status]bool{StatusCreated: true, StatusAccepted: true, StatusInProgress: true},
		to:      StatusCancelled,
		allowed: map[Actor]bool{ActorBuyer: true, ActorStore: true},
	},
}

// Store is the slice of the row store the state machine owns. It is the
// sole mutator of order status and session active flags.
type Store interface {
	CreateOrder(ctx context.Context, o *store.Order) error
	GetOrder(ctx context.Context, id int64) (store.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, from, to string, at time.Time, closeSessions bool) error
	OpenSession(ctx context.Context, sess *store.ChatSession) error
	ActiveSession(ctx context.Context, orderID int64) (store.ChatSession, bool, error)
	ActiveSessionByChat(ctx context.Context, chatID string) (store.ChatSession, bool, error)
}

// Notifier delivers fire-and-forget order notifications; failures are the
// notifier's problem, never the transition's.
type Notifier interface {
	Notify(chatID, text string)
}

type Service struct {
	store Store
	notif Notifier
	bus   *eventbus.Bus
	log   logx.Logger
	clock func() time.Time
}

func NewService(st Store, notif Notifier, bus *eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: st, notif: notif, bus: bus, log: log, clock: time.Now}
}

// SetClock overrides the time source, for deterministic tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// PlaceOrder creates an order in `created` and tells the store party.
// Creating an order does not open a chat session.
func (s *Service) PlaceOrder(ctx context.Context, buyerChatID, storeChatID, storeName, item string) (store.Order, error) {
	if buyerChatID == "" || storeChatID == "" {
		return store.Order{}, validationf("order requires buyer and store chat ids")
	}
	if item == "" {
		return store.Order{}, validationf("order requires an item description")
	}
	o := store.Order{
		BuyerChatID: buyerChatID,
		StoreChatID: storeChatID,
		StoreName:   storeName,
		Item:        item,
		Status:      string(StatusCreated),
	}
	if err := s.store.CreateOrder(ctx, &o); err != nil {
		return store.Order{}, fmt.Errorf("order: create: %w", err)
	}
	s.log.Info("order placed",
		logx.Int64("order_id", o.ID), logx.String("store", storeName), logx.String("item", item))
	s.publish(eventbus.TypeOrderPlaced, Event{OrderID: o.ID, Status: StatusCreated})
	s.notify(storeChatID, fmt.Sprintf("New order #%d: %s", o.ID, item))
	return o, nil
}

// Transition applies one action by one actor. The status write is
// conditioned on the status read (optimistic concurrency); on a conflict
// it re-reads and revalidates once, then gives up with ErrConflict.
// Transitions into a terminal status deactivate any active chat session
// atomically with the status change.
func (s *Service) Transition(ctx context.Context, orderID int64, actor Actor, action Action) (store.Order, error) {
	e, ok := edges[action]
	if !ok {
		return store.Order{}, validationf("unknown action %q", action)
	}
	if actor != ActorBuyer && actor != ActorStore {
		return store.Order{}, validationf("unknown actor %q", actor)
	}

	for attempt := 0; ; attempt++ {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return store.Order{}, err
		}
		cur := Status(o.Status)
		if !cur.valid() {
			return store.Order{}, fmt.Errorf("order %d has corrupt status %q", orderID, o.Status)
		}
		if cur.Terminal() {
			return store.Order{}, validationf("order %d is %s, no further transitions", orderID, cur)
		}
		if !e.from[cur] {
			return store.Order{}, validationf("cannot %s an order in status %s", action, cur)
		}
		if !e.allowed[actor] {
			return store.Order{}, validationf("%s may not %s order %d", actor, action, orderID)
		}

		now := s.clock()
		err = s.store.UpdateOrderStatus(ctx, orderID, string(cur), string(e.to), now, e.to.Terminal())
		if errors.Is(err, store.ErrStale) {
			if attempt == 0 {
				continue // one retry against a fresh read
			}
			return store.Order{}, fmt.Errorf("%w (order %d)", ErrConflict, orderID)
		}
		if err != nil {
			return store.Order{}, fmt.Errorf("order: transition: %w", err)
		}

		o.Status = string(e.to)
		o.UpdatedAt = now
		s.log.Info("order transitioned",
			logx.Int64("order_id", orderID), logx.String("actor", string(actor)),
			logx.String("from", string(cur)), logx.String("to", string(e.to)))
		s.publish(eventbus.TypeOrderTransition, Event{OrderID: orderID, Actor: actor, Status: e.to})
		if e.to.Terminal() {
			s.publish(eventbus.TypeSessionClosed, Event{OrderID: orderID, Status: e.to})
		}
		s.notifyParties(o, fmt.Sprintf("Order #%d is now %s", orderID, e.to))
		return o, nil
	}
}

// OpenSession activates the live chat channel for an order. Permitted only
// while the order is accepted or in_progress; any stale session for the
// order is deactivated first, so at most one session is ever active.
func (s *Service) OpenSession(ctx context.Context, orderID int64) (store.ChatSession, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return store.ChatSession{}, err
	}
	cur := Status(o.Status)
	if cur != StatusAccepted && cur != StatusInProgress {
		return store.ChatSession{}, validationf("cannot open chat for order %d in status %s", orderID, cur)
	}

	sess := store.ChatSession{
		OrderID:     o.ID,
		BuyerChatID: o.BuyerChatID,
		StoreChatID: o.StoreChatID,
	}
	if err := s.store.OpenSession(ctx, &sess); err != nil {
		return store.ChatSession{}, fmt.Errorf("order: open session: %w", err)
	}
	s.log.Info("chat session opened",
		logx.Int64("order_id", orderID), logx.String("session_id", sess.ID))
	s.publish(eventbus.TypeSessionOpened, Event{OrderID: orderID, Status: cur})
	s.notifyParties(o, fmt.Sprintf("Live chat for order #%d is open", orderID))
	return sess, nil
}

// Relay resolves where a live-chat message from `fromChatID` should go:
// the other party of the chat's active session. Message content is not
// interpreted here; the session only gates whether relaying is allowed.
func (s *Service) Relay(ctx context.Context, fromChatID string) (toChatID string, ok bool, err error) {
	sess, ok, err := s.store.ActiveSessionByChat(ctx, fromChatID)
	if err != nil || !ok {
		return "", false, err
	}
	if fromChatID == sess.BuyerChatID {
		return sess.StoreChatID, true, nil
	}
	return sess.BuyerChatID, true, nil
}

func (s *Service) Get(ctx context.Context, orderID int64) (store.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) notify(chatID, text string) {
	if s.notif != nil && chatID != "" {
		s.notif.Notify(chatID, text)
	}
}

func (s *Service) notifyParties(o store.Order, text string) {
	s.notify(o.BuyerChatID, text)
	s.notify(o.StoreChatID, text)
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// Event is the bus payload for order lifecycle events.
type Event struct {
	OrderID int64  `json:"order_id"`
	Actor   Actor  `json:"actor,omitempty"`
	Status  Status `json:"status"`
}
