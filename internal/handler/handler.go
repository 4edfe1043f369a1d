// Package handler implements the task handlers the scheduler dispatches
// to, keyed by task type.
package handler

import (
	"context"
	"fmt"
	"strings"

	"assistbot/internal/notes"
	"assistbot/internal/order"
	"assistbot/internal/payload"
	"assistbot/internal/registry"
	"assistbot/internal/scheduler"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

// Notifier is the outbound side handlers deliver through.
type Notifier interface {
	Notify(chatID, text string)
}

type Deps struct {
	Users    *registry.Service
	Notes    *notes.Service
	Orders   *order.Service
	Notifier Notifier
	Log      logx.Logger
}

// Registry builds the type → handler table consumed by the scheduler.
func Registry(d Deps) map[string]scheduler.Handler {
	return map[string]scheduler.Handler{
		"reminder":    scheduler.HandlerFunc(d.runReminder),
		"note_digest": scheduler.HandlerFunc(d.runNoteDigest),
		"order":       scheduler.HandlerFunc(d.runOrder),
	}
}

// runReminder sends the task's text to its owner.
//
// Params: {"text": string}
func (d Deps) runReminder(ctx context.Context, task store.Task) (payload.Map, error) {
	text := task.Params.GetString("text")
	if text == "" {
		return nil, fmt.Errorf("reminder task %d has no text", task.ID)
	}
	chatID, err := d.ownerChatID(ctx, task)
	if err != nil {
		return nil, err
	}
	d.Notifier.Notify(chatID, "⏰ "+text)
	return payload.Map{"delivered_to": payload.String(chatID)}, nil
}

// runNoteDigest sends the owner a summary of their notes, pinned first.
//
// Params: {"limit": number} (optional)
func (d Deps) runNoteDigest(ctx context.Context, task store.Task) (payload.Map, error) {
	chatID, err := d.ownerChatID(ctx, task)
	if err != nil {
		return nil, err
	}
	all, err := d.Notes.List(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	limit := int(task.Params.GetInt("limit", 10))
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	var b strings.Builder
	b.WriteString("🗒 Your notes:\n")
	if len(all) == 0 {
		b.WriteString("(none)")
	}
	for _, n := range all {
		if n.Pinned {
			b.WriteString("📌 ")
		} else {
			b.WriteString("• ")
		}
		b.WriteString(n.Text)
		b.WriteString("\n")
	}
	d.Notifier.Notify(chatID, b.String())
	return payload.Map{"notes": payload.Int(int64(len(all)))}, nil
}

// runOrder places a scheduled order: resolves the store party from the
// directory, then hands off to the order state machine.
//
// Params: {"store": string, "item": string}
func (d Deps) runOrder(ctx context.Context, task store.Task) (payload.Map, error) {
	storeName := task.Params.GetString("store")
	item := task.Params.GetString("item")
	if storeName == "" || item == "" {
		return nil, fmt.Errorf("order task %d needs store and item params", task.ID)
	}
	buyerChatID, err := d.ownerChatID(ctx, task)
	if err != nil {
		return nil, err
	}
	entry, found, err := d.Users.ResolveName(ctx, storeName)
	if err != nil {
		return nil, fmt.Errorf("resolve store %q: %w", storeName, err)
	}
	if !found {
		return nil, fmt.Errorf("store %q is not in the directory", storeName)
	}

	o, err := d.Orders.PlaceOrder(ctx, buyerChatID, entry.ChatID, storeName, item)
	if err != nil {
		return nil, err
	}
	d.Notifier.Notify(buyerChatID, fmt.Sprintf("🛒 Placed order #%d: %s from %s", o.ID, item, storeName))
	return payload.Map{"order_id": payload.Int(o.ID)}, nil
}

func (d Deps) ownerChatID(ctx context.Context, task store.Task) (string, error) {
	u, err := d.Users.UserByID(ctx, task.UserID)
	if err != nil {
		return "", fmt.Errorf("task %d owner: %w", task.ID, err)
	}
	return u.ChatID, nil
}

// Escalation surfaces a task disabled after exhausting retries to its
// owner. Satisfies the scheduler's Escalator.
type Escalation struct {
	Users    *registry.Service
	Notifier Notifier
	Log      logx.Logger
}

func (e Escalation) TaskDisabled(task store.Task, attempts int, lastErr string) {
	u, err := e.Users.UserByID(context.Background(), task.UserID)
	if err != nil {
		e.Log.Warn("cannot notify owner of disabled task",
			logx.Int64("task_id", task.ID), logx.Err(err))
		return
	}
	e.Notifier.Notify(u.ChatID, fmt.Sprintf(
		"⚠️ Task #%d (%s) was disabled after %d failed attempts: %s",
		task.ID, task.Type, attempts, lastErr))
}
