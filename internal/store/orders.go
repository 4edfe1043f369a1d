package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateOrder inserts an order in its initial status.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Status == "" {
		o.Status = "created"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(buyer_chat_id, store_chat_id, store_name, item, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		o.BuyerChatID, o.StoreChatID, o.StoreName, o.Item, o.Status, fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt),
	)
	if err != nil {
		return err
	}
	o.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetOrder(ctx context.Context, id int64) (Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, buyer_chat_id, store_chat_id, store_name, item, status, created_at, updated_at
		 FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *Store) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buyer_chat_id, store_chat_id, store_name, item, status, created_at, updated_at
		 FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus moves status from `from` to `to` in one transaction.
// The write is conditioned on status still being `from`; ErrStale means a
// concurrent transition won. When closeSessions is set, any active chat
// session for the order is deactivated in the same transaction, so a
// terminal order can never retain an active session.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, from, to string, at time.Time, closeSessions bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, fmtTime(at.UTC()), id, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStale
	}

	if closeSessions {
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_chat_session SET active = 0 WHERE order_id = ? AND active = 1`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OpenSession activates a fresh chat session for the order, deactivating
// any stale session for the same order first (single transaction keeps
// the at-most-one-active invariant under concurrent opens).
func (s *Store) OpenSession(ctx context.Context, sess *ChatSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.Active = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE order_chat_session SET active = 0 WHERE order_id = ? AND active = 1`, sess.OrderID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_chat_session(id, order_id, buyer_chat_id, store_chat_id, active, created_at)
		 VALUES(?,?,?,?,1,?)`,
		sess.ID, sess.OrderID, sess.BuyerChatID, sess.StoreChatID, fmtTime(sess.CreatedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveSession returns the active session for an order, if any.
func (s *Store) ActiveSession(ctx context.Context, orderID int64) (ChatSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, buyer_chat_id, store_chat_id, active, created_at
		 FROM order_chat_session WHERE order_id = ? AND active = 1 LIMIT 1`, orderID)
	return scanSession(row)
}

// ActiveSessionByChat finds the active session a chat participates in,
// for relaying live messages between the two parties.
func (s *Store) ActiveSessionByChat(ctx context.Context, chatID string) (ChatSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, buyer_chat_id, store_chat_id, active, created_at
		 FROM order_chat_session
		 WHERE active = 1 AND (buyer_chat_id = ? OR store_chat_id = ?)
		 ORDER BY created_at DESC LIMIT 1`, chatID, chatID)
	return scanSession(row)
}

// CountActiveSessions reports how many active sessions an order has.
// Anything above one is an invariant violation.
func (s *Store) CountActiveSessions(ctx context.Context, orderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM order_chat_session WHERE order_id = ? AND active = 1`, orderID).Scan(&n)
	return n, err
}

func scanOrder(r rowScanner) (Order, error) {
	var (
		o       Order
		created string
		updated string
	)
	err := r.Scan(&o.ID, &o.BuyerChatID, &o.StoreChatID, &o.StoreName, &o.Item, &o.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return o, nil
}

func scanSession(r rowScanner) (ChatSession, bool, error) {
	var (
		sess    ChatSession
		active  int
		created string
	)
	err := r.Scan(&sess.ID, &sess.OrderID, &sess.BuyerChatID, &sess.StoreChatID, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, false, nil
	}
	if err != nil {
		return ChatSession{}, false, err
	}
	sess.Active = active != 0
	sess.CreatedAt = parseTime(created)
	return sess, true, nil
}
