package store

import (
	"context"
	"time"
)

func (s *Store) CreateNote(ctx context.Context, n *Note) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO note(user_chat_id, text, created_at, pinned) VALUES(?,?,?,?)`,
		n.ChatID, n.Text, fmtTime(n.CreatedAt), boolInt(n.Pinned),
	)
	if err != nil {
		return err
	}
	n.ID, err = res.LastInsertId()
	return err
}

// ListNotes returns a chat's notes, pinned first, then newest first.
func (s *Store) ListNotes(ctx context.Context, chatID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_chat_id, text, created_at, pinned
		 FROM note WHERE user_chat_id = ?
		 ORDER BY pinned DESC, created_at DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var (
			n       Note
			created string
			pinned  int
		)
		if err := rows.Scan(&n.ID, &n.ChatID, &n.Text, &created, &pinned); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(created)
		n.Pinned = pinned != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNote removes a note owned by chatID. ErrNotFound when nothing
// matched, so callers can distinguish "gone" from "not yours".
func (s *Store) DeleteNote(ctx context.Context, chatID string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM note WHERE user_chat_id = ? AND id = ?`, chatID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetNotePinned(ctx context.Context, chatID string, id int64, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE note SET pinned = ? WHERE user_chat_id = ? AND id = ?`,
		boolInt(pinned), chatID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
