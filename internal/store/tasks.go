package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateTask inserts a task. Zero timestamps and the enabled flag get
// their defaults here; the id is filled in on return.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	params, err := t.Params.Encode()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task(user_id, type, params_json, schedule_rule, enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.UserID, t.Type, string(params), t.ScheduleRule, boolInt(t.Enabled), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, params_json, schedule_rule, enabled, created_at, updated_at
		 FROM task WHERE id = ?`, id)
	return scanTask(row)
}

// ListEnabledTasks returns every task with enabled=1, oldest first.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, params_json, schedule_rule, enabled, created_at, updated_at
		 FROM task WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, params_json, schedule_rule, enabled, created_at, updated_at
		 FROM task ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskEnabled flips the enabled flag. The update is conditional on the
// flag currently holding the opposite value, so two concurrent disables
// (or a disable racing an enable) cannot silently stomp each other:
// the loser gets ErrStale.
func (s *Store) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task SET enabled = ?, updated_at = ? WHERE id = ? AND enabled = ?`,
		boolInt(enabled), fmtTime(time.Now().UTC()), id, boolInt(!enabled),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// TouchTask bumps updated_at after a run completes.
func (s *Store) TouchTask(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task SET updated_at = ? WHERE id = ?`, fmtTime(at), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t       Task
		params  string
		enabled int
		created string
		updated string
	)
	err := r.Scan(&t.ID, &t.UserID, &t.Type, &params, &t.ScheduleRule, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Enabled = enabled != 0
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	t.Params, err = parsePayload(params)
	return t, err
}
