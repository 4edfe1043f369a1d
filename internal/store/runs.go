package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"assistbot/internal/payload"
)

// AppendRun records one execution attempt. Exactly one row per attempt;
// there is deliberately no update path for task_run.
func (s *Store) AppendRun(ctx context.Context, r *Run) error {
	out, err := r.Output.Encode()
	if err != nil {
		return err
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_run(task_id, occurrence, started_at, ended_at, ok, outputs_json, error, attempt)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.TaskID, r.Occurrence.Unix(), fmtTime(r.StartedAt), fmtTime(r.EndedAt),
		boolInt(r.OK), string(out), nullStr(r.Error), r.Attempt,
	)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// HasSuccessfulRun reports whether a successful run already covers the
// given occurrence.
func (s *Store) HasSuccessfulRun(ctx context.Context, taskID int64, occ time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM task_run WHERE task_id = ? AND occurrence = ? AND ok = 1`,
		taskID, occ.Unix()).Scan(&n)
	return n > 0, err
}

// LastSuccessfulOccurrence returns the most recent occurrence with a
// successful run, used as the anchor for computing the next one.
func (s *Store) LastSuccessfulOccurrence(ctx context.Context, taskID int64) (time.Time, bool, error) {
	// MAX over no rows yields a single NULL row, not ErrNoRows.
	var unix sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(occurrence) FROM task_run WHERE task_id = ? AND ok = 1`,
		taskID).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !unix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), true, nil
}

// FailureTally counts failed attempts for an occurrence and reports when
// the latest one ended. The scheduler derives retry delay from this
// instead of keeping a mutable counter on the task row.
func (s *Store) FailureTally(ctx context.Context, taskID int64, occ time.Time) (int, time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ended_at FROM task_run WHERE task_id = ? AND occurrence = ? AND ok = 0 ORDER BY attempt ASC`,
		taskID, occ.Unix())
	if err != nil {
		return 0, time.Time{}, err
	}
	defer rows.Close()

	var (
		count   int
		lastEnd time.Time
	)
	for rows.Next() {
		var ended string
		if err := rows.Scan(&ended); err != nil {
			return 0, time.Time{}, err
		}
		count++
		if t := parseTime(ended); t.After(lastEnd) {
			lastEnd = t
		}
	}
	return count, lastEnd, rows.Err()
}

// ListRunsByTask returns the newest runs for a task, for audit/ops.
func (s *Store) ListRunsByTask(ctx context.Context, taskID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, occurrence, started_at, ended_at, ok, outputs_json, error, attempt
		 FROM task_run WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			occ     int64
			started string
			ended   string
			ok      int
			outJSON sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &occ, &started, &ended, &ok, &outJSON, &errText, &r.Attempt); err != nil {
			return nil, err
		}
		r.Occurrence = time.Unix(occ, 0).UTC()
		r.StartedAt = parseTime(started)
		r.EndedAt = parseTime(ended)
		r.OK = ok != 0
		r.Error = errText.String
		r.Output, err = parsePayload(outJSON.String)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parsePayload(s string) (payload.Map, error) {
	if s == "" {
		return payload.Map{}, nil
	}
	return payload.Parse([]byte(s))
}
