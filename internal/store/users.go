package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateUser inserts a user. The chat identifier is unique; inserting a
// duplicate surfaces the driver's constraint error.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user(name, chat_id, timezone, created_at) VALUES(?,?,?,?)`,
		u.Name, u.ChatID, u.Timezone, fmtTime(u.CreatedAt),
	)
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id, timezone, created_at FROM user WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByChatID(ctx context.Context, chatID string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id, timezone, created_at FROM user WHERE chat_id = ?`, chatID)
	return scanUser(row)
}

// UserTimezone is the scheduler's lookup for evaluating schedule rules in
// the task owner's zone.
func (s *Store) UserTimezone(ctx context.Context, userID int64) (string, error) {
	var tz string
	err := s.db.QueryRowContext(ctx, `SELECT timezone FROM user WHERE id = ?`, userID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return tz, err
}

// UpsertRegistryEntry records or refreshes a directory entry. The
// registry is informational only and never referenced by foreign keys.
func (s *Store) UpsertRegistryEntry(ctx context.Context, e RegistryEntry) error {
	if e.LastSeen.IsZero() {
		e.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_registry(chat_id, name, username, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET name=excluded.name, username=excluded.username, last_seen=excluded.last_seen`,
		e.ChatID, nullStr(e.Name), nullStr(e.Username), fmtTime(e.LastSeen),
	)
	return err
}

func (s *Store) GetRegistryEntry(ctx context.Context, chatID string) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, username, last_seen FROM user_registry WHERE chat_id = ?`, chatID)
	return scanRegistry(row)
}

// FindRegistryByName matches a directory entry by display name or
// username, case-insensitively. Used to resolve a store identifier from
// free-form order parameters.
func (s *Store) FindRegistryByName(ctx context.Context, name string) (RegistryEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, username, last_seen FROM user_registry
		 WHERE LOWER(name) = LOWER(?) OR LOWER(username) = LOWER(?) LIMIT 1`, name, name)
	e, err := scanRegistry(row)
	if errors.Is(err, ErrNotFound) {
		return RegistryEntry{}, false, nil
	}
	if err != nil {
		return RegistryEntry{}, false, err
	}
	return e, true, nil
}

func scanUser(r rowScanner) (User, error) {
	var (
		u       User
		created string
	)
	err := r.Scan(&u.ID, &u.Name, &u.ChatID, &u.Timezone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func scanRegistry(r rowScanner) (RegistryEntry, error) {
	var (
		e        RegistryEntry
		name     sql.NullString
		username sql.NullString
		lastSeen sql.NullString
	)
	err := r.Scan(&e.ChatID, &name, &username, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, err
	}
	e.Name = name.String
	e.Username = username.String
	e.LastSeen = parseTime(lastSeen.String)
	return e, nil
}
