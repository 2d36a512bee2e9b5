// Package store persists users, calendars, events, and permission
// grants in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrExists is returned when an insert collides with a unique
// constraint, for example a duplicate username.
var ErrExists = errors.New("store: already exists")

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Salt         string
	CreatedAt    time.Time
}

type Calendar struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

type Event struct {
	ID          int64
	CalendarID  int64
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the database at path, applies migrations, and
// sets the pragmas SQLite wants for a single-writer daemon.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug().Str("path", path).Msg("database open")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *Store) InsertUser(ctx context.Context, username, passwordHash, salt string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, salt, created_at) VALUES(?,?,?,?)`,
		username, passwordHash, salt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetUserByUsername reports (user, true, nil) on a hit and
// (zero, false, nil) when no such user exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, bool, error) {
	var (
		u     User
		stamp string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, salt, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Salt, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.CreatedAt = parseStamp(stamp)
	return u, true, nil
}

func (s *Store) GetSaltByUsername(ctx context.Context, username string) (string, bool, error) {
	var salt string
	err := s.db.QueryRowContext(ctx,
		`SELECT salt FROM users WHERE username = ?`, username,
	).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return salt, true, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, passwordHash, salt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, salt = ? WHERE id = ?`,
		passwordHash, salt, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- permissions ----

func (s *Store) GrantGlobal(ctx context.Context, userID int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_global_permissions(user_id, permission) VALUES(?,?)
		 ON CONFLICT(user_id, permission) DO NOTHING`,
		userID, permission,
	)
	return err
}

func (s *Store) RevokeGlobal(ctx context.Context, userID int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_global_permissions WHERE user_id = ? AND permission = ?`,
		userID, permission,
	)
	return err
}

func (s *Store) HasGlobal(ctx context.Context, userID int64, permission string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_global_permissions WHERE user_id = ? AND permission = ?`,
		userID, permission,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListGlobal(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM user_global_permissions WHERE user_id = ? ORDER BY permission`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) GrantCalendar(ctx context.Context, userID, calendarID int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_permissions(user_id, calendar_id, permission) VALUES(?,?,?)
		 ON CONFLICT(user_id, calendar_id, permission) DO NOTHING`,
		userID, calendarID, permission,
	)
	return err
}

func (s *Store) RevokeCalendar(ctx context.Context, userID, calendarID int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM calendar_permissions WHERE user_id = ? AND calendar_id = ? AND permission = ?`,
		userID, calendarID, permission,
	)
	return err
}

func (s *Store) HasCalendar(ctx context.Context, userID, calendarID int64, permission string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM calendar_permissions
		 WHERE user_id = ? AND calendar_id = ? AND permission = ?`,
		userID, calendarID, permission,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListCalendarPermissions(ctx context.Context, userID, calendarID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM calendar_permissions
		 WHERE user_id = ? AND calendar_id = ? ORDER BY permission`,
		userID, calendarID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ---- calendars and events ----

func (s *Store) CreateCalendar(ctx context.Context, name string, ownerID int64) (Calendar, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars(name, owner_id, created_at) VALUES(?,?,?)`,
		name, ownerID, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Calendar{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Calendar{}, err
	}
	return Calendar{ID: id, Name: name, OwnerID: ownerID, CreatedAt: now}, nil
}

func (s *Store) ListCalendars(ctx context.Context) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at FROM calendars ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cals []Calendar
	for rows.Next() {
		var (
			c     Calendar
			stamp string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.OwnerID, &stamp); err != nil {
			return nil, err
		}
		c.CreatedAt = parseStamp(stamp)
		cals = append(cals, c)
	}
	return cals, rows.Err()
}

func (s *Store) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(calendar_id, title, description, starts_at, ends_at, created_by, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ev.CalendarID, ev.Title, ev.Description,
		ev.StartsAt.UTC().Format(time.RFC3339Nano), ev.EndsAt.UTC().Format(time.RFC3339Nano),
		ev.CreatedBy, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Event{}, err
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, calendarID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calendar_id, title, description, starts_at, ends_at, created_by, created_at, updated_at
		 FROM events WHERE calendar_id = ? ORDER BY starts_at`,
		calendarID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev                             Event
			starts, ends, created, updated string
		)
		if err := rows.Scan(&ev.ID, &ev.CalendarID, &ev.Title, &ev.Description,
			&starts, &ends, &ev.CreatedBy, &created, &updated); err != nil {
			return nil, err
		}
		ev.StartsAt = parseStamp(starts)
		ev.EndsAt = parseStamp(ends)
		ev.CreatedAt = parseStamp(created)
		ev.UpdatedAt = parseStamp(updated)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures as plain
	// formatted errors; match on the stable message fragment.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
