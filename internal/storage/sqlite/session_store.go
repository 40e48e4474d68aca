// Package sqlite provides an embedded SessionStore for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	total_pages INTEGER NOT NULL DEFAULT 0,
	scraped_pages INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	current_price TEXT NOT NULL DEFAULT '',
	original_price TEXT NOT NULL DEFAULT '',
	unit_size TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	dietary_tags TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS records_session_idx ON records (session_id, seq);
`

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sessionColumns = `id, name, url, status, total_pages, scraped_pages, started_at, completed_at, error`

// SessionStore persists sessions and records in a SQLite file.
type SessionStore struct {
	db    *sql.DB
	clock crawler.Clock
}

// NewSessionStore opens (creating if needed) the database at path.
func NewSessionStore(path string) (*SessionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; page workers share one connection.
	db.SetMaxOpenConns(1)

	store := &SessionStore{db: db, clock: crawler.SystemClock{}}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SessionStore) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SessionStore) CreateSession(ctx context.Context, session crawler.Session) error {
	if session.Status == "" {
		session.Status = crawler.StatusQueued
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sessions (`+sessionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Name,
		session.URL,
		string(session.Status),
		session.TotalPages,
		session.ScrapedPages,
		formatTime(session.StartedAt),
		formatTimePtr(session.CompletedAt),
		session.Error,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("create session %s: %w", session.ID, crawler.ErrSessionExists)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *SessionStore) GetSession(ctx context.Context, id string) (crawler.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Session{}, crawler.ErrSessionNotFound
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

// ListSessions returns every session with its record count, newest first.
func (s *SessionStore) ListSessions(ctx context.Context) ([]crawler.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT s.id, s.name, s.url, s.status, s.total_pages, s.scraped_pages, s.started_at, s.completed_at, s.error,
		(SELECT COUNT(*) FROM records r WHERE r.session_id = s.id)
	FROM sessions s
	ORDER BY s.started_at DESC, s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []crawler.SessionSummary
	for rows.Next() {
		var count int
		session, err := scanSession(func(dest ...any) error {
			return rows.Scan(append(dest, &count)...)
		})
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, crawler.SessionSummary{Session: session, ProductCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateStatus applies a forward transition; the WHERE clause rejects backward moves.
func (s *SessionStore) UpdateStatus(
	ctx context.Context,
	id string,
	status crawler.SessionStatus,
	errText string,
) error {
	from := crawler.AllowedPredecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("enter %s: %w", status, crawler.ErrInvalidTransition)
	}
	var completedAt *string
	if status.IsTerminal() {
		completedAt = formatTimePtr(ptr(s.clock.Now()))
	}
	args := []any{string(status), errText, completedAt, id}
	placeholders := make([]string, 0, len(from))
	for _, st := range from {
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE sessions SET status = ?, error = ?, completed_at = COALESCE(?, completed_at)
	WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s: %w", current.Status, status, crawler.ErrInvalidTransition)
}

// SetTotalPages records the discovered page count.
func (s *SessionStore) SetTotalPages(ctx context.Context, id string, total int) error {
	return s.execOne(ctx, "set total pages", `UPDATE sessions SET total_pages = ? WHERE id = ?`, total, id)
}

// SetName replaces the display name.
func (s *SessionStore) SetName(ctx context.Context, id string, name string) error {
	return s.execOne(ctx, "set session name", `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
}

// CommitProgress raises scraped_pages monotonically, capped at total_pages once known.
func (s *SessionStore) CommitProgress(ctx context.Context, id string, scraped int) error {
	return s.execOne(ctx, "commit progress", `
	UPDATE sessions
	SET scraped_pages = MAX(scraped_pages, CASE WHEN total_pages > 0 THEN MIN(?1, total_pages) ELSE ?1 END)
	WHERE id = ?2`, scraped, id)
}

// InsertRecords writes a batch inside one transaction.
func (s *SessionStore) InsertRecords(ctx context.Context, sessionID string, records []crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (
		id, session_id, url, name, current_price, original_price, unit_size, category, image_url, dietary_tags
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			sessionID,
			rec.URL,
			rec.Name,
			rec.CurrentPrice,
			rec.OriginalPrice,
			rec.UnitSize,
			rec.Category,
			rec.ImageURL,
			rec.DietaryTags,
		); err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
				return crawler.ErrSessionNotFound
			}
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record batch: %w", err)
	}
	return nil
}

// ListRecords returns a session's records in insertion order.
func (s *SessionStore) ListRecords(ctx context.Context, sessionID string) ([]crawler.Record, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = ?)`, sessionID).
		Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, crawler.ErrSessionNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, session_id, url, name, current_price, original_price, unit_size, category, image_url, dietary_tags
	FROM records WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []crawler.Record{}
	for rows.Next() {
		var rec crawler.Record
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.URL,
			&rec.Name,
			&rec.CurrentPrice,
			&rec.OriginalPrice,
			&rec.UnitSize,
			&rec.Category,
			&rec.ImageURL,
			&rec.DietaryTags,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and, through the foreign key, its records.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete session", `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *SessionStore) execOne(ctx context.Context, op string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return crawler.ErrSessionNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (crawler.Session, error) {
	var (
		session     crawler.Session
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	if err := scan(
		&session.ID,
		&session.Name,
		&session.URL,
		&status,
		&session.TotalPages,
		&session.ScrapedPages,
		&startedAt,
		&completedAt,
		&session.Error,
	); err != nil {
		return crawler.Session{}, err
	}
	session.Status = crawler.SessionStatus(status)
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	session.StartedAt = t
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return crawler.Session{}, fmt.Errorf("parse completed_at: %w", err)
		}
		session.CompletedAt = &t
	}
	return session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func ptr[T any](v T) *T { return &v }
