// Package postgres provides the Postgres-backed SessionStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Schema creates the tables the store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL,
	status        TEXT NOT NULL,
	total_pages   INTEGER NOT NULL DEFAULT 0,
	scraped_pages INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS records (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	url            TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	current_price  TEXT NOT NULL DEFAULT '',
	original_price TEXT NOT NULL DEFAULT '',
	unit_size      TEXT NOT NULL DEFAULT '',
	category       TEXT NOT NULL DEFAULT '',
	image_url      TEXT NOT NULL DEFAULT '',
	dietary_tags   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS records_session_idx ON records (session_id, seq);
`

const sessionColumns = `id, name, url, status, total_pages, scraped_pages, started_at, completed_at, error`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies Schema when the store opens.
	Migrate bool
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// SessionStore persists sessions and records in Postgres.
type SessionStore struct {
	pool  pgxPool
	clock crawler.Clock
}

// NewSessionStore connects to Postgres using cfg.
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &SessionStore{pool: pool, clock: crawler.SystemClock{}}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(pool pgxPool, clock crawler.Clock) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &SessionStore{pool: pool, clock: clock}, nil
}

// Migrate applies Schema.
func (s *SessionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateSession inserts a new session row.
func (s *SessionStore) CreateSession(ctx context.Context, session crawler.Session) error {
	if session.Status == "" {
		session.Status = crawler.StatusQueued
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID,
		session.Name,
		session.URL,
		string(session.Status),
		session.TotalPages,
		session.ScrapedPages,
		session.StartedAt,
		session.CompletedAt,
		session.Error,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("create session %s: %w", session.ID, crawler.ErrSessionExists)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *SessionStore) GetSession(ctx context.Context, id string) (crawler.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Session{}, crawler.ErrSessionNotFound
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

// ListSessions returns every session with its record count, newest first.
func (s *SessionStore) ListSessions(ctx context.Context) ([]crawler.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT s.id, s.name, s.url, s.status, s.total_pages, s.scraped_pages, s.started_at, s.completed_at, s.error,
       (SELECT COUNT(*) FROM records r WHERE r.session_id = s.id) AS product_count
FROM sessions s
ORDER BY s.started_at DESC, s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []crawler.SessionSummary
	for rows.Next() {
		var (
			summary crawler.SessionSummary
			status  string
			count   int64
		)
		if err := rows.Scan(
			&summary.ID,
			&summary.Name,
			&summary.URL,
			&status,
			&summary.TotalPages,
			&summary.ScrapedPages,
			&summary.StartedAt,
			&summary.CompletedAt,
			&summary.Error,
			&count,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.Status = crawler.SessionStatus(status)
		summary.ProductCount = int(count)
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateStatus applies a forward transition with a conditional update so concurrent writers
// cannot move a session backwards.
func (s *SessionStore) UpdateStatus(
	ctx context.Context,
	id string,
	status crawler.SessionStatus,
	errText string,
) error {
	from := crawler.AllowedPredecessors(status)
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	var completedAt *time.Time
	if status.IsTerminal() {
		now := s.clock.Now()
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions
SET status = $2, error = $3, completed_at = COALESCE($4, completed_at)
WHERE id = $1 AND status = ANY($5)`,
		id, string(status), errText, completedAt, allowed,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() > 0 {
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
	return s.execOne(ctx, "set total pages", `UPDATE sessions SET total_pages = $2 WHERE id = $1`, id, total)
}

// SetName replaces the display name.
func (s *SessionStore) SetName(ctx context.Context, id string, name string) error {
	return s.execOne(ctx, "set session name", `UPDATE sessions SET name = $2 WHERE id = $1`, id, name)
}

// CommitProgress raises scraped_pages monotonically, capped at total_pages once known.
func (s *SessionStore) CommitProgress(ctx context.Context, id string, scraped int) error {
	return s.execOne(ctx, "commit progress", `
UPDATE sessions
SET scraped_pages = GREATEST(scraped_pages, CASE WHEN total_pages > 0 THEN LEAST($2, total_pages) ELSE $2 END)
WHERE id = $1`, id, scraped)
}

// InsertRecords writes a batch inside one transaction.
func (s *SessionStore) InsertRecords(ctx context.Context, sessionID string, records []crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record batch: %w", err)
	}
	for _, rec := range records {
		_, err := tx.Exec(ctx, `
INSERT INTO records (
	id, session_id, url, name, current_price, original_price, unit_size, category, image_url, dietary_tags
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return crawler.ErrSessionNotFound
			}
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record batch: %w", err)
	}
	return nil
}

// ListRecords returns a session's records in insertion order.
func (s *SessionStore) ListRecords(ctx context.Context, sessionID string) ([]crawler.Record, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).
		Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, crawler.ErrSessionNotFound
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, url, name, current_price, original_price, unit_size, category, image_url, dietary_tags
FROM records
WHERE session_id = $1
ORDER BY seq`, sessionID)
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

// DeleteSession removes a session; its records go with it through the foreign key.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete session", `DELETE FROM sessions WHERE id = $1`, id)
}

func (s *SessionStore) execOne(ctx context.Context, op string, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSessionNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (crawler.Session, error) {
	var (
		session crawler.Session
		status  string
	)
	err := row.Scan(
		&session.ID,
		&session.Name,
		&session.URL,
		&status,
		&session.TotalPages,
		&session.ScrapedPages,
		&session.StartedAt,
		&session.CompletedAt,
		&session.Error,
	)
	session.Status = crawler.SessionStatus(status)
	return session, err
}
