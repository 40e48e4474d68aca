package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// SessionStore provides an in-memory SessionStore for development and tests.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.Session
	records  map[string][]crawler.Record
	now      func() time.Time
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]crawler.Session),
		records:  make(map[string][]crawler.Record),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession stores a new session.
func (s *SessionStore) CreateSession(_ context.Context, session crawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("create session %s: %w", session.ID, crawler.ErrSessionExists)
	}
	if session.Status == "" {
		session.Status = crawler.StatusQueued
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, id string) (crawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns every session with its record count, newest first.
func (s *SessionStore) ListSessions(_ context.Context) ([]crawler.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.SessionSummary, 0, len(s.sessions))
	for id, session := range s.sessions {
		out = append(out, crawler.SessionSummary{Session: session, ProductCount: len(s.records[id])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// UpdateStatus applies a forward transition; terminal statuses stamp CompletedAt.
func (s *SessionStore) UpdateStatus(_ context.Context, id string, status crawler.SessionStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.ErrSessionNotFound
	}
	if !crawler.CanTransition(session.Status, status) {
		return fmt.Errorf("%s -> %s: %w", session.Status, status, crawler.ErrInvalidTransition)
	}
	session.Status = status
	session.Error = errText
	if status.IsTerminal() {
		now := s.now()
		session.CompletedAt = &now
	}
	s.sessions[id] = session
	return nil
}

// SetTotalPages records the discovered page count.
func (s *SessionStore) SetTotalPages(_ context.Context, id string, total int) error {
	return s.mutate(id, func(session *crawler.Session) {
		session.TotalPages = total
	})
}

// SetName replaces the display name.
func (s *SessionStore) SetName(_ context.Context, id string, name string) error {
	return s.mutate(id, func(session *crawler.Session) {
		session.Name = name
	})
}

// CommitProgress raises ScrapedPages to scraped, capped at TotalPages once known.
func (s *SessionStore) CommitProgress(_ context.Context, id string, scraped int) error {
	return s.mutate(id, func(session *crawler.Session) {
		if session.TotalPages > 0 && scraped > session.TotalPages {
			scraped = session.TotalPages
		}
		if scraped > session.ScrapedPages {
			session.ScrapedPages = scraped
		}
	})
}

// InsertRecords appends a batch for a session.
func (s *SessionStore) InsertRecords(_ context.Context, sessionID string, records []crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return crawler.ErrSessionNotFound
	}
	s.records[sessionID] = append(s.records[sessionID], records...)
	return nil
}

// ListRecords returns a copy of a session's records in insertion order.
func (s *SessionStore) ListRecords(_ context.Context, sessionID string) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, crawler.ErrSessionNotFound
	}
	records := s.records[sessionID]
	out := make([]crawler.Record, len(records))
	copy(out, records)
	return out, nil
}

// DeleteSession removes a session and its records.
func (s *SessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return crawler.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.records, id)
	return nil
}

func (s *SessionStore) mutate(id string, fn func(*crawler.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.ErrSessionNotFound
	}
	fn(&session)
	s.sessions[id] = session
	return nil
}
