package crawler

import (
	"context"
	"io"
	"time"
)

// SessionStore persists sessions and their extracted records.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	// UpdateStatus moves a session forward; terminal statuses stamp completedAt.
	UpdateStatus(ctx context.Context, id string, status SessionStatus, errText string) error
	SetTotalPages(ctx context.Context, id string, total int) error
	SetName(ctx context.Context, id string, name string) error
	// CommitProgress persists scrapedPages; values lower than the stored one are ignored.
	CommitProgress(ctx context.Context, id string, scraped int) error
	// InsertRecords writes a batch atomically.
	InsertRecords(ctx context.Context, sessionID string, records []Record) error
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	DeleteSession(ctx context.Context, id string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes record events to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageClassifier decides whether page text describes a product and extracts it.
type PageClassifier interface {
	Classify(ctx context.Context, pageText string, sourceURL string) (Classification, error)
}

// ClassifierFunc adapts a function to PageClassifier.
type ClassifierFunc func(ctx context.Context, pageText string, sourceURL string) (Classification, error)

// Classify implements PageClassifier.
func (f ClassifierFunc) Classify(ctx context.Context, pageText string, sourceURL string) (Classification, error) {
	return f(ctx, pageText, sourceURL)
}

// Queue provides enqueue/dequeue semantics for crawl sessions.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
