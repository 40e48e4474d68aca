package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors surfaced by the pipeline and stores.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoSitemaps        = errors.New("no sitemaps found")
	ErrNoLeafURLs        = errors.New("no relevant urls found in sitemaps")
)

// DiscoveryError is fatal to a session: nothing can be crawled.
type DiscoveryError struct {
	RootURL string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.RootURL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchErrorKind classifies a transport failure.
type FetchErrorKind string

// Transport failure classes.
const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchHTTPStatus FetchErrorKind = "http-error"
	FetchConnection FetchErrorKind = "connection"
)

// FetchError is a per-page transport failure.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError classifies err for url. Deadline and net timeouts map to FetchTimeout.
func NewFetchError(url string, err error) *FetchError {
	kind := FetchConnection
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = FetchTimeout
	case err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout"):
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, URL: url, Err: err}
}

// ClassificationError wraps a classifier failure; the page is treated as not relevant.
type ClassificationError struct {
	URL string
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.URL, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// PersistenceError reports a failed record batch flush.
type PersistenceError struct {
	SessionID string
	Records   int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d records for session %s: %v", e.Records, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
