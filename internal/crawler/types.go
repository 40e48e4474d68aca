// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	StatusQueued     SessionStatus = "queued"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusCanceled   SessionStatus = "canceled"
)

// Session is the authoritative state of one catalog crawl.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Status       SessionStatus `json:"status"`
	TotalPages   int           `json:"total_pages"`
	ScrapedPages int           `json:"scraped_pages"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Progress returns the processed share of the discovered pages as a percentage.
func (s Session) Progress() float64 {
	if s.TotalPages <= 0 {
		return 0
	}
	pct := float64(s.ScrapedPages) / float64(s.TotalPages) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Record is one product extracted from a relevant page.
type Record struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	URL           string `json:"url"`
	Name          string `json:"name,omitempty"`
	CurrentPrice  string `json:"current_price,omitempty"`
	OriginalPrice string `json:"original_price,omitempty"`
	UnitSize      string `json:"unit_size,omitempty"`
	Category      string `json:"category,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	DietaryTags   string `json:"dietary_tags,omitempty"`
}

// Product is the structured data a classifier extracts from page text.
type Product struct {
	URL           string   `json:"url,omitempty"`
	Name          string   `json:"name,omitempty"`
	CurrentPrice  string   `json:"current_price,omitempty"`
	OriginalPrice string   `json:"original_price,omitempty"`
	UnitSize      string   `json:"unit_size,omitempty"`
	Category      string   `json:"category,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	DietaryTags   []string `json:"dietary_tags,omitempty"`
}

// Classification is the verdict returned by a PageClassifier.
type Classification struct {
	Relevant    bool
	Product     *Product
	Description string
}

// NewRecord flattens a classified product into a Record owned by sessionID.
func NewRecord(id, sessionID, sourceURL string, p Product) Record {
	tags := make([]string, 0, len(p.DietaryTags))
	for _, tag := range p.DietaryTags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return Record{
		ID:            id,
		SessionID:     sessionID,
		URL:           sourceURL,
		Name:          p.Name,
		CurrentPrice:  p.CurrentPrice,
		OriginalPrice: p.OriginalPrice,
		UnitSize:      p.UnitSize,
		Category:      p.Category,
		ImageURL:      p.ImageURL,
		DietaryTags:   strings.Join(tags, ", "),
	}
}

// SessionSummary is the list view of a session with its record count.
type SessionSummary struct {
	Session
	ProductCount int `json:"product_count"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueItem wraps a session ready to run.
type QueueItem struct {
	SessionID string
	Submitted int64
}
