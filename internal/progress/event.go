// Package progress defines the event structures emitted while sessions run.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart    Stage = "SESSION_START"
	StageDiscoveryDone   Stage = "DISCOVERY_DONE"
	StagePageDone        Stage = "PAGE_DONE"
	StageSessionDone     Stage = "SESSION_DONE"
	StageSessionError    Stage = "SESSION_ERROR"
	StageSessionCanceled Stage = "SESSION_CANCELED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of session progress.
type Event struct {
	// SessionID identifies the crawl session.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Site scopes page events to a host label.
	Site string
	// URL is the optional page URL.
	URL string
	// Bytes carries the response size for page events.
	Bytes int64
	// Pages is the discovered page count for DISCOVERY_DONE.
	Pages int64
	// Outcome is the page result (record, no_record, failed).
	Outcome string
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures page latency or total session runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageDiscoveryDone, StageSessionDone, StageSessionError, StageSessionCanceled:
	case StagePageDone:
		if e.Site == "" {
			return errors.New("page done requires site")
		}
		if e.Outcome == "" {
			return errors.New("page done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
