package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// PrometheusSink exports session progress via Prometheus collectors registered on
// a caller-supplied registry.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec
	discoveredPages  prometheus.Histogram

	pages        *prometheus.CounterVec
	pageBytes    *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_sessions_started_total",
			Help: "Sessions that entered discovery.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_sessions_finished_total",
			Help: "Sessions finished partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_sessions_running",
			Help: "Sessions currently running.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		discoveredPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalog_discovered_pages",
			Help:    "Leaf URLs discovered per session.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_pages_total",
			Help: "Page completions partitioned by site, outcome and status class.",
		}, []string{"site", "outcome", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_page_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_page_duration_seconds",
			Help:    "Per-page processing time partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		tracker: newSessionTracker(),
	}
	var err error
	if s.sessionsStarted, err = register(reg, s.sessionsStarted); err != nil {
		return nil, err
	}
	if s.sessionsFinished, err = register(reg, s.sessionsFinished); err != nil {
		return nil, err
	}
	if s.sessionsRunning, err = register(reg, s.sessionsRunning); err != nil {
		return nil, err
	}
	if s.sessionRuntime, err = register(reg, s.sessionRuntime); err != nil {
		return nil, err
	}
	if s.discoveredPages, err = register(reg, s.discoveredPages); err != nil {
		return nil, err
	}
	if s.pages, err = register(reg, s.pages); err != nil {
		return nil, err
	}
	if s.pageBytes, err = register(reg, s.pageBytes); err != nil {
		return nil, err
	}
	if s.pageDuration, err = register(reg, s.pageDuration); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, reusing the collector already registered under the same
// descriptor so several sinks can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			if s.tracker.start(evt.SessionID) {
				s.sessionsRunning.Inc()
			}
		case progress.StageDiscoveryDone:
			s.discoveredPages.Observe(float64(evt.Pages))
		case progress.StageSessionDone:
			s.finish(evt, "completed")
		case progress.StageSessionError:
			s.finish(evt, "failed")
		case progress.StageSessionCanceled:
			s.finish(evt, "canceled")
		case progress.StagePageDone:
			s.page(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.sessionsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

func (s *PrometheusSink) page(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pages.WithLabelValues(site, evt.Outcome, statusClass).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
