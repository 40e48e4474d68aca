// Package orchestrator runs one crawl session end to end: root resolution, sitemap discovery,
// page processing and finalization of the session state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/pagepool"
	"github.com/JakeFAU/catalog-crawler/internal/pagetext"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

const defaultErrorTail = 10

// Resolver discovers leaf URLs for a root.
type Resolver interface {
	Discover(ctx context.Context, rootURL, host string) ([]string, error)
}

// PagePool processes discovered URLs.
type PagePool interface {
	Run(ctx context.Context, session crawler.Session, urls []string) (pagepool.Result, error)
}

// Config tunes finalization.
type Config struct {
	// ErrorTail is how many recent page errors the session error summary keeps.
	ErrorTail int
}

// Orchestrator sequences resolver and pool for a session.
type Orchestrator struct {
	store    crawler.SessionStore
	fetcher  crawler.Fetcher
	resolver Resolver
	pool     PagePool
	emitter  progress.Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds an Orchestrator. emitter may be nil.
func New(
	store crawler.SessionStore,
	fetcher crawler.Fetcher,
	resolver Resolver,
	pool PagePool,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if cfg.ErrorTail <= 0 {
		cfg.ErrorTail = defaultErrorTail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
		pool:     pool,
		emitter:  emitter,
		clock:    crawler.SystemClock{},
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

// Run executes a QUEUED session to a terminal status and returns its final state. Sessions that
// are no longer QUEUED are left untouched and reported with crawler.ErrInvalidTransition.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (crawler.Session, error) {
	logger := o.logger.With(zap.String("session_id", sessionID))
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session: %w", err)
	}
	if session.Status != crawler.StatusQueued {
		return session, fmt.Errorf("start session in status %s: %w", session.Status, crawler.ErrInvalidTransition)
	}
	if err := o.store.UpdateStatus(ctx, sessionID, crawler.StatusInProgress, ""); err != nil {
		return session, fmt.Errorf("start session: %w", err)
	}
	session.Status = crawler.StatusInProgress

	start := time.Now()
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()
	o.emit(session.ID, progress.StageSessionStart, 0, 0, "")
	logger.Info("session started", zap.String("url", session.URL))

	status, errText := o.execute(ctx, &session, logger)
	return o.finalize(ctx, session, status, errText, time.Since(start), logger)
}

func (o *Orchestrator) execute(
	ctx context.Context,
	session *crawler.Session,
	logger *zap.Logger,
) (crawler.SessionStatus, string) {
	baseURL, host, name, err := o.resolveRoot(ctx, session.URL)
	if err != nil {
		return o.discoveryFailure(ctx, &crawler.DiscoveryError{RootURL: session.URL, Err: err}, logger)
	}
	if session.Name == "" && name != "" {
		if err := o.store.SetName(ctx, session.ID, name); err != nil {
			logger.Warn("set session name failed", zap.Error(err))
		} else {
			session.Name = name
		}
	}

	urls, err := o.resolver.Discover(ctx, baseURL, host)
	if err != nil {
		return o.discoveryFailure(ctx, err, logger)
	}
	if err := o.store.SetTotalPages(ctx, session.ID, len(urls)); err != nil {
		if ctx.Err() != nil {
			return crawler.StatusCanceled, "canceled"
		}
		return crawler.StatusFailed, fmt.Sprintf("record total pages: %v", err)
	}
	session.TotalPages = len(urls)
	o.emit(session.ID, progress.StageDiscoveryDone, int64(len(urls)), 0, "")
	logger.Info("discovery finished", zap.Int("total_pages", len(urls)))

	result, err := o.pool.Run(ctx, *session, urls)
	session.ScrapedPages = result.Processed
	summary := o.summarize(result)
	switch {
	case ctx.Err() != nil:
		return crawler.StatusCanceled, joinNonEmpty("canceled", summary)
	case err != nil:
		return crawler.StatusFailed, joinNonEmpty(fmt.Sprintf("processing failed: %v", err), summary)
	case result.Committed == 0:
		return crawler.StatusFailed, joinNonEmpty("no products extracted", summary)
	default:
		return crawler.StatusCompleted, summary
	}
}

func (o *Orchestrator) discoveryFailure(
	ctx context.Context,
	err error,
	logger *zap.Logger,
) (crawler.SessionStatus, string) {
	if ctx.Err() != nil {
		return crawler.StatusCanceled, "canceled during discovery"
	}
	logger.Warn("discovery failed", zap.Error(err))
	var discErr *crawler.DiscoveryError
	if errors.As(err, &discErr) {
		return crawler.StatusFailed, discErr.Err.Error()
	}
	return crawler.StatusFailed, err.Error()
}

// resolveRoot follows redirects from raw and returns the site base URL, host and display name.
func (o *Orchestrator) resolveRoot(ctx context.Context, raw string) (string, string, string, error) {
	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{URL: crawler.EnsureScheme(raw), Method: http.MethodGet})
	if err != nil {
		return "", "", "", fmt.Errorf("resolve root: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return "", "", "", fmt.Errorf("resolve root: %w",
			&crawler.FetchError{Kind: crawler.FetchHTTPStatus, URL: raw, StatusCode: resp.StatusCode})
	}
	final := resp.FinalURL
	if final == "" {
		final = resp.URL
	}
	if final == "" {
		final = crawler.EnsureScheme(raw)
	}
	base, host, err := crawler.BaseURL(final)
	if err != nil {
		return "", "", "", fmt.Errorf("resolve root: %w", err)
	}
	return base, host, pagetext.SiteName(resp.Body, host), nil
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	session crawler.Session,
	status crawler.SessionStatus,
	errText string,
	elapsed time.Duration,
	logger *zap.Logger,
) (crawler.Session, error) {
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.UpdateStatus(persistCtx, session.ID, status, errText); err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			// Already finalized elsewhere, e.g. canceled through the API by another replica.
			logger.Info("session finalized concurrently", zap.String("wanted", string(status)))
			stored, getErr := o.store.GetSession(persistCtx, session.ID)
			if getErr != nil {
				return session, fmt.Errorf("reload session: %w", getErr)
			}
			return stored, nil
		}
		logger.Error("finalize session failed", zap.String("status", string(status)), zap.Error(err))
		return session, fmt.Errorf("finalize session: %w", err)
	}
	metrics.ObserveSession(string(status))

	stage := progress.StageSessionDone
	switch status {
	case crawler.StatusFailed:
		stage = progress.StageSessionError
	case crawler.StatusCanceled:
		stage = progress.StageSessionCanceled
	}
	o.emit(session.ID, stage, int64(session.TotalPages), elapsed, firstLine(errText))

	final, err := o.store.GetSession(persistCtx, session.ID)
	if err != nil {
		session.Status = status
		session.Error = errText
		final = session
	}
	logger.Info("session finished",
		zap.String("status", string(final.Status)),
		zap.Int("total_pages", final.TotalPages),
		zap.Int("scraped_pages", final.ScrapedPages),
		zap.Duration("elapsed", elapsed),
	)
	return final, nil
}

// summarize renders the failed-page count plus the most recent errors.
func (o *Orchestrator) summarize(result pagepool.Result) string {
	if result.Failed == 0 {
		return ""
	}
	tail := result.ErrorLog
	if len(tail) > o.cfg.ErrorTail {
		tail = tail[len(tail)-o.cfg.ErrorTail:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d pages failed", result.Failed, result.Processed)
	for _, entry := range tail {
		b.WriteString("\n")
		b.WriteString(entry)
	}
	return b.String()
}

func (o *Orchestrator) emit(sessionID string, stage progress.Stage, pages int64, dur time.Duration, note string) {
	o.emitter.Emit(progress.Event{
		SessionID: sessionID,
		TS:        o.clock.Now(),
		Stage:     stage,
		Pages:     pages,
		Dur:       dur,
		Note:      note,
	})
}

func joinNonEmpty(head, tail string) string {
	if tail == "" {
		return head
	}
	return head + ": " + tail
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
