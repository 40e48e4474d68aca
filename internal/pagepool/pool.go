// Package pagepool fetches, reduces and classifies a session's leaf URLs with a bounded set of
// workers, committing records and progress as it goes.
package pagepool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

const (
	defaultWorkers       = 50
	defaultRecordCap     = 100
	defaultBatchSize     = 10
	defaultProgressEvery = 25
)

// Error log tags.
const (
	TagTimeout      = "timeout"
	TagRequestError = "request-error"
	TagUnexpected   = "unexpected"
)

// TextExtractor reduces an HTML body to classifier input.
type TextExtractor interface {
	Extract(body []byte, pageURL string) (string, error)
}

// Config controls pool sizing and commit cadence.
type Config struct {
	Workers       int
	RecordCap     int
	BatchSize     int
	ProgressEvery int
	// ArchivePrefix is the object prefix for archived product pages.
	ArchivePrefix string
}

// Deps are the collaborators used by the pool. Archive, Publisher and Emitter are optional.
type Deps struct {
	Fetcher    crawler.Fetcher
	Extractor  TextExtractor
	Classifier crawler.PageClassifier
	Store      crawler.SessionStore
	IDs        crawler.IDGenerator
	Archive    crawler.BlobStore
	Publisher  crawler.Publisher
	Emitter    progress.Emitter
	Clock      crawler.Clock
}

// Result summarizes one Run.
type Result struct {
	// Records counts records emitted and handed to the store.
	Records int
	// Committed counts records the store accepted.
	Committed  int
	Processed  int
	Failed     int
	ErrorLog   []string
	CapReached bool
}

// Pool is the bounded crawl worker pool.
type Pool struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Pool.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pool, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Classifier == nil || deps.Store == nil {
		return nil, errors.New("page pool requires fetcher, extractor, classifier and store")
	}
	if deps.IDs == nil {
		deps.IDs = crawler.UUIDGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RecordCap <= 0 {
		cfg.RecordCap = defaultRecordCap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, deps: deps, logger: logger.Named("pagepool")}, nil
}

type outcome struct {
	url        string
	site       string
	record     *crawler.Record
	failed     bool
	canceled   bool
	errEntry   string
	statusCode int
	bytes      int
	dur        time.Duration
}

func (o outcome) label() string {
	switch {
	case o.failed:
		return metrics.OutcomeFailed
	case o.record != nil:
		return metrics.OutcomeRecord
	default:
		return metrics.OutcomeNoRecord
	}
}

// Run processes urls for session until the backlog drains, the record cap is reached, or ctx
// is canceled. Persistence keeps going past cancellation so committed work is never lost.
// The returned error is ctx.Err() when the parent context ended the run.
func (p *Pool) Run(ctx context.Context, session crawler.Session, urls []string) (Result, error) {
	logger := logging.ForSession(p.logger, session.ID, session.URL)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	persistCtx := context.WithoutCancel(ctx)

	jobs := make(chan string)
	outcomes := make(chan outcome, p.cfg.Workers)

	go func() {
		defer close(jobs)
		for _, u := range urls {
			select {
			case jobs <- u:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				outcomes <- p.process(runCtx, session.ID, u)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	c := &collector{pool: p, session: session, logger: logger, ctx: persistCtx}
	for out := range outcomes {
		if out.canceled {
			continue
		}
		if c.accept(out) {
			cancel()
		}
	}
	c.flush()
	c.commitProgress()

	result := c.result
	logger.Info("page pool finished",
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Int("records", result.Records),
		zap.Int("committed", result.Committed),
		zap.Bool("cap_reached", result.CapReached),
	)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("page pool interrupted: %w", err)
	}
	return result, nil
}

// process handles one URL. It never touches shared state.
func (p *Pool) process(ctx context.Context, sessionID, pageURL string) outcome {
	start := time.Now()
	out := outcome{url: pageURL, site: metrics.SanitizeSite(pageURL)}
	if ctx.Err() != nil {
		out.canceled = true
		return out
	}

	resp, err := p.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Method: http.MethodGet})
	out.dur = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			out.canceled = true
			return out
		}
		return p.fail(out, err)
	}
	out.statusCode = resp.StatusCode
	out.bytes = len(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return p.fail(out, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, URL: pageURL, StatusCode: resp.StatusCode})
	}

	text, err := p.deps.Extractor.Extract(resp.Body, pageURL)
	if err != nil {
		return p.fail(out, fmt.Errorf("extract text from %s: %w", pageURL, err))
	}

	classifyStart := time.Now()
	verdict, err := p.deps.Classifier.Classify(ctx, text, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			out.canceled = true
			return out
		}
		metrics.ObserveClassify("error", time.Since(classifyStart))
		p.logger.Warn("classification failed, page treated as not relevant",
			zap.String("session_id", sessionID), zap.String("url", pageURL), zap.Error(err))
		out.dur = time.Since(start)
		return out
	}
	result := "not_relevant"
	if verdict.Relevant {
		result = "relevant"
	}
	metrics.ObserveClassify(result, time.Since(classifyStart))

	if verdict.Relevant && verdict.Product != nil {
		id, err := p.deps.IDs.NewID()
		if err != nil {
			return p.fail(out, fmt.Errorf("generate record id: %w", err))
		}
		record := crawler.NewRecord(id, sessionID, pageURL, *verdict.Product)
		out.record = &record
		p.archive(ctx, sessionID, pageURL, resp.Body)
	}
	out.dur = time.Since(start)
	return out
}

func (p *Pool) fail(out outcome, err error) outcome {
	out.failed = true
	out.errEntry = fmt.Sprintf("[%s] %s: %v", errorTag(err), out.url, err)
	return out
}

// archive stores the HTML of a product page. Failures are logged only.
func (p *Pool) archive(ctx context.Context, sessionID, pageURL string, body []byte) {
	if p.deps.Archive == nil {
		return
	}
	path := ArchivePath(p.cfg.ArchivePrefix, sessionID, body)
	if _, err := p.deps.Archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body)); err != nil {
		p.logger.Warn("archive page failed",
			zap.String("session_id", sessionID), zap.String("url", pageURL), zap.Error(err))
	}
}

// ArchivePath returns <prefix>/<session>/<sha256>.html.
func ArchivePath(prefix, sessionID string, body []byte) string {
	sum := sha256.Sum256(body)
	name := hex.EncodeToString(sum[:]) + ".html"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return sessionID + "/" + name
	}
	return prefix + "/" + sessionID + "/" + name
}

func errorTag(err error) string {
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Kind == crawler.FetchTimeout {
			return TagTimeout
		}
		return TagRequestError
	}
	return TagUnexpected
}
