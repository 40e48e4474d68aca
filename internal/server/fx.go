// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/classifier"
	"github.com/JakeFAU/catalog-crawler/internal/classifier/claude"
	"github.com/JakeFAU/catalog-crawler/internal/classifier/gemini"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/catalog-crawler/internal/pagepool"
	"github.com/JakeFAU/catalog-crawler/internal/pagetext"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/catalog-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/catalog-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/catalog-crawler/internal/sitemap"
	gcsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	redismirror "github.com/JakeFAU/catalog-crawler/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/catalog-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

const readinessProbeID = "readiness-probe"

type closer struct {
	name  string
	close func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        crawler.SessionStore
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	queue        *queueMemory.Queue
	progressHub  *progress.Hub
	idGen        crawler.IDGenerator
	clock        crawler.Clock
	closers      []closer

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		idGen:  crawler.UUIDGenerator{},
		clock:  crawler.SystemClock{},
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("classifier_backend", cfg.Classifier.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.store, err = a.setupStore(ctx); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	pageClassifier, err := a.setupClassifier(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress()
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RateLimitRPS,
		DefaultBurst: a.cfg.HTTP.RateLimitBurst,
	})
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Crawler.UserAgent,
		Timeout:            a.cfg.FetchTimeout(),
		ProxyURL:           a.cfg.HTTP.ProxyURL,
		InsecureSkipVerify: a.cfg.HTTP.InsecureSkipVerify,
		MaxBodyBytes:       a.cfg.HTTP.MaxBodyBytes,
		Limiter:            limiter,
	})
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Bool("proxy", a.cfg.HTTP.ProxyURL != ""),
		zap.Float64("rate_limit_rps", a.cfg.HTTP.RateLimitRPS),
	)

	extractor, err := pagetext.New(pagetext.Mode(a.cfg.Text.Mode), a.cfg.Text.MaxChars)
	if err != nil {
		return fmt.Errorf("text extractor init failed: %w", err)
	}
	resolver := sitemap.New(fetcher, sitemap.Config{
		Workers:       a.cfg.Crawler.SitemapWorkers,
		RelevantPaths: a.cfg.Crawler.RelevantPaths,
		Candidates:    a.cfg.Crawler.SitemapCandidates,
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
	}, a.logger.Named("sitemap"))

	pool, err := pagepool.New(pagepool.Config{
		Workers:       a.cfg.Crawler.PageWorkers,
		RecordCap:     a.cfg.Crawler.RecordCap,
		BatchSize:     a.cfg.Crawler.BatchSize,
		ProgressEvery: a.cfg.Crawler.ProgressInterval,
		ArchivePrefix: a.cfg.Archive.Prefix,
	}, pagepool.Deps{
		Fetcher:    fetcher,
		Extractor:  extractor,
		Classifier: pageClassifier,
		Store:      a.store,
		IDs:        a.idGen,
		Archive:    archive,
		Publisher:  publisher,
		Emitter:    emitter,
		Clock:      a.clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("page pool init failed: %w", err)
	}
	a.orchestrator = orchestrator.New(a.store, fetcher, resolver, pool, emitter, orchestrator.Config{
		ErrorTail: a.cfg.Crawler.ErrorTail,
	}, a.logger)

	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	registry := worker.NewRegistry()
	workers := make([]*worker.Worker, 0, a.cfg.Crawler.SessionConcurrency)
	for i := 0; i < a.cfg.Crawler.SessionConcurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.orchestrator,
			registry,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, registry)
	a.logger.Info("session scheduler ready",
		zap.Int("session_concurrency", a.cfg.Crawler.SessionConcurrency),
		zap.Int("queue_depth", a.cfg.Crawler.QueueDepth),
		zap.Int("page_workers", a.cfg.Crawler.PageWorkers),
	)

	a.apiServer = api.NewServer(a.store, a.dispatch, a.idGen, a.clock, a.cfg, a.logger)
	a.apiServer.SetReadinessCheck(a.ready)
	return nil
}

func (a *App) setupStore(ctx context.Context) (crawler.SessionStore, error) {
	var store crawler.SessionStore
	switch a.cfg.Storage.Backend {
	case "postgres":
		pg, err := pgstore.NewSessionStore(ctx, pgstore.Config{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        a.cfg.Storage.MaxConns,
			MinConns:        a.cfg.Storage.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Storage.MaxConnLifetime) * time.Second,
			Migrate:         a.cfg.Storage.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres session store init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error { pg.Close(); return nil })
		a.logger.Info("using postgres session store")
		store = pg
	case "sqlite":
		lite, err := sqlitestore.NewSessionStore(a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite session store init failed: %w", err)
		}
		a.addCloser("sqlite", func(context.Context) error { return lite.Close() })
		a.logger.Info("using sqlite session store", zap.String("path", a.cfg.Storage.SQLitePath))
		store = lite
	case "memory", "":
		a.logger.Info("using in-memory session store")
		store = memoryStorage.NewSessionStore()
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}

	if a.cfg.Mirror.Addr == "" {
		return store, nil
	}
	mirrored, err := redismirror.New(store, redismirror.Config{
		Addr:     a.cfg.Mirror.Addr,
		Password: a.cfg.Mirror.Password,
		DB:       a.cfg.Mirror.DB,
		Prefix:   a.cfg.Mirror.Prefix,
		TTL:      a.cfg.MirrorTTL(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("redis mirror init failed: %w", err)
	}
	a.addCloser("redis", func(context.Context) error { return mirrored.Close() })
	a.logger.Info("mirroring session status to redis", zap.String("addr", a.cfg.Mirror.Addr))
	return mirrored, nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Archive.Bucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return blobStore.Close() })
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to local disk", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	case "memory":
		a.logger.Info("archiving pages in memory")
		return memoryStorage.NewBlobStore(), nil
	case "none", "":
		a.logger.Debug("page archive disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", a.cfg.Archive.Backend)
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers: a.cfg.Publisher.Brokers,
			Topic:   a.cfg.Publisher.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.addCloser("kafka", func(context.Context) error { return pub.Close() })
		a.logger.Info("publishing records to kafka",
			zap.Strings("brokers", a.cfg.Publisher.Brokers),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return pub, nil
	case "pubsub":
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Publisher.ProjectID,
			TopicID:   a.cfg.Publisher.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
		a.logger.Info("publishing records to Pub/Sub",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return pub, nil
	case "memory":
		a.logger.Info("publishing records in memory")
		return memorypublisher.New(), nil
	case "none", "":
		a.logger.Debug("record publishing disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", a.cfg.Publisher.Backend)
	}
}

func (a *App) setupClassifier(ctx context.Context) (crawler.PageClassifier, error) {
	switch a.cfg.Classifier.Backend {
	case "gemini":
		c, err := gemini.New(ctx, gemini.Config{
			APIKey:      a.cfg.Classifier.APIKey,
			Model:       a.cfg.Classifier.Model,
			Temperature: float32(a.cfg.Classifier.Temperature),
		}, a.logger.Named("gemini"))
		if err != nil {
			return nil, fmt.Errorf("gemini classifier init failed: %w", err)
		}
		a.logger.Info("using gemini classifier", zap.String("model", a.cfg.Classifier.Model))
		return c, nil
	case "claude":
		c, err := claude.New(claude.Config{
			APIKey:      a.cfg.Classifier.APIKey,
			Model:       a.cfg.Classifier.Model,
			Temperature: a.cfg.Classifier.Temperature,
			MaxTokens:   a.cfg.Classifier.MaxTokens,
		}, a.logger.Named("claude"))
		if err != nil {
			return nil, fmt.Errorf("claude classifier init failed: %w", err)
		}
		a.logger.Info("using claude classifier", zap.String("model", a.cfg.Classifier.Model))
		return c, nil
	case "rules", "":
		a.logger.Info("using rule-based classifier")
		return classifier.NewRules(), nil
	default:
		return nil, fmt.Errorf("unknown classifier backend: %s", a.cfg.Classifier.Backend)
	}
}

func (a *App) setupProgress() (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return a.progressHub, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// ready reports whether the session store answers queries.
func (a *App) ready(ctx context.Context) error {
	_, err := a.store.GetSession(ctx, readinessProbeID)
	if err == nil || errors.Is(err, crawler.ErrSessionNotFound) {
		return nil
	}
	return fmt.Errorf("session store: %w", err)
}

// Run starts the dispatcher and HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Crawl runs one session synchronously and returns its final state and records.
func (a *App) Crawl(ctx context.Context, rootURL, name string) (crawler.Session, []crawler.Record, error) {
	normalized, err := crawler.NormalizeURL(crawler.EnsureScheme(rootURL))
	if err != nil {
		return crawler.Session{}, nil, fmt.Errorf("normalize root url: %w", err)
	}
	id, err := a.idGen.NewID()
	if err != nil {
		return crawler.Session{}, nil, err
	}
	session := crawler.Session{
		ID:        id,
		Name:      name,
		URL:       normalized,
		Status:    crawler.StatusQueued,
		StartedAt: a.clock.Now(),
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		return crawler.Session{}, nil, fmt.Errorf("create session: %w", err)
	}
	final, err := a.orchestrator.Run(ctx, id)
	if err != nil {
		return final, nil, fmt.Errorf("run session: %w", err)
	}
	records, err := a.store.ListRecords(context.WithoutCancel(ctx), id)
	if err != nil {
		return final, nil, fmt.Errorf("list records: %w", err)
	}
	return final, records, nil
}

// Logger exposes the application logger to commands.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close gracefully shuts down the application. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
