// Package worker consumes queued sessions and runs each one to a terminal state.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Runner executes one session. The orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID string) (crawler.Session, error)
}

// Worker pulls sessions off the queue one at a time.
type Worker struct {
	queue    crawler.Queue
	runner   Runner
	registry *Registry
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, runner Runner, registry *Registry, logger *zap.Logger) *Worker {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		runner:   runner,
		registry: registry,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("worker stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued session", zap.String("session_id", item.SessionID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("session_id", item.SessionID))
	runCtx, cancel := context.WithCancel(ctx)
	w.registry.register(item.SessionID, cancel)
	defer func() {
		w.registry.unregister(item.SessionID)
		cancel()
	}()

	session, err := w.runner.Run(runCtx, item.SessionID)
	switch {
	case errors.Is(err, crawler.ErrInvalidTransition):
		logger.Info("session no longer queued, skipping")
	case errors.Is(err, crawler.ErrSessionNotFound):
		logger.Info("session deleted before it ran")
	case err != nil:
		logger.Error("session run failed", zap.Error(err))
	default:
		logger.Info("session finished",
			zap.String("status", string(session.Status)),
			zap.Int("scraped_pages", session.ScrapedPages),
			zap.Int("total_pages", session.TotalPages),
		)
	}
}
