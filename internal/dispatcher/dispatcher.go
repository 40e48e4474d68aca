// Package dispatcher manages worker fan-out over the session queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

type tryEnqueuer interface {
	TryEnqueue(item crawler.QueueItem) error
}

// Dispatcher fans out queued sessions to a pool of workers.
type Dispatcher struct {
	queue    crawler.Queue
	workers  []*worker.Worker
	registry *worker.Registry
	clock    crawler.Clock
}

// New creates a Dispatcher. registry must be the one shared by workers.
func New(queue crawler.Queue, workers []*worker.Worker, registry *worker.Registry) *Dispatcher {
	if registry == nil {
		registry = worker.NewRegistry()
	}
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		registry: registry,
		clock:    crawler.SystemClock{},
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit queues a session for execution without waiting for a free slot when the queue
// supports it.
func (d *Dispatcher) Submit(ctx context.Context, sessionID string) error {
	item := crawler.QueueItem{SessionID: sessionID, Submitted: d.clock.Now().Unix()}
	if tq, ok := d.queue.(tryEnqueuer); ok {
		if err := tq.TryEnqueue(item); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel stops a running session. It reports false when the session is not running here.
func (d *Dispatcher) Cancel(sessionID string) bool {
	return d.registry.Cancel(sessionID)
}
