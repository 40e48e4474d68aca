package pagepool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// collector owns every counter, the error log and the record buffer. Only the Run goroutine
// touches it.
type collector struct {
	pool    *Pool
	session crawler.Session
	logger  *zap.Logger
	ctx     context.Context

	buffer        []crawler.Record
	result        Result
	lastCommitted int
}

// accept folds one outcome into the run state and reports whether the record cap was just
// reached.
func (c *collector) accept(out outcome) bool {
	c.result.Processed++
	metrics.ObservePage(out.site, out.label(), out.bytes)
	c.pool.deps.Emitter.Emit(progress.Event{
		SessionID:   c.session.ID,
		TS:          c.pool.deps.Clock.Now(),
		Stage:       progress.StagePageDone,
		Site:        out.site,
		URL:         out.url,
		Bytes:       int64(out.bytes),
		Outcome:     out.label(),
		StatusClass: progress.ClassifyStatus(out.statusCode),
		Dur:         out.dur,
	})

	if out.failed {
		c.result.Failed++
		c.result.ErrorLog = append(c.result.ErrorLog, out.errEntry)
		c.logger.Debug("page failed", zap.String("entry", out.errEntry))
	}

	capHit := false
	if out.record != nil && !c.result.CapReached {
		c.result.Records++
		c.buffer = append(c.buffer, *out.record)
		if len(c.buffer) >= c.pool.cfg.BatchSize {
			c.flush()
		}
		if c.result.Records >= c.pool.cfg.RecordCap {
			c.result.CapReached = true
			capHit = true
			c.logger.Info("record cap reached, stopping dispatch", zap.Int("cap", c.pool.cfg.RecordCap))
		}
	}

	if c.result.Processed%c.pool.cfg.ProgressEvery == 0 {
		c.commitProgress()
	}
	return capHit
}

// flush writes the buffered records as one batch. A failed batch is dropped.
func (c *collector) flush() {
	if len(c.buffer) == 0 {
		return
	}
	batch := c.buffer
	c.buffer = nil
	if err := c.pool.deps.Store.InsertRecords(c.ctx, c.session.ID, batch); err != nil {
		metrics.ObserveRecordBatch("error")
		perr := &crawler.PersistenceError{SessionID: c.session.ID, Records: len(batch), Err: err}
		c.logger.Error("record batch dropped", zap.Error(perr))
		return
	}
	metrics.ObserveRecordBatch("ok")
	c.result.Committed += len(batch)
	c.publish(batch)
}

func (c *collector) publish(batch []crawler.Record) {
	if c.pool.deps.Publisher == nil {
		return
	}
	for _, record := range batch {
		if _, err := c.pool.deps.Publisher.Publish(c.ctx, c.session.ID, record); err != nil {
			c.logger.Warn("publish record failed", zap.String("record_id", record.ID), zap.Error(err))
		}
	}
}

func (c *collector) commitProgress() {
	if c.result.Processed == c.lastCommitted {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := c.pool.deps.Store.CommitProgress(ctx, c.session.ID, c.result.Processed); err != nil {
		c.logger.Warn("commit progress failed", zap.Int("scraped_pages", c.result.Processed), zap.Error(err))
		return
	}
	c.lastCommitted = c.result.Processed
}
