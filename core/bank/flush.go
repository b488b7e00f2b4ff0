package bank

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/banking-es-go/core/account"
	"github.com/codewandler/banking-es-go/core/es"
)

// SaveBatched queues events for a background commit and returns as soon as
// they are buffered. It trades immediate durability for fewer, larger
// appends: the data-loss window on crash is bounded by the flush interval.
// The first call for an account records expected as the version the batch
// will commit on top of; further calls accumulate in enqueue order.
func (r *Repository) SaveBatched(id string, expected es.Version, events ...es.Event) error {
	if id == "" {
		return errors.New("account id is empty")
	}
	if len(events) == 0 {
		return es.ErrNoEvents
	}
	r.buffer.enqueue(id, expected, events)
	return nil
}

// FlushAll drains the pending-event buffer once, synchronously, and
// returns the joined errors of all failed aggregates. Failed entries keep
// their usual retry/drop policy, so a second call may retry them.
func (r *Repository) FlushAll(ctx context.Context) error {
	return r.flushCycle(ctx)
}

// StartBatchFlushTask starts the background flush scheduler. It is
// idempotent: calling it again never duplicates the scheduler. The task
// runs until Close.
func (r *Repository) StartBatchFlushTask() {
	if !r.flushStarted.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				// Errors are already counted and logged per aggregate;
				// one aggregate's failure never stops the scheduler.
				_ = r.flushCycle(r.ctx)
			}
		}
	}()
	r.log.Debug("batch flush task started", slog.Duration("interval", r.flushInterval))
}

// StartMetricsReporter starts the periodic metrics summary. Idempotent,
// like StartBatchFlushTask.
func (r *Repository) StartMetricsReporter() {
	if !r.reportStarted.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.log.Info("repository metrics", r.metrics.Snapshot().logAttrs()...)
			}
		}
	}()
}

// Close flushes whatever is still buffered, then stops the background
// tasks. Safe to call more than once.
func (r *Repository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.FlushAll(context.Background())
		r.cancel()
		r.wg.Wait()
		r.log.Info("repository metrics", r.metrics.Snapshot().logAttrs()...)
	})
	return err
}

// flushCycle takes every non-empty buffer entry and commits each as one
// atomic append. The take is atomic with respect to concurrent SaveBatched
// calls: events enqueued during the cycle land in fresh entries for the
// next one.
func (r *Repository) flushCycle(ctx context.Context) error {
	var errs []error
	for id, entry := range r.buffer.take() {
		if err := r.flushEntry(ctx, id, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushEntry commits one buffer entry. Failure policy: version conflicts
// are dropped immediately, because the recorded base version can never
// become valid again once another writer advanced the stream.
// Infrastructure failures requeue the entry, front-merged with anything
// enqueued meanwhile, for up to maxFlushAttempts; after that the events
// are dropped and the loss is logged. Every failure increments the error
// counter.
func (r *Repository) flushEntry(ctx context.Context, id string, entry *bufferEntry) error {
	log := r.log.With(
		slog.String("id", id),
		entry.base.SlogAttrWithKey("base_version"),
		slog.Int("num_events", len(entry.events)),
	)

	envelopes, err := es.Wrap(account.AggregateType, id, entry.base, entry.events...)
	if err != nil {
		r.metrics.Error()
		log.Error("dropping batch, marshal failed", slog.Any("error", err))
		return err
	}

	if _, err := r.store.Append(ctx, account.AggregateType, id, entry.base, envelopes); err != nil {
		r.metrics.Error()
		switch {
		case errors.Is(err, es.ErrVersionConflict):
			r.cache.delete(ctx, id)
			log.Error("dropping conflicted batch", slog.Any("error", err))
		case entry.attempts+1 >= r.maxFlushAttempts:
			log.Error(
				"dropping batch after retries",
				slog.Int("attempts", entry.attempts+1),
				slog.Any("error", err),
			)
		default:
			r.buffer.requeue(id, entry)
			log.Warn(
				"flush failed, requeued",
				slog.Int("attempts", entry.attempts+1),
				slog.Any("error", err),
			)
		}
		return err
	}

	r.metrics.BatchFlush()
	r.metrics.EventsProcessed(len(entry.events))
	r.advanceCache(ctx, id, entry)

	log.Debug("flushed")
	return nil
}

// advanceCache moves the cached state past a committed batch. If the
// cached version is not exactly the batch's base the entry is dropped
// instead, and the next read replays from the log.
func (r *Repository) advanceCache(ctx context.Context, id string, entry *bufferEntry) {
	cached, ok := r.cache.get(id)
	if !ok {
		return
	}
	if cached.Version != entry.base {
		r.cache.delete(ctx, id)
		return
	}
	next, err := cached.Next(entry.events...)
	if err != nil {
		r.cache.delete(ctx, id)
		return
	}
	r.cache.put(ctx, next)
}
