package bank

import (
	"log/slog"
	"sync/atomic"
)

// Observer receives repository metric increments as they happen. It lets an
// external backend (Prometheus, StatsD) mirror the counters without the
// repository depending on one; implementations must be safe for concurrent
// use.
type Observer interface {
	CacheHit()
	CacheMiss()
	BatchFlush()
	EventsProcessed(count int)
	Error()
}

type nopObserver struct{}

func (nopObserver) CacheHit()           {}
func (nopObserver) CacheMiss()          {}
func (nopObserver) BatchFlush()         {}
func (nopObserver) EventsProcessed(int) {}
func (nopObserver) Error()              {}

// NopObserver returns an Observer that does nothing.
func NopObserver() Observer { return nopObserver{} }

// Metrics holds the repository's monotonic counters. Counters only go up
// for the lifetime of the process; there is no reset.
type Metrics struct {
	observer Observer

	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	batchFlushes    atomic.Uint64
	eventsProcessed atomic.Uint64
	errors          atomic.Uint64
}

func NewMetrics(observer Observer) *Metrics {
	if observer == nil {
		observer = NopObserver()
	}
	return &Metrics{observer: observer}
}

func (m *Metrics) CacheHit() {
	m.cacheHits.Add(1)
	m.observer.CacheHit()
}

func (m *Metrics) CacheMiss() {
	m.cacheMisses.Add(1)
	m.observer.CacheMiss()
}

func (m *Metrics) BatchFlush() {
	m.batchFlushes.Add(1)
	m.observer.BatchFlush()
}

func (m *Metrics) EventsProcessed(count int) {
	m.eventsProcessed.Add(uint64(count))
	m.observer.EventsProcessed(count)
}

func (m *Metrics) Error() {
	m.errors.Add(1)
	m.observer.Error()
}

// MetricsSnapshot is a point-in-time read of all counters.
type MetricsSnapshot struct {
	CacheHits       uint64
	CacheMisses     uint64
	BatchFlushes    uint64
	EventsProcessed uint64
	Errors          uint64
}

// HitRate returns the cache hit rate in percent, 0 when there have been no
// observations yet.
func (s MetricsSnapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		BatchFlushes:    m.batchFlushes.Load(),
		EventsProcessed: m.eventsProcessed.Load(),
		Errors:          m.errors.Load(),
	}
}

func (s MetricsSnapshot) logAttrs() []any {
	return []any{
		slog.Float64("cache_hit_rate_pct", s.HitRate()),
		slog.Uint64("cache_hits", s.CacheHits),
		slog.Uint64("cache_misses", s.CacheMisses),
		slog.Uint64("batch_flushes", s.BatchFlushes),
		slog.Uint64("events_processed", s.EventsProcessed),
		slog.Uint64("errors", s.Errors),
	}
}
