// Package prometheus exports the repository's counters to a Prometheus
// registry. Wire it with bank.WithObserver; the repository's own atomic
// counters keep running either way.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/banking-es-go/core/bank"
)

// repoObserver implements bank.Observer on Prometheus counters.
type repoObserver struct {
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	batchFlushes    prometheus.Counter
	eventsProcessed prometheus.Counter
	errors          prometheus.Counter
}

// NewRepoObserver creates the Prometheus implementation of bank.Observer
// and registers its collectors with reg.
func NewRepoObserver(reg prometheus.Registerer) bank.Observer {
	m := &repoObserver{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bank_repo_cache_hits_total",
			Help: "Total number of state cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bank_repo_cache_misses_total",
			Help: "Total number of state cache misses",
		}),
		batchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bank_repo_batch_flushes_total",
			Help: "Total number of committed batch flushes",
		}),
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bank_repo_events_processed_total",
			Help: "Total number of events committed to the log",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bank_repo_errors_total",
			Help: "Total number of failed operations (conflicts included)",
		}),
	}

	reg.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.batchFlushes,
		m.eventsProcessed,
		m.errors,
	)

	return m
}

func (m *repoObserver) CacheHit()   { m.cacheHits.Inc() }
func (m *repoObserver) CacheMiss()  { m.cacheMisses.Inc() }
func (m *repoObserver) BatchFlush() { m.batchFlushes.Inc() }

func (m *repoObserver) EventsProcessed(count int) {
	m.eventsProcessed.Add(float64(count))
}

func (m *repoObserver) Error() { m.errors.Inc() }

var _ bank.Observer = (*repoObserver)(nil)
