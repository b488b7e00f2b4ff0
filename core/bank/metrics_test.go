package bank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingObserver struct {
	hits, misses, flushes, events, errs int
}

func (r *recordingObserver) CacheHit()             { r.hits++ }
func (r *recordingObserver) CacheMiss()            { r.misses++ }
func (r *recordingObserver) BatchFlush()           { r.flushes++ }
func (r *recordingObserver) EventsProcessed(n int) { r.events += n }
func (r *recordingObserver) Error()                { r.errs++ }

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics(nil)

	m.CacheHit()
	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.BatchFlush()
	m.EventsProcessed(4)
	m.Error()

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.CacheHits)
	assert.EqualValues(t, 1, snap.CacheMisses)
	assert.EqualValues(t, 1, snap.BatchFlushes)
	assert.EqualValues(t, 4, snap.EventsProcessed)
	assert.EqualValues(t, 1, snap.Errors)
	assert.InDelta(t, 75.0, snap.HitRate(), 0.001)
}

func TestMetrics_HitRateNoObservations(t *testing.T) {
	assert.Zero(t, MetricsSnapshot{}.HitRate())
}

func TestMetrics_ObserverForwarding(t *testing.T) {
	obs := &recordingObserver{}
	m := NewMetrics(obs)

	m.CacheHit()
	m.CacheMiss()
	m.BatchFlush()
	m.EventsProcessed(7)
	m.Error()

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 1, obs.flushes)
	assert.Equal(t, 7, obs.events)
	assert.Equal(t, 1, obs.errs)
}
