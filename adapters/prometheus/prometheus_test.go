package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRepoObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRepoObserver(reg)

	require.NotNil(t, m)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.BatchFlush()
	m.EventsProcessed(5)
	m.Error()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	values := make(map[string]float64)
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			values[mf.GetName()] = metric.GetCounter().GetValue()
		}
	}

	assert.Equal(t, 2.0, values["bank_repo_cache_hits_total"])
	assert.Equal(t, 1.0, values["bank_repo_cache_misses_total"])
	assert.Equal(t, 1.0, values["bank_repo_batch_flushes_total"])
	assert.Equal(t, 5.0, values["bank_repo_events_processed_total"])
	assert.Equal(t, 1.0, values["bank_repo_errors_total"])
}
