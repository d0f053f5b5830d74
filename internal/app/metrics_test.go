package app

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.cycleCompleted(&CycleResult{})
		m.setPendingConflicts(3)
		m.conflictResolved("keep_remote")
		m.triggerSkipped()
	})
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.cycleCompleted(&CycleResult{
		StartedAt:   testNow,
		CompletedAt: testNow.Add(2 * time.Second),
		Pushed:      2,
	})

	count, err := testutil.GatherAndCount(reg, "quotesync_sync_cycles_total", "quotesync_sync_pushes_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "one cycle series and three push series")

	assert.InDelta(t, float64(testNow.Add(2*time.Second).Unix()), testutil.ToFloat64(m.lastSync), 0)
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	assert.Panics(t, func() { NewMetrics(reg) })
}
