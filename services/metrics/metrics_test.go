package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *ProbeMetrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg)
}

func TestNewRegistersAllMetrics(t *testing.T) {
	m := newTestMetrics(t)
	require.NotNil(t, m.ProbesTotal)
	require.NotNil(t, m.LoadDurationSeconds)
	require.NotNil(t, m.InferenceDurationSeconds)
	require.NotNil(t, m.EligibleModels)
	require.NotNil(t, m.FleetPassesTotal)
	require.NotNil(t, m.TestedMaxContext)
}

func TestRecordProbeByClass(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordProbe("qwen3-30b", "success")
	m.RecordProbe("qwen3-30b", "success")
	m.RecordProbe("qwen3-30b", "bad_load")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("qwen3-30b", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("qwen3-30b", "bad_load")))
}

func TestRecordLoadAndInferenceDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLoadDuration("qwen3-30b", 2.5)
	m.RecordInferenceDuration("qwen3-30b", 0.8)

	assert.Equal(t, 1, testutil.CollectAndCount(m.LoadDurationSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InferenceDurationSeconds))
}

func TestEligibleModelsGaugeTracksFleetProgress(t *testing.T) {
	m := newTestMetrics(t)

	m.SetEligibleModels(12)
	assert.Equal(t, float64(12), testutil.ToFloat64(m.EligibleModels))

	m.SetEligibleModels(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EligibleModels))
}

func TestRecordFleetPassIncrementsCounter(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordFleetPass()
	m.RecordFleetPass()
	m.RecordFleetPass()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.FleetPassesTotal))
}

func TestSetTestedMaxContextPerModel(t *testing.T) {
	m := newTestMetrics(t)

	m.SetTestedMaxContext("qwen3-30b", 29696)
	m.SetTestedMaxContext("phi-4", 16384)

	assert.Equal(t, float64(29696), testutil.ToFloat64(m.TestedMaxContext.WithLabelValues("qwen3-30b")))
	assert.Equal(t, float64(16384), testutil.ToFloat64(m.TestedMaxContext.WithLabelValues("phi-4")))
}
