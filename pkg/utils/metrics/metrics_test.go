package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	// 重复注册不报错
	require.NoError(t, m.Register(reg))

	m.RecordFragment(DirectionIn, 100)
	m.RecordFragment(DirectionIn, 50)
	m.RecordMessage(DirectionIn, "cliprdr", 150)
	m.RecordDropped("unknown_channel")
	m.RecordWrite(WriteComplete)
	m.RecordWrite(WriteCancelled)
	m.RecordWrite(WriteComplete)
	m.SetStaticChannels(3)
	m.SetDynamicChannels(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FragmentsTotal.WithLabelValues(DirectionIn)))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.FragmentBytes.WithLabelValues(DirectionIn)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues(DirectionIn, "cliprdr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedTotal.WithLabelValues("unknown_channel")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues(WriteComplete)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaticChannels))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DynamicChannels))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFragment(DirectionOut, 1)
		m.RecordMessage(DirectionOut, "x", 1)
		m.RecordDropped("x")
		m.RecordWrite(WriteComplete)
		m.SetStaticChannels(1)
		m.SetDynamicChannels(1)
	})
}
