package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestDispatch_ObserveIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := NewDispatch(reg)

	d.Observe("s1", "order.created", OutcomeAcked, 0.02)
	d.Observe("s1", "order.created", OutcomeAcked, 0.03)
	d.Observe("s1", "order.created", OutcomeFailed, 0.01)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var counter, histogram *dto.MetricFamily
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "dispatch_messages_total":
			counter = mf
		case "dispatch_duration_seconds":
			histogram = mf
		}
	}
	require.NotNil(t, counter)
	require.NotNil(t, histogram)

	var ackedCount float64
	for _, m := range counter.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == "acked" {
				ackedCount = m.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, float64(2), ackedCount)

	var sampleCount uint64
	for _, m := range histogram.GetMetric() {
		sampleCount += m.GetHistogram().GetSampleCount()
	}
	require.Equal(t, uint64(3), sampleCount)
}
