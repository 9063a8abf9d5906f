package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_RecordsPerChannel(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(registry)
	require.NoError(t, err)

	a := collector.Scope("a")
	b := collector.Scope("b")
	a.EventDropped("bottom", "data", ReasonTransport)
	a.EventDropped("bottom", "data", ReasonTransport)
	b.EventDropped("bottom", "data", ReasonTransport)
	a.MessageDelivered("regular")
	a.PendingMessages(7)
	a.PrimaryCounter(3)

	require.Equal(t, 2.0, testutil.ToFloat64(collector.dropped.WithLabelValues("a", "bottom", "data", ReasonTransport)))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.dropped.WithLabelValues("b", "bottom", "data", ReasonTransport)))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.delivered.WithLabelValues("a", "regular")))
	require.Equal(t, 7.0, testutil.ToFloat64(collector.pending.WithLabelValues("a")))
	require.Equal(t, 3.0, testutil.ToFloat64(collector.counter.WithLabelValues("a")))
}

func TestPrometheusCollector_ReusesRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(registry)
	require.NoError(t, err)
	second, err := NewPrometheusCollector(registry)
	require.NoError(t, err)

	first.Scope("x").ViewDelivered(true)
	second.Scope("x").ViewDelivered(true)
	require.Equal(t, 2.0, testutil.ToFloat64(first.views.WithLabelValues("x", "true")))
}
