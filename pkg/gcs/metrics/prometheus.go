package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gcs"
	subsystem = "channel"

	LabelChannel = "channel"
	LabelLayer   = "layer"
	LabelKind    = "kind"
	LabelReason  = "reason"
	LabelStage   = "stage"
	LabelPrimary = "primary"
)

// PrometheusCollector exports the channel metrics through the registerer.
type PrometheusCollector struct {
	handled   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	views     *prometheus.CounterVec
	pending   *prometheus.GaugeVec
	counter   *prometheus.GaugeVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the metric vectors and registers them.
// Vectors already registered by a previous collector are reused.
func NewPrometheusCollector(registerer prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_handled_total",
			Help:      "the number of events handled by each layer",
		}, []string{LabelChannel, LabelLayer, LabelKind}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "the number of events dropped, by reason",
		}, []string{LabelChannel, LabelLayer, LabelKind, LabelReason}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_delivered_total",
			Help:      "the number of messages delivered on each stage",
		}, []string{LabelChannel, LabelStage}),
		views: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "views_delivered_total",
			Help:      "the number of views delivered to the application",
		}, []string{LabelChannel, LabelPrimary}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_messages",
			Help:      "the number of messages waiting for the total order",
		}, []string{LabelChannel}),
		counter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "primary_counter",
			Help:      "the number of primary views delivered",
		}, []string{LabelChannel}),
	}

	var err error
	if c.handled, err = registerCounter(registerer, c.handled); err != nil {
		return nil, err
	}
	if c.dropped, err = registerCounter(registerer, c.dropped); err != nil {
		return nil, err
	}
	if c.delivered, err = registerCounter(registerer, c.delivered); err != nil {
		return nil, err
	}
	if c.views, err = registerCounter(registerer, c.views); err != nil {
		return nil, err
	}
	if c.pending, err = registerGauge(registerer, c.pending); err != nil {
		return nil, err
	}
	if c.counter, err = registerGauge(registerer, c.counter); err != nil {
		return nil, err
	}
	return c, nil
}

func registerCounter(registerer prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := registerer.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(registerer prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := registerer.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

// Implements the Collector interface.
func (c *PrometheusCollector) Scope(channel string) Scope {
	return &prometheusScope{collector: c, channel: channel}
}

type prometheusScope struct {
	collector *PrometheusCollector
	channel   string
}

func (s *prometheusScope) EventHandled(layer string, kind string) {
	s.collector.handled.WithLabelValues(s.channel, layer, kind).Inc()
}

func (s *prometheusScope) EventDropped(layer string, kind string, reason string) {
	s.collector.dropped.WithLabelValues(s.channel, layer, kind, reason).Inc()
}

func (s *prometheusScope) MessageDelivered(stage string) {
	s.collector.delivered.WithLabelValues(s.channel, stage).Inc()
}

func (s *prometheusScope) ViewDelivered(primary bool) {
	s.collector.views.WithLabelValues(s.channel, strconv.FormatBool(primary)).Inc()
}

func (s *prometheusScope) PendingMessages(n int) {
	s.collector.pending.WithLabelValues(s.channel).Set(float64(n))
}

func (s *prometheusScope) PrimaryCounter(counter uint64) {
	s.collector.counter.WithLabelValues(s.channel).Set(float64(counter))
}
