package bus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/taskflow/metric"
)

// busMetrics holds Prometheus metrics for event delivery. A nil *busMetrics
// records nothing.
type busMetrics struct {
	posted        prometheus.Counter
	delivered     prometheus.Counter
	dropped       *prometheus.CounterVec // By reason (unrouted, mailbox_full, decode)
	panics        prometheus.Counter
	subscriptions prometheus.Gauge
}

func newBusMetrics(registry *metric.MetricsRegistry, kind string) (*busMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"kind": kind}
	posted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "events_posted_total",
		Help:      "Total number of events posted to the bus",
	}, []string{"kind"})
	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "events_delivered_total",
		Help:      "Total number of handler invocations",
	}, []string{"kind"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "taskflow",
		Subsystem:   "bus",
		Name:        "events_dropped_total",
		Help:        "Total number of events not delivered",
		ConstLabels: labels,
	}, []string{"reason"})
	panics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "handler_panics_total",
		Help:      "Total number of recovered handler panics",
	}, []string{"kind"})
	subscriptions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "subscriptions",
		Help:      "Current number of registered handlers",
	}, []string{"kind"})

	if err := registry.RegisterCounterVec("bus", "events_posted", posted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("bus", "events_delivered", delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("bus", "events_dropped", dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("bus", "handler_panics", panics); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("bus", "subscriptions", subscriptions); err != nil {
		return nil, err
	}

	return &busMetrics{
		posted:        posted.With(labels),
		delivered:     delivered.With(labels),
		dropped:       dropped,
		panics:        panics.With(labels),
		subscriptions: subscriptions.With(labels),
	}, nil
}

func (m *busMetrics) recordPosted() {
	if m != nil {
		m.posted.Inc()
	}
}

func (m *busMetrics) recordDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *busMetrics) recordDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *busMetrics) recordPanic() {
	if m != nil {
		m.panics.Inc()
	}
}

func (m *busMetrics) setSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}
