package flowengine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/taskflow/metric"
)

// engineMetrics holds Prometheus metrics for the engine worker. A nil
// *engineMetrics records nothing.
type engineMetrics struct {
	submissions   *prometheus.CounterVec   // By outcome (queued, queue_full, refused_busy)
	builds        *prometheus.CounterVec   // By status name
	buildDuration *prometheus.HistogramVec // By result (success, failure)
	teardowns     prometheus.Counter
	moduleStatus  *prometheus.CounterVec // By module and status name
	status        prometheus.Gauge       // Current status code
	activeNodes   prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	teardowns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "teardowns_total",
		Help:      "Total number of graph teardowns",
	}, nil)
	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "status",
		Help:      "Current engine status code",
	}, nil)
	activeNodes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "active_nodes",
		Help:      "Number of nodes in the active graph",
	}, nil)

	m := &engineMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "submissions_total",
			Help:      "Total number of flow submissions",
		}, []string{"outcome"}),

		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "builds_total",
			Help:      "Total number of processed flows by resulting status",
		}, []string{"status"}),

		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "build_duration_seconds",
			Help:      "Time from dequeue to running graph or failure",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"result"}),

		moduleStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "module_status_total",
			Help:      "Total number of abnormal module status reports",
		}, []string{"module", "status"}),

		teardowns:   teardowns.WithLabelValues(),
		status:      status.WithLabelValues(),
		activeNodes: activeNodes.WithLabelValues(),
	}

	if err := registry.RegisterCounterVec("engine", "submissions", m.submissions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "builds", m.builds); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "build_duration", m.buildDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "teardowns", teardowns); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "module_status", m.moduleStatus); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("engine", "status", status); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("engine", "active_nodes", activeNodes); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) recordSubmission(outcome string) {
	if m != nil {
		m.submissions.WithLabelValues(outcome).Inc()
	}
}

func (m *engineMetrics) recordBuild(status Status, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if status != StatusRunning {
		result = "failure"
	}
	m.builds.WithLabelValues(status.String()).Inc()
	m.buildDuration.WithLabelValues(result).Observe(seconds)
}

func (m *engineMetrics) recordTeardown() {
	if m != nil {
		m.teardowns.Inc()
		m.activeNodes.Set(0)
	}
}

func (m *engineMetrics) recordModuleStatus(moduleName string, status Status) {
	if m != nil {
		m.moduleStatus.WithLabelValues(moduleName, status.String()).Inc()
	}
}

func (m *engineMetrics) setStatus(status Status) {
	if m != nil {
		m.status.Set(float64(status))
	}
}

func (m *engineMetrics) setActiveNodes(n int) {
	if m != nil {
		m.activeNodes.Set(float64(n))
	}
}
