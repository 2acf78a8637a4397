// Package metric provides the Prometheus registry and HTTP endpoint used by
// the task-flow daemon.
//
// Packages that publish metrics receive a *MetricsRegistry (or nil to turn
// metrics off) and register their collectors under a "service.metric" key:
//
//	registry := metric.NewMetricsRegistry()
//	err := registry.RegisterCounterVec("engine", "builds", builds)
//
// Registering the same key twice fails with an invalid error wrapping
// errors.ErrAlreadyExists. Server exposes /metrics and /healthz.
package metric
