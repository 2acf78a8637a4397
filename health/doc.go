// Package health aggregates the health of the daemon's parts (engine, NATS
// connection) into one status for the /healthz probe.
//
//	monitor := health.NewMonitor()
//	monitor.Update("engine", health.NewHealthy("engine", "running"))
//	monitor.Update("nats", health.NewUnhealthy("nats", "disconnected"))
//
//	status := monitor.AggregateHealth("taskflowd") // unhealthy
package health
