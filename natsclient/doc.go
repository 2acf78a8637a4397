// Package natsclient wraps a single NATS connection for the task-flow daemon.
//
// The Client adds a small circuit breaker in front of Connect, structured
// logging of connection transitions and a health callback used by the
// daemon's /healthz endpoint. KVStore wraps a JetStream key-value bucket with
// timeouts and classified errors; flowstore builds on it.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("taskflowd"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// NewTestClient starts a disposable NATS container through testcontainers-go
// for integration tests (build tag "integration").
package natsclient
