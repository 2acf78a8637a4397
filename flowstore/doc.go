// Package flowstore persists the last successfully built flow document so a
// restarted daemon can bring the same graph back up.
//
// Two implementations share the Store interface:
//
//   - MemoryStore keeps the record in process memory (tests, store.kind=memory)
//   - KVStore writes it to a NATS JetStream KV bucket under a single key
//
// The engine stores the simplified document (see flow.Simplify), so sensitive
// params such as embedded alarm audio never reach the bucket.
package flowstore
