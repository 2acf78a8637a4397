// Package bus is the event bus modules of a flow talk over.
//
// Events are addressed by integer id: a node subscribes to its own id and
// publishes to the ids listed in its wires. Every registered Handler has a
// private bounded mailbox drained by its own goroutine. Post blocks while a
// target mailbox is full and gives up with errors.ErrMailboxFull when the
// caller's context expires.
//
// Two implementations are provided:
//
//   - MemoryBus for modules inside one process
//   - NATSBus, which carries msgpack envelopes on "<prefix>.event.<id>"
//     subjects through natsclient
//
// Both implement Gate. The engine holds the gate while it builds a graph so
// no handler runs before every node has started.
//
//	b, _ := bus.NewMemoryBus(bus.WithMailboxSize(32))
//	sub, _ := b.Register(20, func(ctx context.Context, id int, payload []byte) {
//		log.Printf("event %d: %s", id, payload)
//	})
//	defer sub.Unsubscribe()
//	_ = b.Post(ctx, 20, []byte("hello"))
package bus
