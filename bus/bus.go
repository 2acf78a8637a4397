package bus

import (
	"context"
)

// Handler consumes one event. ctx is cancelled when the subscription or the
// bus goes away. payload is shared between handlers of the same event and
// must be treated as read-only.
type Handler func(ctx context.Context, eventID int, payload []byte)

// Subscription is a registered handler
type Subscription interface {
	// EventID returns the event id the handler is registered for
	EventID() int
	// Unsubscribe removes the handler and waits for an in-flight call to
	// return. It must not be called from the handler itself.
	Unsubscribe() error
}

// Bus routes payloads posted to an integer event id to every handler
// registered for that id.
type Bus interface {
	// Post queues payload for every handler of eventID. It blocks while a
	// mailbox is full, up to ctx's deadline.
	Post(ctx context.Context, eventID int, payload []byte) error
	// Register installs h for eventID. Several handlers may share an id.
	Register(eventID int, h Handler) (Subscription, error)
	// Close unsubscribes every handler and rejects further use
	Close() error
}

// Gate is implemented by buses that can hold delivery. Events posted while
// held are queued and delivered after Release.
type Gate interface {
	Hold()
	Release()
}

// Stats is a snapshot of bus counters
type Stats struct {
	Posted        uint64
	Delivered     uint64
	Dropped       uint64
	Unrouted      uint64
	Subscriptions int
}
