package base

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360/taskflow/bus"
	"github.com/c360/taskflow/errors"
)

// DefaultPostTimeout bounds how long Publish waits on a full mailbox
const DefaultPostTimeout = time.Second

// Base implements the wiring half of module.Module on top of a bus.Bus.
// Modules embed it and add Configure, Start and Stop.
type Base struct {
	name        string
	bus         bus.Bus
	logger      *slog.Logger
	postTimeout time.Duration

	mu      sync.RWMutex
	eventID int
	outputs map[int][]int
	handler bus.Handler
	sub     bus.Subscription
}

// New creates a Base for a module of the given type name. A nil logger
// falls back to slog.Default().
func New(name string, b bus.Bus, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:        name,
		bus:         b,
		logger:      logger.With("component", "module", "module", name),
		postTimeout: DefaultPostTimeout,
		eventID:     -1,
		outputs:     make(map[int][]int),
	}
}

// Name returns the module type name
func (b *Base) Name() string {
	return b.name
}

// Logger returns the module logger
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// SetPostTimeout changes the per-post bound used by Publish
func (b *Base) SetPostTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultPostTimeout
	}
	b.mu.Lock()
	b.postTimeout = d
	b.mu.Unlock()
}

// HandleWith sets the handler that receives events addressed to this
// module. It must be called before SubscribeSet.
func (b *Base) HandleWith(h bus.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// SubscribeSet registers the module on the bus under eventID, replacing an
// earlier registration.
func (b *Base) SubscribeSet(eventID int) error {
	if b.bus == nil {
		return errors.WrapFatal(errors.ErrBusClosed, b.name, "SubscribeSet", "bus check")
	}

	// Unsubscribe waits for an in-flight dispatch, which takes the read lock
	b.mu.Lock()
	prev := b.sub
	b.sub = nil
	b.mu.Unlock()
	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			return errors.Wrap(err, b.name, "SubscribeSet", "drop previous subscription")
		}
	}

	sub, err := b.bus.Register(eventID, b.dispatch)
	if err != nil {
		return errors.Wrap(err, b.name, "SubscribeSet", "register handler")
	}

	b.mu.Lock()
	b.sub = sub
	b.eventID = eventID
	b.mu.Unlock()
	b.logger.Debug("subscribed", "event_id", eventID)
	return nil
}

func (b *Base) dispatch(ctx context.Context, eventID int, payload []byte) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		b.logger.Debug("event ignored", "event_id", eventID, "bytes", len(payload))
		return
	}
	h(ctx, eventID, payload)
}

// PublishSet records the downstream ids for port
func (b *Base) PublishSet(port int, eventIDs []int) error {
	if port < 0 {
		return errors.Invalidf(errors.ErrModuleWiring, b.name, "PublishSet", "negative port %d", port)
	}
	b.mu.Lock()
	b.outputs[port] = slices.Clone(eventIDs)
	b.mu.Unlock()
	return nil
}

// EventID returns the subscribed event id, or -1
func (b *Base) EventID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eventID
}

// Outputs returns a copy of the publication wiring
func (b *Base) Outputs() map[int][]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int][]int, len(b.outputs))
	for _, port := range slices.Sorted(maps.Keys(b.outputs)) {
		out[port] = slices.Clone(b.outputs[port])
	}
	return out
}

// Publish posts payload to every event id wired to port. Every target is
// attempted; the failures are joined.
func (b *Base) Publish(ctx context.Context, port int, payload []byte) error {
	b.mu.RLock()
	targets := slices.Clone(b.outputs[port])
	timeout := b.postTimeout
	b.mu.RUnlock()

	var errs []error
	for _, id := range targets {
		postCtx, cancel := context.WithTimeout(ctx, timeout)
		err := b.bus.Post(postCtx, id, payload)
		cancel()
		if err != nil {
			b.logger.Warn("post failed", "event_id", id, "port", port, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Release drops the bus subscription. Destroy hooks call it.
func (b *Base) Release() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.eventID = -1
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
