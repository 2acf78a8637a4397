package bus

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/natsclient"
)

// DefaultSubjectPrefix prefixes every subject used by the NATS bus
const DefaultSubjectPrefix = "taskflow"

// NATSBus carries events over NATS subjects so modules in other processes
// can take part in a flow. Locally each handler still gets its own bounded
// mailbox, which keeps Unsubscribe synchronous and lets the bus be gated.
type NATSBus struct {
	client *natsclient.Client
	prefix string
	origin string

	mu     sync.Mutex
	subs   map[*mailbox]*nats.Subscription
	closed bool

	mailboxSize int
	gate        *gate
	logger      *slog.Logger
	metrics     *busMetrics

	ctx    context.Context
	cancel context.CancelFunc

	posted    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNATSBus creates a bus on top of a connected client. origin tags
// outgoing envelopes for tracing.
func NewNATSBus(client *natsclient.Client, prefix, origin string, opts ...Option) (*NATSBus, error) {
	if client == nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "bus", "NewNATSBus", "nats client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	o := buildOptions(opts)

	metrics, err := newBusMetrics(o.registry, "nats")
	if err != nil {
		return nil, errors.WrapFatal(err, "bus", "NewNATSBus", "register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		client:      client,
		prefix:      prefix,
		origin:      origin,
		subs:        make(map[*mailbox]*nats.Subscription),
		mailboxSize: o.mailboxSize,
		gate:        newGate(),
		logger:      o.logger.With("component", "bus", "kind", "nats"),
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Post implements Bus. Delivery to remote handlers is at most once.
func (b *NATSBus) Post(ctx context.Context, eventID int, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.WrapFatal(errors.ErrBusClosed, "bus", "Post", "closed check")
	}

	data, err := encodeEnvelope(eventID, payload, b.origin)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, eventSubject(b.prefix, eventID), data); err != nil {
		return errors.WrapTransient(err, "bus", "Post", "publish event")
	}
	b.posted.Add(1)
	b.metrics.recordPosted()
	return nil
}

// Register implements Bus
func (b *NATSBus) Register(eventID int, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "bus", "Register", "nil handler for event %d", eventID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapFatal(errors.ErrBusClosed, "bus", "Register", "closed check")
	}

	mctx, cancel := context.WithCancel(b.ctx)
	mb := &mailbox{
		eventID:   eventID,
		handler:   h,
		queue:     make(chan message, b.mailboxSize),
		gate:      b.gate,
		logger:    b.logger,
		metrics:   b.metrics,
		ctx:       mctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		delivered: &b.delivered,
	}

	sub, err := b.client.Subscribe(mctx, eventSubject(b.prefix, eventID), func(ctx context.Context, data []byte) {
		env, err := decodeEnvelope(data)
		if err != nil {
			b.logger.Warn("dropping malformed event", "event_id", eventID, "error", err)
			b.dropped.Add(1)
			b.metrics.recordDropped("decode")
			return
		}
		if err := mb.enqueue(ctx, message{eventID: env.EventID, payload: env.Payload}); err != nil {
			b.dropped.Add(1)
			b.metrics.recordDropped("mailbox_full")
			b.logger.Warn("mailbox full, event dropped", "event_id", eventID)
		}
	})
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(err, "bus", "Register", "subscribe event subject")
	}

	mb.onClose = b.remove
	b.subs[mb] = sub
	b.metrics.setSubscriptions(len(b.subs))
	mb.start()
	return mb, nil
}

func (b *NATSBus) remove(mb *mailbox) {
	b.mu.Lock()
	sub, ok := b.subs[mb]
	delete(b.subs, mb)
	b.metrics.setSubscriptions(len(b.subs))
	b.mu.Unlock()

	if ok && sub != nil {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn("unsubscribe failed", "event_id", mb.eventID, "error", err)
		}
	}
}

// Hold implements Gate
func (b *NATSBus) Hold() {
	b.gate.hold()
}

// Release implements Gate
func (b *NATSBus) Release() {
	b.gate.release()
}

// Stats returns a snapshot of the bus counters
func (b *NATSBus) Stats() Stats {
	b.mu.Lock()
	subs := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Posted:        b.posted.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: subs,
	}
}

// Close implements Bus. The NATS connection stays open; it belongs to the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*mailbox, 0, len(b.subs))
	for mb := range b.subs {
		all = append(all, mb)
	}
	b.mu.Unlock()

	slices.SortFunc(all, func(x, y *mailbox) int { return x.eventID - y.eventID })
	for _, mb := range all {
		_ = mb.Unsubscribe()
	}
	b.cancel()
	b.gate.release()
	return nil
}
