package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/metric"
)

// MemoryBus delivers events inside the process. Each handler owns a bounded
// mailbox drained by a dedicated goroutine, so a slow handler only delays
// its own events.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int][]*mailbox
	closed   bool

	mailboxSize int
	gate        *gate
	logger      *slog.Logger
	metrics     *busMetrics

	ctx    context.Context
	cancel context.CancelFunc

	posted    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	unrouted  atomic.Uint64
}

// Option configures a bus
type Option func(*options)

type options struct {
	mailboxSize int
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
}

// WithMailboxSize sets the per-handler queue depth
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailboxSize = n
		}
	}
}

// WithLogger sets the logger used for handler panics
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers bus metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

func buildOptions(opts []Option) options {
	o := options{mailboxSize: DefaultMailboxSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts ...Option) (*MemoryBus, error) {
	o := buildOptions(opts)

	metrics, err := newBusMetrics(o.registry, "memory")
	if err != nil {
		return nil, errors.WrapFatal(err, "bus", "NewMemoryBus", "register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		handlers:    make(map[int][]*mailbox),
		mailboxSize: o.mailboxSize,
		gate:        newGate(),
		logger:      o.logger.With("component", "bus"),
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Post implements Bus. An event with no handlers is counted and dropped.
func (b *MemoryBus) Post(ctx context.Context, eventID int, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.WrapFatal(errors.ErrBusClosed, "bus", "Post", "closed check")
	}
	targets := slices.Clone(b.handlers[eventID])
	b.mu.RUnlock()

	b.posted.Add(1)
	b.metrics.recordPosted()

	if len(targets) == 0 {
		b.unrouted.Add(1)
		b.metrics.recordDropped("unrouted")
		return nil
	}

	msg := message{eventID: eventID, payload: slices.Clone(payload)}
	for _, mb := range targets {
		if err := mb.enqueue(ctx, msg); err != nil {
			b.dropped.Add(1)
			b.metrics.recordDropped("mailbox_full")
			return err
		}
	}
	return nil
}

// Register implements Bus
func (b *MemoryBus) Register(eventID int, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "bus", "Register", "nil handler for event %d", eventID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapFatal(errors.ErrBusClosed, "bus", "Register", "closed check")
	}

	mb := b.newMailbox(eventID, h)
	mb.onClose = b.remove
	b.handlers[eventID] = append(b.handlers[eventID], mb)
	b.metrics.setSubscriptions(b.countLocked())
	mb.start()
	return mb, nil
}

func (b *MemoryBus) newMailbox(eventID int, h Handler) *mailbox {
	ctx, cancel := context.WithCancel(b.ctx)
	return &mailbox{
		eventID:   eventID,
		handler:   h,
		queue:     make(chan message, b.mailboxSize),
		gate:      b.gate,
		logger:    b.logger,
		metrics:   b.metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		delivered: &b.delivered,
	}
}

func (b *MemoryBus) remove(mb *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[mb.eventID]
	if i := slices.Index(list, mb); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(b.handlers, mb.eventID)
	} else {
		b.handlers[mb.eventID] = list
	}
	b.metrics.setSubscriptions(b.countLocked())
}

func (b *MemoryBus) countLocked() int {
	n := 0
	for _, list := range b.handlers {
		n += len(list)
	}
	return n
}

// Hold implements Gate
func (b *MemoryBus) Hold() {
	b.gate.hold()
}

// Release implements Gate
func (b *MemoryBus) Release() {
	b.gate.release()
}

// Stats returns a snapshot of the bus counters
func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	subs := b.countLocked()
	b.mu.RUnlock()
	return Stats{
		Posted:        b.posted.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Unrouted:      b.unrouted.Load(),
		Subscriptions: subs,
	}
}

// Close implements Bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*mailbox
	for _, list := range b.handlers {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, mb := range all {
		_ = mb.Unsubscribe()
	}
	b.cancel()
	b.gate.release()
	return nil
}
