package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/taskflow/errors"
)

// DefaultMailboxSize is the per-handler queue depth
const DefaultMailboxSize = 16

// gate holds delivery while closed. open is closed (readable) when delivery
// may proceed.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

type message struct {
	eventID int
	payload []byte
}

// mailbox runs one handler on its own goroutine fed by a bounded queue
type mailbox struct {
	eventID int
	handler Handler
	queue   chan message
	gate    *gate
	logger  *slog.Logger
	metrics *busMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered *atomic.Uint64
	onClose   func(*mailbox)
	closeOnce sync.Once
}

func (m *mailbox) EventID() int {
	return m.eventID
}

func (m *mailbox) start() {
	go m.run()
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.queue:
			select {
			case <-m.gate.wait():
			case <-m.ctx.Done():
				return
			}
			m.deliver(msg)
		}
	}
}

func (m *mailbox) deliver(msg message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				"event_id", msg.eventID, "panic", fmt.Sprint(r))
			m.metrics.recordPanic()
		}
	}()
	m.handler(m.ctx, msg.eventID, msg.payload)
	if m.delivered != nil {
		m.delivered.Add(1)
	}
	m.metrics.recordDelivered()
}

// enqueue blocks while the queue is full, bounded by ctx.
func (m *mailbox) enqueue(ctx context.Context, msg message) error {
	select {
	case m.queue <- msg:
		return nil
	default:
	}

	select {
	case m.queue <- msg:
		return nil
	case <-m.ctx.Done():
		// Unsubscribed while waiting; the event has nowhere to go
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(
			fmt.Errorf("event %d: %w", msg.eventID, errors.ErrMailboxFull),
			"bus", "Post", "enqueue event")
	}
}

// Unsubscribe implements Subscription
func (m *mailbox) Unsubscribe() error {
	m.closeOnce.Do(func() {
		if m.onClose != nil {
			m.onClose(m)
		}
		m.cancel()
		<-m.done
	})
	return nil
}
