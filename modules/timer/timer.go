package timer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/c360/taskflow/bus"
	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/module"
	"github.com/c360/taskflow/modules/base"
)

// TypeName is the flow node type the timer registers under
const TypeName = "timer"

// Config holds the node params of a timer
type Config struct {
	// IntervalMS is the tick period in milliseconds
	IntervalMS int `json:"interval_ms" validate:"min=1,max=86400000"`
	// Count stops ticking after this many events; 0 ticks forever
	Count int `json:"count" validate:"min=0"`
	// Immediate fires the first tick on Start instead of after one period
	Immediate bool `json:"immediate"`
	// Payload replaces the default tick document when set
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DefaultConfig returns the params applied before the node's own
func DefaultConfig() Config {
	return Config{IntervalMS: 1000}
}

// Tick is the default event body
type Tick struct {
	Seq int   `json:"seq"`
	At  int64 `json:"at"`
}

var validate = validator.New()

// Timer posts a tick on output port 0 every interval
type Timer struct {
	*base.Base

	mu      sync.Mutex
	config  Config
	cancel  context.CancelFunc
	done    chan struct{}
	fired   int
	running bool
}

// New creates an unconfigured timer publishing on b
func New(b bus.Bus, logger *slog.Logger) *Timer {
	return &Timer{
		Base:   base.New(TypeName, b, logger),
		config: DefaultConfig(),
	}
}

// Configure implements module.Module. Missing fields keep their defaults.
func (t *Timer) Configure(params json.RawMessage) error {
	cfg := DefaultConfig()
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return errors.WrapInvalid(err, "Timer", "Configure", "decode params")
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return errors.WrapInvalid(err, "Timer", "Configure", "validate params")
	}
	if len(cfg.Payload) > 0 && !json.Valid(cfg.Payload) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timer", "Configure", "payload is not valid JSON")
	}

	t.mu.Lock()
	t.config = cfg
	t.mu.Unlock()
	return nil
}

// Start implements module.Module. A stopped timer can be started again and
// continues its sequence.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	go t.run(ctx, t.config, t.done)

	t.Logger().Info("timer started", "event_id", t.EventID(), "interval_ms", t.config.IntervalMS)
	return nil
}

// Stop implements module.Module and waits for the tick loop to exit
func (t *Timer) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	t.Logger().Info("timer stopped", "event_id", t.EventID(), "fired", t.Fired())
	return nil
}

// Fired returns how many ticks were published
func (t *Timer) Fired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *Timer) run(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	if cfg.Immediate && !t.fire(ctx, cfg) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.fire(ctx, cfg) {
				return
			}
		}
	}
}

// fire publishes one tick and reports whether the loop should continue
func (t *Timer) fire(ctx context.Context, cfg Config) bool {
	t.mu.Lock()
	if cfg.Count > 0 && t.fired >= cfg.Count {
		t.mu.Unlock()
		return false
	}
	t.fired++
	seq := t.fired
	t.mu.Unlock()

	payload := []byte(cfg.Payload)
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(Tick{Seq: seq, At: time.Now().UnixMilli()})
		if err != nil {
			t.Logger().Error("encode tick", "error", err)
			return true
		}
	}

	if err := t.Publish(ctx, 0, payload); err != nil && ctx.Err() == nil {
		t.Logger().Warn("tick not delivered", "seq", seq, "error", err)
	}
	return cfg.Count == 0 || seq < cfg.Count
}

// Descriptor returns the registration entry for timers publishing on b
func Descriptor(b bus.Bus, logger *slog.Logger) module.Descriptor {
	return module.Descriptor{
		Instantiate: func() module.Module { return New(b, logger) },
		Destroy: func(m module.Module) {
			if t, ok := m.(*Timer); ok {
				_ = t.Stop()
				if err := t.Release(); err != nil {
					t.Logger().Warn("release subscription", "error", err)
				}
			}
		},
	}
}

// Register adds the timer module type to registry
func Register(registry *module.Registry, b bus.Bus, logger *slog.Logger) error {
	return registry.Register(TypeName, "Posts a tick event on port 0 at a fixed interval", "1.0.0",
		Descriptor(b, logger))
}
