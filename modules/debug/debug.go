package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/c360/taskflow/bus"
	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/module"
	"github.com/c360/taskflow/modules/base"
)

// TypeName is the flow node type the debug module registers under
const TypeName = "debug"

// Config holds the node params of a debug sink
type Config struct {
	// Level is the slog level events are logged at
	Level string `json:"level" validate:"oneof=debug info warn error"`
	// MaxBytes truncates the logged payload; 0 logs none of it
	MaxBytes int `json:"max_bytes" validate:"min=0,max=65536"`
	// Keep is how many recent events Received returns
	Keep int `json:"keep" validate:"min=0,max=4096"`
	// Forward republishes every event on output port 0
	Forward bool `json:"forward"`
}

// DefaultConfig returns the params applied before the node's own
func DefaultConfig() Config {
	return Config{Level: "info", MaxBytes: 256, Keep: 32}
}

// Event is one observed bus event
type Event struct {
	EventID    int
	Payload    []byte
	ReceivedAt time.Time
}

// Sink observes every event a debug module receives while started
type Sink func(Event)

var validate = validator.New()

// Debug logs every event addressed to it
type Debug struct {
	*base.Base
	sink Sink

	mu       sync.Mutex
	config   Config
	level    slog.Level
	running  bool
	recent   []Event
	received int
}

// New creates a debug module subscribed through b. sink may be nil.
func New(b bus.Bus, logger *slog.Logger, sink Sink) *Debug {
	d := &Debug{
		Base:   base.New(TypeName, b, logger),
		sink:   sink,
		config: DefaultConfig(),
		level:  slog.LevelInfo,
	}
	d.HandleWith(d.handle)
	return d
}

// Configure implements module.Module
func (d *Debug) Configure(params json.RawMessage) error {
	cfg := DefaultConfig()
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return errors.WrapInvalid(err, "Debug", "Configure", "decode params")
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return errors.WrapInvalid(err, "Debug", "Configure", "validate params")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return errors.WrapInvalid(err, "Debug", "Configure", "parse level")
	}

	d.mu.Lock()
	d.config = cfg
	d.level = level
	d.mu.Unlock()
	return nil
}

// Start implements module.Module
func (d *Debug) Start() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

// Stop implements module.Module. Events arriving while stopped are dropped.
func (d *Debug) Stop() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Received returns the most recent events, oldest first
func (d *Debug) Received() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.recent)
}

// Count returns how many events were handled while started
func (d *Debug) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

func (d *Debug) handle(ctx context.Context, eventID int, payload []byte) {
	ev := Event{EventID: eventID, Payload: slices.Clone(payload), ReceivedAt: time.Now()}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cfg, level := d.config, d.level
	d.received++
	if cfg.Keep > 0 {
		d.recent = append(d.recent, ev)
		if over := len(d.recent) - cfg.Keep; over > 0 {
			d.recent = slices.Delete(d.recent, 0, over)
		}
	}
	d.mu.Unlock()

	attrs := []any{"event_id", eventID, "bytes", len(payload)}
	if cfg.MaxBytes > 0 {
		shown := payload
		if len(shown) > cfg.MaxBytes {
			shown = shown[:cfg.MaxBytes]
		}
		attrs = append(attrs, "payload", string(shown))
	}
	d.Logger().Log(ctx, level, "event received", attrs...)

	if d.sink != nil {
		d.sink(ev)
	}
	if cfg.Forward {
		if err := d.Publish(ctx, 0, payload); err != nil {
			d.Logger().Warn("forward failed", "event_id", eventID, "error", err)
		}
	}
}

// Descriptor returns the registration entry for debug modules on b
func Descriptor(b bus.Bus, logger *slog.Logger, sink Sink) module.Descriptor {
	return module.Descriptor{
		Instantiate: func() module.Module { return New(b, logger, sink) },
		Destroy: func(m module.Module) {
			if d, ok := m.(*Debug); ok {
				if err := d.Release(); err != nil {
					d.Logger().Warn("release subscription", "error", err)
				}
			}
		},
	}
}

// Register adds the debug module type to registry
func Register(registry *module.Registry, b bus.Bus, logger *slog.Logger, sink Sink) error {
	return registry.Register(TypeName, "Logs every event it receives", "1.0.0",
		Descriptor(b, logger, sink))
}
