// Package moduleregistry registers the module types built into taskflow.
package moduleregistry

import (
	"errors"
	"log/slog"

	"github.com/c360/taskflow/bus"
	pkgerrors "github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/module"
	"github.com/c360/taskflow/modules/debug"
	"github.com/c360/taskflow/modules/timer"
)

// Options tunes the built-in modules
type Options struct {
	Logger *slog.Logger
	// DebugSink observes every event a debug node receives
	DebugSink debug.Sink
}

// Register registers every built-in module type with registry:
//
//   - timer (periodic event source)
//   - debug (logging sink)
//
// Device modules (alarm, camera, notifier, UART) live with the device
// integration and register themselves on the same registry.
func Register(registry *module.Registry, b bus.Bus, opts Options) error {
	// Nil registry or bus is a programming error, not bad input
	if registry == nil {
		return pkgerrors.WrapFatal(errors.New("registry cannot be nil"),
			"ModuleRegistry", "Register", "registry validation")
	}
	if b == nil {
		return pkgerrors.WrapFatal(errors.New("bus cannot be nil"),
			"ModuleRegistry", "Register", "bus validation")
	}

	if err := timer.Register(registry, b, opts.Logger); err != nil {
		return pkgerrors.WrapInvalid(err, "ModuleRegistry", "Register", "timer module registration")
	}
	if err := debug.Register(registry, b, opts.Logger, opts.DebugSink); err != nil {
		return pkgerrors.WrapInvalid(err, "ModuleRegistry", "Register", "debug module registration")
	}
	return nil
}
