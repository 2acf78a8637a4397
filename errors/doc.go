// Package errors provides standardized error handling for the task-flow engine.
//
// # Overview
//
// Errors fall into three classes: Transient (try again later), Invalid (the
// input is wrong, retrying the same input cannot help) and Fatal (the engine
// or a collaborator is gone). The class lets a caller of the engine tell a
// "device busy, try later" answer apart from "your flow is broken".
//
// # Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and the Wrap family keeps the original error reachable:
//
//	errors.WrapInvalid(err, "flow", "Parse", "decode document")
//	errors.WrapTransient(err, "Engine", "SetFlow", "enqueue submission")
//	errors.WrapFatal(err, "bus", "Post", "deliver event")
//
// # Sentinels
//
// Sentinel variables name each failure in the engine's taxonomy
// (ErrInvalidSchema, ErrModuleNotFound, ErrModuleInstance, ErrModuleWiring,
// ErrModuleStart, ErrQueueFull, ErrEngineBusy, ...). Match them with
// errors.Is; never compare error strings.
package errors
