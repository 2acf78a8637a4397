package module

import (
	"encoding/json"
)

// Module is the instance-facing plugin contract. The engine drives every call
// from its single worker goroutine in build order, so implementations only
// need locking for state their own goroutines touch.
type Module interface {
	// Configure receives the node's params object verbatim
	Configure(params json.RawMessage) error
	// SubscribeSet tells the module which event id addresses it on the bus
	SubscribeSet(eventID int) error
	// PublishSet wires output port to the downstream event ids it fans out to
	PublishSet(port int, eventIDs []int) error
	Start() error
	Stop() error
}

// Descriptor is the registered "class" behind a module type name
type Descriptor struct {
	// Instantiate returns a fresh handle, or nil when the instance cannot be
	// created (resources exhausted, hardware missing).
	Instantiate func() Module
	// Destroy releases a handle obtained from Instantiate. Optional.
	Destroy func(Module)
}

// Info is the diagnostic view of a registration
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// State tracks where a node is in its lifecycle
type State int

const (
	// StateCreated means Instantiate returned a handle
	StateCreated State = iota
	// StateConfigured means Configure was attempted
	StateConfigured
	// StateWired means subscription and publication wiring succeeded
	StateWired
	// StateStarted means Start succeeded
	StateStarted
	// StateStopped means Stop was called after a start
	StateStopped
	// StateDestroyed means Destroy was called
	StateDestroyed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateWired:
		return "wired"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
