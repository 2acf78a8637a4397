package module

import (
	"fmt"
	"sync"

	"github.com/c360/taskflow/errors"
)

type registration struct {
	info       Info
	descriptor Descriptor
}

// Registry maps module type names to descriptors. Registrations are kept in a
// list with the most recent at the head, which is the order Report returns.
type Registry struct {
	byName map[string]*registration
	order  []*registration // head first
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*registration),
	}
}

// Register adds a module type. A second registration under the same name
// fails with errors.ErrAlreadyExists and leaves the first one in place.
func (r *Registry) Register(name, description, version string, d Descriptor) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "module name validation")
	}
	if d.Instantiate == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "instantiate function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		msg := fmt.Errorf("module '%s': %w", name, errors.ErrAlreadyExists)
		return errors.WrapInvalid(msg, "Registry", "Register", "duplicate module check")
	}

	reg := &registration{
		info:       Info{Name: name, Description: description, Version: version},
		descriptor: d,
	}
	r.byName[name] = reg
	r.order = append([]*registration{reg}, r.order...)
	return nil
}

// Lookup returns the descriptor registered under name
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.byName[name]
	if !exists {
		return Descriptor{}, false
	}
	return reg.descriptor, true
}

// Report returns a snapshot of every registration, most recent first
func (r *Registry) Report() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.order))
	for _, reg := range r.order {
		result = append(result, reg.info)
	}
	return result
}

// Len returns the number of registered module types
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
