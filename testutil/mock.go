package testutil

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/c360/taskflow/module"
)

// Call is one recorded plugin-contract call
type Call struct {
	// Module is the type name the instance was created for
	Module string
	// Method is the contract method, or "Instantiate" / "Destroy"
	Method string
	// Arg renders the call's arguments, e.g. "20" or "0:[5 6]"
	Arg string
}

// String renders the call as "Module.Method(Arg)"
func (c Call) String() string {
	return fmt.Sprintf("%s.%s(%s)", c.Module, c.Method, c.Arg)
}

// CallLog records calls from every RecorderModule sharing it, in global order.
// It is safe for concurrent use.
type CallLog struct {
	mu        sync.Mutex
	calls     []Call
	instances map[string][]*RecorderModule
}

// NewCallLog returns an empty log
func NewCallLog() *CallLog {
	return &CallLog{instances: make(map[string][]*RecorderModule)}
}

func (l *CallLog) add(c Call) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

// Record appends an arbitrary call, letting other doubles share the ordering
func (l *CallLog) Record(moduleName, method, arg string) {
	l.add(Call{Module: moduleName, Method: method, Arg: arg})
}

// Calls returns a copy of all recorded calls
func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Methods returns "Module.Method" for every call whose method is in filter
// (all calls when filter is empty).
func (l *CallLog) Methods(filter ...string) []string {
	var out []string
	for _, c := range l.Calls() {
		if len(filter) == 0 || slices.Contains(filter, c.Method) {
			out = append(out, c.Module+"."+c.Method)
		}
	}
	return out
}

// Count returns how many times method was called on instances of moduleName
func (l *CallLog) Count(moduleName, method string) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Module == moduleName && c.Method == method {
			n++
		}
	}
	return n
}

// Reset drops recorded calls; instances stay tracked
func (l *CallLog) Reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

// Instances returns every instance created for moduleName, oldest first
func (l *CallLog) Instances(moduleName string) []*RecorderModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.instances[moduleName])
}

// Descriptor returns a module.Descriptor whose instances record into l.
// setup, when non-nil, runs on each new instance before it is returned and
// may inject failures.
func (l *CallLog) Descriptor(moduleName string, setup func(*RecorderModule)) module.Descriptor {
	return module.Descriptor{
		Instantiate: func() module.Module {
			r := &RecorderModule{name: moduleName, log: l, failures: make(map[string]error)}
			if setup != nil {
				setup(r)
			}
			l.add(Call{Module: moduleName, Method: "Instantiate"})
			if r.nilHandle {
				return nil
			}
			l.mu.Lock()
			l.instances[moduleName] = append(l.instances[moduleName], r)
			l.mu.Unlock()
			return r
		},
		Destroy: func(m module.Module) {
			r := m.(*RecorderModule)
			r.mu.Lock()
			r.destroyed = true
			r.mu.Unlock()
			l.add(Call{Module: moduleName, Method: "Destroy"})
		},
	}
}

// RecorderModule implements module.Module by recording each call and
// returning the error injected for that method, if any.
type RecorderModule struct {
	name string
	log  *CallLog

	mu        sync.Mutex
	failures  map[string]error
	blocks    map[string]<-chan struct{}
	nilHandle bool
	params    json.RawMessage
	eventID   int
	wires     map[int][]int
	running   bool
	destroyed bool
}

// FailOn makes method return err
func (r *RecorderModule) FailOn(method string, err error) {
	r.mu.Lock()
	r.failures[method] = err
	r.mu.Unlock()
}

// BlockOn makes method wait until release is closed. The call is recorded
// before it blocks.
func (r *RecorderModule) BlockOn(method string, release <-chan struct{}) {
	r.mu.Lock()
	if r.blocks == nil {
		r.blocks = make(map[string]<-chan struct{})
	}
	r.blocks[method] = release
	r.mu.Unlock()
}

// ReturnNil makes Instantiate hand back a nil handle
func (r *RecorderModule) ReturnNil() {
	r.nilHandle = true
}

func (r *RecorderModule) record(method, arg string) error {
	r.log.add(Call{Module: r.name, Method: method, Arg: arg})
	r.mu.Lock()
	release := r.blocks[method]
	r.mu.Unlock()
	if release != nil {
		<-release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[method]
}

// Configure implements module.Module
func (r *RecorderModule) Configure(params json.RawMessage) error {
	if err := r.record("Configure", string(params)); err != nil {
		return err
	}
	r.mu.Lock()
	r.params = slices.Clone(params)
	r.mu.Unlock()
	return nil
}

// SubscribeSet implements module.Module
func (r *RecorderModule) SubscribeSet(eventID int) error {
	if err := r.record("SubscribeSet", fmt.Sprint(eventID)); err != nil {
		return err
	}
	r.mu.Lock()
	r.eventID = eventID
	r.mu.Unlock()
	return nil
}

// PublishSet implements module.Module
func (r *RecorderModule) PublishSet(port int, eventIDs []int) error {
	if err := r.record("PublishSet", fmt.Sprintf("%d:%v", port, eventIDs)); err != nil {
		return err
	}
	r.mu.Lock()
	if r.wires == nil {
		r.wires = make(map[int][]int)
	}
	r.wires[port] = slices.Clone(eventIDs)
	r.mu.Unlock()
	return nil
}

// Start implements module.Module
func (r *RecorderModule) Start() error {
	if err := r.record("Start", ""); err != nil {
		return err
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return nil
}

// Stop implements module.Module. The instance counts as stopped even when an
// error is injected.
func (r *RecorderModule) Stop() error {
	err := r.record("Stop", "")
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return err
}

// Params returns the params passed to Configure
func (r *RecorderModule) Params() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// EventID returns the id passed to SubscribeSet
func (r *RecorderModule) EventID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventID
}

// Wires returns the port wiring received through PublishSet
func (r *RecorderModule) Wires() map[int][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int][]int, len(r.wires))
	for k, v := range r.wires {
		out[k] = slices.Clone(v)
	}
	return out
}

// Running reports whether Start succeeded and Stop has not been called since
func (r *RecorderModule) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Destroyed reports whether the descriptor's Destroy ran for this instance
func (r *RecorderModule) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}
