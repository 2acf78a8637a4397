package flowengine

import (
	"fmt"
	"log/slog"

	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/flow"
	"github.com/c360/taskflow/module"
)

// ConfigPolicy decides what a Configure failure does to a build
type ConfigPolicy int

const (
	// ConfigBestEffort logs the failure, reports StatusErrModuleParams for
	// the module and keeps building
	ConfigBestEffort ConfigPolicy = iota
	// ConfigStrict aborts the build with StatusErrModuleParams
	ConfigStrict
)

// String returns the policy's configuration name
func (p ConfigPolicy) String() string {
	if p == ConfigStrict {
		return "strict"
	}
	return "best_effort"
}

// ParseConfigPolicy reads "best_effort" (or "") and "strict"
func ParseConfigPolicy(s string) (ConfigPolicy, error) {
	switch s {
	case "", "best_effort":
		return ConfigBestEffort, nil
	case "strict":
		return ConfigStrict, nil
	default:
		return ConfigBestEffort, errors.Invalidf(errors.ErrInvalidConfig, "engine", "ParseConfigPolicy",
			"unknown config policy %q", s)
	}
}

// node is the runtime record of one flow node
type node struct {
	spec   flow.Node
	desc   module.Descriptor
	handle module.Module
	state  module.State
}

// graph is a built (or partially built) flow. Nodes are kept in build order.
type graph struct {
	flow  *flow.Flow
	nodes []*node
}

// buildError carries the status a failed build reports and the module at fault
type buildError struct {
	status Status
	module string
	err    error
}

func (e *buildError) Error() string {
	return e.err.Error()
}

func (e *buildError) Unwrap() error {
	return e.err
}

func fail(status Status, n *node, err error) *buildError {
	return &buildError{status: status, module: n.spec.Type, err: err}
}

// call runs one plugin-contract call, turning a panic into an error
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return fn()
}

// builder walks one flow through the build steps
type builder struct {
	registry *module.Registry
	policy   ConfigPolicy
	logger   *slog.Logger
	// onParams reports a tolerated Configure failure
	onParams func(moduleName string, err error)
}

// build resolves, instantiates, configures, wires and starts every node in
// ascending Index order. On failure the partial graph is torn down and a
// *buildError is returned.
func (b *builder) build(f *flow.Flow) (*graph, error) {
	g := &graph{flow: f}
	order := f.Order()

	// Resolve everything first so a miss instantiates nothing
	for _, i := range order {
		spec := f.Nodes[i]
		desc, ok := b.registry.Lookup(spec.Type)
		if !ok {
			return nil, &buildError{
				status: StatusErrModuleNotFound,
				module: spec.Type,
				err: errors.Invalidf(errors.ErrModuleNotFound, "Engine", "build",
					"node %d type %q", spec.ID, spec.Type),
			}
		}
		g.nodes = append(g.nodes, &node{spec: spec, desc: desc, state: -1})
	}

	if err := b.instantiate(g); err != nil {
		g.teardown(b.logger)
		return nil, err
	}
	if err := b.configure(g); err != nil {
		g.teardown(b.logger)
		return nil, err
	}
	if err := b.wire(g); err != nil {
		g.teardown(b.logger)
		return nil, err
	}
	if err := b.start(g); err != nil {
		g.teardown(b.logger)
		return nil, err
	}
	return g, nil
}

func (b *builder) instantiate(g *graph) error {
	for _, n := range g.nodes {
		var handle module.Module
		err := call(func() error {
			handle = n.desc.Instantiate()
			return nil
		})
		if err == nil && handle == nil {
			err = fmt.Errorf("instantiate returned no handle")
		}
		if err != nil {
			return fail(StatusErrModuleInstance, n, errors.WrapTransient(
				fmt.Errorf("node %d: %w: %w", n.spec.ID, errors.ErrModuleInstance, err),
				"Engine", "build", "instantiate "+n.spec.Type))
		}
		n.handle = handle
		n.state = module.StateCreated
	}
	return nil
}

func (b *builder) configure(g *graph) error {
	for _, n := range g.nodes {
		err := call(func() error { return n.handle.Configure(n.spec.Params) })
		n.state = module.StateConfigured
		if err == nil {
			continue
		}
		err = errors.WrapInvalid(fmt.Errorf("node %d: %w: %w", n.spec.ID, errors.ErrModuleParams, err),
			"Engine", "build", "configure "+n.spec.Type)
		if b.policy == ConfigStrict {
			return fail(StatusErrModuleParams, n, err)
		}
		b.logger.Warn("module rejected params, continuing",
			"module", n.spec.Type, "event_id", n.spec.ID, "error", err)
		if b.onParams != nil {
			b.onParams(n.spec.Type, err)
		}
	}
	return nil
}

func (b *builder) wire(g *graph) error {
	for _, n := range g.nodes {
		if err := call(func() error { return n.handle.SubscribeSet(n.spec.ID) }); err != nil {
			return fail(StatusErrModuleWiring, n, errors.WrapInvalid(
				fmt.Errorf("node %d subscribe: %w: %w", n.spec.ID, errors.ErrModuleWiring, err),
				"Engine", "build", "wire "+n.spec.Type))
		}
	}
	for _, n := range g.nodes {
		for port, ids := range n.spec.Wires {
			if err := call(func() error { return n.handle.PublishSet(port, ids) }); err != nil {
				return fail(StatusErrModuleWiring, n, errors.WrapInvalid(
					fmt.Errorf("node %d port %d: %w: %w", n.spec.ID, port, errors.ErrModuleWiring, err),
					"Engine", "build", "wire "+n.spec.Type))
			}
		}
		n.state = module.StateWired
	}
	return nil
}

func (b *builder) start(g *graph) error {
	for _, n := range g.nodes {
		if err := call(n.handle.Start); err != nil {
			return fail(StatusErrModuleStart, n, errors.WrapTransient(
				fmt.Errorf("node %d: %w: %w", n.spec.ID, errors.ErrModuleStart, err),
				"Engine", "build", "start "+n.spec.Type))
		}
		n.state = module.StateStarted
	}
	return nil
}

// teardown stops every started node, then destroys every instantiated node,
// both in reverse build order. A failing Stop does not prevent Destroy.
// Calling it again is a no-op.
func (g *graph) teardown(logger *slog.Logger) {
	if g == nil {
		return
	}
	g.stop(logger)
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.handle == nil || n.state == module.StateDestroyed {
			continue
		}
		if n.desc.Destroy != nil {
			if err := call(func() error { n.desc.Destroy(n.handle); return nil }); err != nil {
				logger.Error("module destroy failed", "module", n.spec.Type, "event_id", n.spec.ID, "error", err)
			}
		}
		n.state = module.StateDestroyed
	}
}

// stop stops every started node in reverse build order and reports how many
// were stopped.
func (g *graph) stop(logger *slog.Logger) int {
	stopped := 0
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.state != module.StateStarted {
			continue
		}
		if err := call(n.handle.Stop); err != nil {
			logger.Error("module stop failed", "module", n.spec.Type, "event_id", n.spec.ID, "error", err)
		}
		n.state = module.StateStopped
		stopped++
	}
	return stopped
}

// restart starts every stopped node in build order. On failure the nodes it
// already restarted stay running; the caller tears the graph down.
func (g *graph) restart() error {
	for _, n := range g.nodes {
		if n.state != module.StateStopped {
			continue
		}
		if err := call(n.handle.Start); err != nil {
			return fail(StatusErrModuleStart, n, errors.WrapTransient(
				fmt.Errorf("node %d: %w: %w", n.spec.ID, errors.ErrModuleStart, err),
				"Engine", "resume", "restart "+n.spec.Type))
		}
		n.state = module.StateStarted
	}
	return nil
}
