package flowengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskflow/bus"
	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/flow"
	"github.com/c360/taskflow/flowstore"
	"github.com/c360/taskflow/metric"
	"github.com/c360/taskflow/module"
)

// DefaultQueueDepth is the number of submissions that may wait for the worker
const DefaultQueueDepth = 3

// persistTimeout bounds saving the active flow to the store
const persistTimeout = 5 * time.Second

// submission is a private copy of a flow document on its way to the worker
type submission struct {
	id   string
	data []byte
}

type controlKind int

const (
	controlPause controlKind = iota
	controlResume
	controlStop
	controlBusy
)

func (k controlKind) String() string {
	switch k {
	case controlPause:
		return "pause"
	case controlResume:
		return "resume"
	case controlStop:
		return "stop"
	case controlBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// control is a lifecycle request for the worker. ack, when set, receives the
// outcome once the worker has acted.
type control struct {
	kind controlKind
	busy Busy
	ack  chan error
}

// Info is a snapshot of the engine for diagnostics
type Info struct {
	TaskID        int64  `json:"tlid"`
	CorrelationID int64  `json:"ctd"`
	Type          int    `json:"type"`
	Name          string `json:"tn"`
	Status        Status `json:"status"`
	StatusName    string `json:"status_name"`
	Nodes         int    `json:"nodes"`
	Busy          bool   `json:"busy"`
}

// snapshot is what the worker publishes for readers on other goroutines
type snapshot struct {
	status        Status
	taskID        int64
	correlationID int64
	flowType      int
	name          string
	nodes         int
	raw           []byte
}

// Engine runs at most one flow graph at a time. A single worker goroutine
// (Run) owns the active graph; every other method only enqueues work for it
// or reads the published snapshot.
type Engine struct {
	registry *module.Registry
	gate     bus.Gate
	store    flowstore.Store
	policy   ConfigPolicy
	logger   *slog.Logger
	metrics  *engineMetrics

	submissions chan submission
	controls    chan control

	running atomic.Bool
	done    chan struct{}

	// Worker-owned
	active *graph
	busy   Busy

	mu   sync.RWMutex
	snap snapshot

	cbMu           sync.RWMutex
	onStatus       func(StatusEvent)
	onModuleStatus func(ModuleStatusEvent)
}

// Option configures an Engine
type Option func(*options) error

type options struct {
	queueDepth int
	policy     ConfigPolicy
	gate       bus.Gate
	store      flowstore.Store
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
}

// WithQueueDepth sets how many submissions may wait for the worker
func WithQueueDepth(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("queue depth must be at least 1, got %d", n)
		}
		o.queueDepth = n
		return nil
	}
}

// WithConfigPolicy sets how Configure failures affect a build
func WithConfigPolicy(p ConfigPolicy) Option {
	return func(o *options) error {
		o.policy = p
		return nil
	}
}

// WithGate holds event delivery on g while a graph is being built
func WithGate(g bus.Gate) Option {
	return func(o *options) error {
		o.gate = g
		return nil
	}
}

// WithStore persists every successfully built flow to s
func WithStore(s flowstore.Store) Option {
	return func(o *options) error {
		o.store = s
		return nil
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger != nil {
			o.logger = logger
		}
		return nil
	}
}

// WithMetrics registers engine metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) error {
		o.registry = registry
		return nil
	}
}

// New creates an idle engine over registry. Call Run to start the worker.
func New(registry *module.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Engine", "New", "module registry cannot be nil")
	}

	o := options{queueDepth: DefaultQueueDepth, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "New", "apply option")
		}
	}

	metrics, err := newEngineMetrics(o.registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "register metrics")
	}

	e := &Engine{
		registry:    registry,
		gate:        o.gate,
		store:       o.store,
		policy:      o.policy,
		logger:      o.logger.With("component", "engine"),
		metrics:     metrics,
		submissions: make(chan submission, o.queueDepth),
		controls:    make(chan control, 4),
		done:        make(chan struct{}),
		snap:        snapshot{status: StatusStopped},
	}
	metrics.setStatus(StatusStopped)
	return e, nil
}

// Run is the worker loop. It processes submissions in FIFO order and control
// requests until ctx is cancelled, then tears down the active graph. Run may
// be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Engine", "Run", "worker already started")
	}
	defer close(e.done)

	e.logger.Info("engine worker started", "config_policy", e.policy.String())
	for {
		select {
		case <-ctx.Done():
			if e.active != nil {
				e.teardownActive()
				e.report(StatusStopped, "", nil)
			}
			e.discardPending(e.logger, "worker_stopped")
			e.logger.Info("engine worker stopped")
			return nil
		case sub := <-e.submissions:
			e.process(sub)
		case c := <-e.controls:
			err := e.handleControl(c)
			if c.ack != nil {
				c.ack <- err
			}
		}
	}
}

// SetFlow hands a flow document to the worker and returns without waiting
// for the build. data is copied. SetFlow blocks only while the queue is full,
// up to ctx's deadline, and then fails with errors.ErrQueueFull.
func (e *Engine) SetFlow(ctx context.Context, data []byte) error {
	select {
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", "SetFlow", "enqueue submission")
	default:
	}

	sub := submission{id: uuid.NewString(), data: slices.Clone(data)}
	select {
	case e.submissions <- sub:
		return e.queued(sub)
	default:
	}

	select {
	case e.submissions <- sub:
		return e.queued(sub)
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", "SetFlow", "enqueue submission")
	case <-ctx.Done():
		e.metrics.recordSubmission("queue_full")
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrQueueFull, ctx.Err()),
			"Engine", "SetFlow", "enqueue submission")
	}
}

// queued confirms a buffered send. A worker that exited meanwhile never
// reads the queue again, so the submission is reported lost.
func (e *Engine) queued(sub submission) error {
	select {
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", "SetFlow", "enqueue submission")
	default:
	}
	e.metrics.recordSubmission("queued")
	e.logger.Debug("flow queued", "flow_id", sub.id, "bytes", len(sub.data))
	return nil
}

// Restore submits the flow saved by the last successful build, if any.
// It reports whether a flow was found.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	rec, err := e.store.Load(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "Engine", "Restore", "load saved flow")
	}
	e.logger.Info("restoring saved flow", "saved_at", rec.SavedAt)
	if err := e.SetFlow(ctx, rec.Flow); err != nil {
		return false, err
	}
	return true, nil
}

// Pause asks the worker to stop every node of the active graph without
// destroying it. It does not wait.
func (e *Engine) Pause(ctx context.Context) error {
	return e.sendControl(ctx, control{kind: controlPause}, "Pause")
}

// PauseBlock is Pause that waits up to timeout for the worker to act
func (e *Engine) PauseBlock(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.roundTrip(ctx, control{kind: controlPause}, "PauseBlock")
}

// Resume restarts the nodes of a paused graph and waits for the worker
func (e *Engine) Resume(ctx context.Context) error {
	return e.roundTrip(ctx, control{kind: controlResume}, "Resume")
}

// Stop tears the active graph down, reports StatusStopped and waits for the
// worker. Flows still queued are discarded and the saved flow is cleared, so
// neither a pending submission nor a restart revives a graph.
func (e *Engine) Stop(ctx context.Context) error {
	return e.roundTrip(ctx, control{kind: controlStop}, "Stop")
}

// SetBusy enters (or with BusyNone leaves) a busy policy and waits for the
// worker. While busy the active graph is gone and submissions, including
// those already queued, are refused.
func (e *Engine) SetBusy(ctx context.Context, b Busy) error {
	if b < BusyNone || b > BusyVoiceInteraction {
		return errors.Invalidf(errors.ErrInvalidConfig, "Engine", "SetBusy", "unknown busy policy %d", b)
	}
	return e.roundTrip(ctx, control{kind: controlBusy, busy: b}, "SetBusy")
}

func (e *Engine) sendControl(ctx context.Context, c control, method string) error {
	select {
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", method, "send control")
	default:
	}
	select {
	case e.controls <- c:
		return nil
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", method, "send control")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Engine", method, "send control")
	}
}

func (e *Engine) roundTrip(ctx context.Context, c control, method string) error {
	c.ack = make(chan error, 1)
	if err := e.sendControl(ctx, c, method); err != nil {
		return err
	}
	select {
	case err := <-c.ack:
		return err
	case <-e.done:
		return errors.WrapFatal(errors.ErrEngineStopped, "Engine", method, "await worker")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Engine", method, "await worker")
	}
}

// Status returns the last reported status
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.status
}

// TaskID returns the task id of the last parsed flow
func (e *Engine) TaskID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.taskID
}

// CorrelationID returns the correlation id of the last parsed flow
func (e *Engine) CorrelationID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.correlationID
}

// FlowType returns the type of the last parsed flow
func (e *Engine) FlowType() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.flowType
}

// FlowJSON returns a copy of the document of the active graph, or nil when
// no graph is active.
func (e *Engine) FlowJSON() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.snap.raw)
}

// Info returns a diagnostic snapshot
func (e *Engine) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info{
		TaskID:        e.snap.taskID,
		CorrelationID: e.snap.correlationID,
		Type:          e.snap.flowType,
		Name:          e.snap.name,
		Status:        e.snap.status,
		StatusName:    e.snap.status.String(),
		Nodes:         e.snap.nodes,
		Busy:          e.snap.status.IsBusy(),
	}
}

// OnStatus installs the status callback, replacing any previous one. It is
// called synchronously on the worker goroutine and must not call back into
// the engine's waiting control methods.
func (e *Engine) OnStatus(fn func(StatusEvent)) {
	e.cbMu.Lock()
	e.onStatus = fn
	e.cbMu.Unlock()
}

// OnModuleStatus installs the module status callback, replacing any
// previous one.
func (e *Engine) OnModuleStatus(fn func(ModuleStatusEvent)) {
	e.cbMu.Lock()
	e.onModuleStatus = fn
	e.cbMu.Unlock()
}

// SetModuleStatus lets a running module report an abnormal condition. The
// graph is left as is. Safe to call from any goroutine.
func (e *Engine) SetModuleStatus(moduleName string, status Status) {
	ev := ModuleStatusEvent{TaskID: e.TaskID(), Module: moduleName, Status: status, At: time.Now()}
	e.logger.Warn("module status", "module", moduleName, "status", status.String(), "task_id", ev.TaskID)
	e.metrics.recordModuleStatus(moduleName, status)

	e.cbMu.RLock()
	fn := e.onModuleStatus
	e.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// process handles one submission on the worker goroutine
func (e *Engine) process(sub submission) {
	start := time.Now()
	logger := e.logger.With("flow_id", sub.id)

	if e.busy != BusyNone {
		logger.Warn("flow refused while busy", "busy", e.busy.Status().String())
		e.metrics.recordSubmission("refused_busy")
		e.report(e.busy.Status(), "", errors.WrapTransient(errors.ErrEngineBusy, "Engine", "process", "accept flow"))
		return
	}

	f, err := flow.Parse(sub.data)
	if err != nil {
		logger.Error("flow rejected", "error", err)
		if e.active != nil {
			e.report(StatusStopping, "", nil)
			e.teardownActive()
		}
		e.publish(snapshot{status: StatusErrJSONParse})
		e.report(StatusErrJSONParse, "", err)
		e.metrics.recordBuild(StatusErrJSONParse, time.Since(start).Seconds())
		return
	}
	logger = logger.With("task_id", f.TaskID)

	if e.active != nil {
		e.report(StatusStopping, "", nil)
		e.teardownActive()
	}

	e.publish(snapshot{
		status:        StatusStarting,
		taskID:        f.TaskID,
		correlationID: f.CorrelationID,
		flowType:      f.Type,
		name:          f.Name,
	})
	e.report(StatusStarting, "", nil)

	g, err := e.buildGated(f, logger)
	if err != nil {
		var be *buildError
		status, moduleName := StatusErrGeneral, ""
		if stderrors.As(err, &be) {
			status, moduleName = be.status, be.module
		}
		logger.Error("flow build failed", "module", moduleName, "status", status.String(), "error", err)
		e.report(status, moduleName, err)
		e.metrics.recordBuild(status, time.Since(start).Seconds())
		return
	}

	e.active = g
	e.publish(snapshot{
		status:        StatusRunning,
		taskID:        f.TaskID,
		correlationID: f.CorrelationID,
		flowType:      f.Type,
		name:          f.Name,
		nodes:         len(g.nodes),
		raw:           f.Raw(),
	})
	e.metrics.setActiveNodes(len(g.nodes))
	e.metrics.recordBuild(StatusRunning, time.Since(start).Seconds())
	logger.Info("flow running", "name", f.Name, "nodes", len(g.nodes), "edges", f.Edges(),
		"duration", time.Since(start))
	e.report(StatusRunning, "", nil)

	e.persist(f, logger)
}

func (e *Engine) buildGated(f *flow.Flow, logger *slog.Logger) (*graph, error) {
	if e.gate != nil {
		e.gate.Hold()
		defer e.gate.Release()
	}
	b := &builder{
		registry: e.registry,
		policy:   e.policy,
		logger:   logger,
		onParams: func(moduleName string, _ error) {
			e.SetModuleStatus(moduleName, StatusErrModuleParams)
		},
	}
	return b.build(f)
}

func (e *Engine) persist(f *flow.Flow, logger *slog.Logger) {
	if e.store == nil {
		return
	}
	doc, err := flow.Simplify(f.Raw())
	if err != nil {
		logger.Warn("flow not persisted", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.Save(ctx, flowstore.Record{Flow: doc, SavedAt: time.Now()}); err != nil {
		logger.Warn("flow not persisted", "error", err)
	}
}

func (e *Engine) handleControl(c control) error {
	logger := e.logger.With("control", c.kind.String())

	switch c.kind {
	case controlPause:
		if e.busy != BusyNone || e.active == nil || e.Status() != StatusRunning {
			logger.Debug("nothing to pause")
			return nil
		}
		n := e.active.stop(logger)
		e.setStatus(StatusPaused)
		logger.Info("flow paused", "stopped", n)
		e.report(StatusPaused, "", nil)
		return nil

	case controlResume:
		if e.busy != BusyNone || e.active == nil || e.Status() != StatusPaused {
			logger.Debug("nothing to resume")
			return nil
		}
		if err := e.active.restart(); err != nil {
			var be *buildError
			moduleName := ""
			if stderrors.As(err, &be) {
				moduleName = be.module
			}
			logger.Error("resume failed", "module", moduleName, "error", err)
			e.teardownActive()
			e.setStatus(StatusErrModuleStart)
			e.report(StatusErrModuleStart, moduleName, err)
			return err
		}
		e.setStatus(StatusRunning)
		logger.Info("flow resumed")
		e.report(StatusRunning, "", nil)
		return nil

	case controlStop:
		if e.busy != BusyNone {
			e.report(e.busy.Status(), "", nil)
			return nil
		}
		e.discardPending(logger, "discarded_stop")
		if e.active != nil {
			e.report(StatusStopping, "", nil)
			e.teardownActive()
		}
		e.clearStore(logger)
		e.setStatus(StatusStopped)
		logger.Info("flow stopped")
		e.report(StatusStopped, "", nil)
		return nil

	case controlBusy:
		if c.busy == BusyNone {
			if e.busy == BusyNone {
				return nil
			}
			e.busy = BusyNone
			e.publish(snapshot{status: StatusStopped})
			logger.Info("left busy state")
			e.report(StatusStopped, "", nil)
			return nil
		}
		e.discardPending(logger, "refused_busy")
		if e.active != nil {
			e.report(StatusStopping, "", nil)
			e.teardownActive()
		}
		e.busy = c.busy
		e.publish(snapshot{status: c.busy.Status()})
		logger.Info("entered busy state", "busy", c.busy.Status().String())
		e.report(c.busy.Status(), "", nil)
		return nil

	default:
		return errors.Invalidf(errors.ErrInvalidConfig, "Engine", "handleControl", "unknown control %d", c.kind)
	}
}

// discardPending drops every queued submission. Flows submitted before a
// stop or a busy request must not build after it.
func (e *Engine) discardPending(logger *slog.Logger, result string) {
	for {
		select {
		case sub := <-e.submissions:
			e.metrics.recordSubmission(result)
			logger.Warn("queued flow discarded", "flow_id", sub.id, "reason", result)
		default:
			return
		}
	}
}

func (e *Engine) clearStore(logger *slog.Logger) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.Clear(ctx); err != nil {
		logger.Warn("saved flow not cleared", "error", err)
	}
}

// teardownActive destroys the active graph and clears the published flow
func (e *Engine) teardownActive() {
	if e.active == nil {
		return
	}
	e.active.teardown(e.logger)
	e.active = nil
	e.metrics.recordTeardown()

	e.mu.Lock()
	e.snap.nodes = 0
	e.snap.raw = nil
	e.mu.Unlock()
}

func (e *Engine) publish(s snapshot) {
	e.mu.Lock()
	e.snap = s
	e.mu.Unlock()
	e.metrics.setStatus(s.status)
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	e.snap.status = status
	e.mu.Unlock()
	e.metrics.setStatus(status)
}

// report sets the status and fires the status callback
func (e *Engine) report(status Status, moduleName string, err error) {
	e.setStatus(status)

	e.mu.RLock()
	ev := StatusEvent{
		TaskID:        e.snap.taskID,
		CorrelationID: e.snap.correlationID,
		Status:        status,
		StatusName:    status.String(),
		Module:        moduleName,
		At:            time.Now(),
	}
	e.mu.RUnlock()
	if err != nil {
		ev.Error = err.Error()
	}

	e.cbMu.RLock()
	fn := e.onStatus
	e.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}
