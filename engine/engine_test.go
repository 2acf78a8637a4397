package flowengine

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskflow/errors"
	"github.com/c360/taskflow/flowstore"
	"github.com/c360/taskflow/metric"
	"github.com/c360/taskflow/module"
	tu "github.com/c360/taskflow/testutil"
)

const waitTimeout = 2 * time.Second

// statusLog collects status events from the worker
type statusLog struct {
	mu     sync.Mutex
	events []StatusEvent
	ch     chan StatusEvent
}

func newStatusLog() *statusLog {
	return &statusLog{ch: make(chan StatusEvent, 256)}
}

func (l *statusLog) record(ev StatusEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *statusLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Status)
	}
	return out
}

// waitFor consumes events until one with status arrives
func (l *statusLog) waitFor(t *testing.T, status Status) StatusEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-l.ch:
			if ev.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("status %s not reported; got %v", status, l.statuses())
			return StatusEvent{}
		}
	}
}

type fixture struct {
	engine   *Engine
	registry *module.Registry
	calls    *tu.CallLog
	status   *statusLog
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// newFixture registers recorder modules A..E plus any setups and starts the worker
func newFixture(t *testing.T, setups map[string]func(*tu.RecorderModule), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry: module.NewRegistry(),
		calls:    tu.NewCallLog(),
		status:   newStatusLog(),
		stopped:  make(chan struct{}),
	}
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		require.NoError(t, f.registry.Register(name, "recorder "+name, "1.0.0", f.calls.Descriptor(name, setups[name])))
	}

	e, err := New(f.registry, opts...)
	require.NoError(t, err)
	e.OnStatus(f.status.record)
	f.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.stopped)
		_ = e.Run(ctx)
	}()
	t.Cleanup(f.shutdown)
	return f
}

func (f *fixture) shutdown() {
	f.cancel()
	<-f.stopped
}

func (f *fixture) submit(t *testing.T, doc []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.engine.SetFlow(ctx, doc))
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return c
}

func indexOf(calls []string, want string) int {
	return slices.Index(calls, want)
}

func lastIndexOf(calls []string, want string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i] == want {
			return i
		}
	}
	return -1
}

func TestEngine_RunsFlow(t *testing.T) {
	f := newFixture(t, nil)
	doc := tu.ChainFlow(7, "A", "B")

	f.submit(t, doc)
	ev := f.status.waitFor(t, StatusRunning)

	assert.Equal(t, int64(7), ev.TaskID)
	assert.Equal(t, StatusRunning, f.engine.Status())
	assert.Equal(t, int64(7), f.engine.TaskID())
	assert.Equal(t, int64(7), f.engine.CorrelationID())
	assert.Equal(t, 0, f.engine.FlowType())
	assert.Equal(t, doc, f.engine.FlowJSON())
	assert.Equal(t, []Status{StatusStarting, StatusRunning}, f.status.statuses())

	info := f.engine.Info()
	assert.Equal(t, Info{
		TaskID: 7, CorrelationID: 7, Name: "chain",
		Status: StatusRunning, StatusName: "running", Nodes: 2,
	}, info)

	a := f.calls.Instances("A")
	require.Len(t, a, 1)
	assert.True(t, a[0].Running())
	assert.Equal(t, 10, a[0].EventID())
	assert.Equal(t, map[int][]int{0: {20}}, a[0].Wires())
}

func TestEngine_ParseFailureBuildsNothing(t *testing.T) {
	f := newFixture(t, nil)

	f.submit(t, []byte(`{"type":0,"tlid":1,"ctd":1,"task_flow":[]}`))
	ev := f.status.waitFor(t, StatusErrJSONParse)

	assert.NotEmpty(t, ev.Error)
	assert.Empty(t, f.calls.Calls())
	assert.Nil(t, f.engine.FlowJSON())
	assert.Equal(t, StatusErrJSONParse, f.engine.Status())
}

func TestEngine_ParseFailureTearsDownActiveGraph(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A"))
	f.status.waitFor(t, StatusRunning)

	f.submit(t, []byte(`not json`))
	f.status.waitFor(t, StatusErrJSONParse)

	assert.Equal(t, 1, f.calls.Count("A", "Stop"))
	assert.Equal(t, 1, f.calls.Count("A", "Destroy"))
	assert.Nil(t, f.engine.FlowJSON())
	assert.Equal(t, 0, f.engine.Info().Nodes)
}

func TestEngine_AtomicReplacement(t *testing.T) {
	f := newFixture(t, nil)

	f.submit(t, tu.ChainFlow(1, "A", "B"))
	f.status.waitFor(t, StatusRunning)

	f.submit(t, tu.ChainFlow(2, "C", "D"))
	f.status.waitFor(t, StatusStopping)
	f.status.waitFor(t, StatusRunning)

	calls := f.calls.Methods()
	firstNew := indexOf(calls, "C.Instantiate")
	require.GreaterOrEqual(t, firstNew, 0)
	for _, old := range []string{"A.Stop", "B.Stop", "A.Destroy", "B.Destroy"} {
		i := lastIndexOf(calls, old)
		require.GreaterOrEqual(t, i, 0, old)
		assert.Less(t, i, firstNew, "%s must precede the new graph", old)
	}
	assert.Equal(t, int64(2), f.engine.TaskID())
	assert.False(t, f.calls.Instances("A")[0].Running())
	assert.True(t, f.calls.Instances("C")[0].Running())
}

func TestEngine_ModuleNotFound(t *testing.T) {
	f := newFixture(t, nil)

	f.submit(t, tu.FlowDoc(3, 3, "missing",
		tu.NodeSpec{ID: 1, Type: "A", Index: 0},
		tu.NodeSpec{ID: 2, Type: "nope", Index: 1},
	))
	ev := f.status.waitFor(t, StatusErrModuleNotFound)

	assert.Equal(t, "nope", ev.Module)
	assert.Equal(t, int64(3), ev.TaskID)
	assert.Empty(t, f.calls.Calls(), "nothing may be instantiated")
	assert.Nil(t, f.engine.FlowJSON())
}

func TestEngine_LifecycleOrdering(t *testing.T) {
	f := newFixture(t, nil)

	// Document order differs from index order
	f.submit(t, tu.FlowDoc(1, 1, "order",
		tu.NodeSpec{ID: 30, Type: "C", Index: 2},
		tu.NodeSpec{ID: 10, Type: "A", Index: 0},
		tu.NodeSpec{ID: 20, Type: "B", Index: 1, Wires: [][]int{{30}}},
	))
	f.status.waitFor(t, StatusRunning)

	for _, method := range []string{"Instantiate", "Configure", "SubscribeSet", "Start"} {
		assert.Equal(t, []string{"A." + method, "B." + method, "C." + method}, f.calls.Methods(method), method)
	}

	// Each phase completes across all nodes before the next begins
	calls := f.calls.Methods()
	assert.Less(t, lastIndexOf(calls, "C.Instantiate"), indexOf(calls, "A.Configure"))
	assert.Less(t, lastIndexOf(calls, "C.Configure"), indexOf(calls, "A.SubscribeSet"))
	assert.Less(t, lastIndexOf(calls, "C.SubscribeSet"), indexOf(calls, "B.PublishSet"))
	assert.Less(t, lastIndexOf(calls, "B.PublishSet"), indexOf(calls, "A.Start"))
}

func TestEngine_WiringFanOut(t *testing.T) {
	f := newFixture(t, nil)

	f.submit(t, tu.FlowDoc(1, 1, "fanout",
		tu.NodeSpec{ID: 1, Type: "A", Index: 0, Wires: [][]int{{5, 6}, {7}}, Params: map[string]any{"k": "v"}},
	))
	f.status.waitFor(t, StatusRunning)

	var publishes []string
	for _, c := range f.calls.Calls() {
		if c.Method == "PublishSet" {
			publishes = append(publishes, c.Arg)
		}
	}
	assert.Equal(t, []string{"0:[5 6]", "1:[7]"}, publishes)

	a := f.calls.Instances("A")[0]
	assert.Equal(t, 1, a.EventID())
	assert.JSONEq(t, `{"k":"v"}`, string(a.Params()))
}

func TestEngine_StartFailureTearsDownCompletely(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"C": func(r *tu.RecorderModule) { r.FailOn("Start", stderrors.New("no camera")) },
	})

	f.submit(t, tu.ChainFlow(9, "A", "B", "C", "D"))
	ev := f.status.waitFor(t, StatusErrModuleStart)

	assert.Equal(t, "C", ev.Module)
	assert.Contains(t, ev.Error, "no camera")

	// Started nodes stopped in reverse, never-started ones not stopped
	assert.Equal(t, []string{"B.Stop", "A.Stop"}, f.calls.Methods("Stop"))
	// Every instantiated node destroyed in reverse order
	assert.Equal(t, []string{"D.Destroy", "C.Destroy", "B.Destroy", "A.Destroy"}, f.calls.Methods("Destroy"))
	assert.Equal(t, 0, f.calls.Count("D", "Start"))
	assert.Nil(t, f.engine.FlowJSON())
}

func TestEngine_StopFailureStillDestroys(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"A": func(r *tu.RecorderModule) { r.FailOn("Stop", stderrors.New("stuck")) },
	})

	f.submit(t, tu.ChainFlow(1, "A", "B"))
	f.status.waitFor(t, StatusRunning)
	require.NoError(t, f.engine.Stop(ctx(t)))

	assert.Equal(t, []string{"B.Destroy", "A.Destroy"}, f.calls.Methods("Destroy"))
	assert.True(t, f.calls.Instances("A")[0].Destroyed())
}

func TestEngine_InstanceFailure(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"B": func(r *tu.RecorderModule) { r.ReturnNil() },
	})

	f.submit(t, tu.ChainFlow(1, "A", "B", "C"))
	ev := f.status.waitFor(t, StatusErrModuleInstance)

	assert.Equal(t, "B", ev.Module)
	assert.Equal(t, []string{"A.Instantiate", "B.Instantiate", "A.Destroy"}, f.calls.Methods())
}

func TestEngine_WiringFailure(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"B": func(r *tu.RecorderModule) { r.FailOn("PublishSet", stderrors.New("bad port")) },
	})

	f.submit(t, tu.ChainFlow(1, "A", "B", "C"))
	ev := f.status.waitFor(t, StatusErrModuleWiring)

	assert.Equal(t, "B", ev.Module)
	assert.Empty(t, f.calls.Methods("Start"))
	assert.Empty(t, f.calls.Methods("Stop"))
	assert.Len(t, f.calls.Methods("Destroy"), 3)
}

func TestEngine_ConfigBestEffort(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"B": func(r *tu.RecorderModule) { r.FailOn("Configure", stderrors.New("bad params")) },
	})
	moduleEvents := make(chan ModuleStatusEvent, 4)
	f.engine.OnModuleStatus(func(ev ModuleStatusEvent) { moduleEvents <- ev })

	f.submit(t, tu.ChainFlow(4, "A", "B"))
	f.status.waitFor(t, StatusRunning)

	select {
	case ev := <-moduleEvents:
		assert.Equal(t, "B", ev.Module)
		assert.Equal(t, StatusErrModuleParams, ev.Status)
		assert.Equal(t, int64(4), ev.TaskID)
	default:
		t.Fatal("module status not reported")
	}
	assert.True(t, f.calls.Instances("B")[0].Running())
}

func TestEngine_ConfigFailureStillTornDownOnStop(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"B": func(r *tu.RecorderModule) { r.FailOn("Configure", stderrors.New("bad params")) },
	})

	f.submit(t, tu.ChainFlow(4, "A", "B", "C"))
	f.status.waitFor(t, StatusRunning)

	require.NoError(t, f.engine.Stop(ctx(t)))
	assert.Equal(t, StatusStopped, f.engine.Status())
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, f.calls.Count(name, "Stop"), name)
		assert.Equal(t, 1, f.calls.Count(name, "Destroy"), name)
		assert.True(t, f.calls.Instances(name)[0].Destroyed(), name)
	}
}

func TestEngine_ConfigStrict(t *testing.T) {
	f := newFixture(t, map[string]func(*tu.RecorderModule){
		"B": func(r *tu.RecorderModule) { r.FailOn("Configure", stderrors.New("bad params")) },
	}, WithConfigPolicy(ConfigStrict))

	f.submit(t, tu.ChainFlow(4, "A", "B"))
	ev := f.status.waitFor(t, StatusErrModuleParams)

	assert.Equal(t, "B", ev.Module)
	assert.Empty(t, f.calls.Methods("SubscribeSet"))
	assert.Len(t, f.calls.Methods("Destroy"), 2)
}

func TestEngine_ModulePanicBecomesStatus(t *testing.T) {
	reg := module.NewRegistry()
	require.NoError(t, reg.Register("boom", "", "1", module.Descriptor{
		Instantiate: func() module.Module { panic("out of memory") },
	}))
	e, err := New(reg)
	require.NoError(t, err)
	status := newStatusLog()
	e.OnStatus(status.record)

	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(c) }()

	require.NoError(t, e.SetFlow(ctx(t), tu.ChainFlow(1, "boom")))
	ev := status.waitFor(t, StatusErrModuleInstance)
	assert.Contains(t, ev.Error, "out of memory")
}

func TestEngine_PauseResumeStop(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A", "B"))
	f.status.waitFor(t, StatusRunning)

	require.NoError(t, f.engine.PauseBlock(ctx(t), time.Second))
	assert.Equal(t, StatusPaused, f.engine.Status())
	assert.Equal(t, []string{"B.Stop", "A.Stop"}, f.calls.Methods("Stop"))
	assert.Empty(t, f.calls.Methods("Destroy"), "pause keeps instances")
	assert.NotNil(t, f.engine.FlowJSON())

	require.NoError(t, f.engine.Resume(ctx(t)))
	assert.Equal(t, StatusRunning, f.engine.Status())
	assert.Equal(t, 2, f.calls.Count("A", "Start"))
	assert.True(t, f.calls.Instances("B")[0].Running())

	require.NoError(t, f.engine.Stop(ctx(t)))
	assert.Equal(t, StatusStopped, f.engine.Status())
	assert.Len(t, f.calls.Methods("Destroy"), 2)
	assert.Nil(t, f.engine.FlowJSON())

	// Stop is idempotent
	require.NoError(t, f.engine.Stop(ctx(t)))
	assert.Len(t, f.calls.Methods("Destroy"), 2)
}

func TestEngine_PauseWithoutWaiting(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A"))
	f.status.waitFor(t, StatusRunning)

	require.NoError(t, f.engine.Pause(ctx(t)))
	f.status.waitFor(t, StatusPaused)

	// Teardown of a paused graph does not stop it a second time
	f.submit(t, tu.ChainFlow(2, "B"))
	f.status.waitFor(t, StatusRunning)
	assert.Equal(t, 1, f.calls.Count("A", "Stop"))
	assert.Equal(t, 1, f.calls.Count("A", "Destroy"))
}

func TestEngine_ResumeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A", "B"))
	f.status.waitFor(t, StatusRunning)
	require.NoError(t, f.engine.PauseBlock(ctx(t), time.Second))

	f.calls.Instances("B")[0].FailOn("Start", stderrors.New("gone"))
	err := f.engine.Resume(ctx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrModuleStart)

	ev := f.status.waitFor(t, StatusErrModuleStart)
	assert.Equal(t, "B", ev.Module)
	assert.Len(t, f.calls.Methods("Destroy"), 2)
	assert.False(t, f.calls.Instances("A")[0].Running())
}

func TestEngine_ControlWithoutGraphIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.PauseBlock(ctx(t), time.Second))
	require.NoError(t, f.engine.Resume(ctx(t)))
	assert.Equal(t, StatusStopped, f.engine.Status())
	assert.Empty(t, f.calls.Calls())
}

func TestEngine_Busy(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A"))
	f.status.waitFor(t, StatusRunning)

	require.NoError(t, f.engine.SetBusy(ctx(t), BusyFirmwareUpdate))
	assert.Equal(t, StatusBusyFirmwareUpdate, f.engine.Status())
	assert.Equal(t, 1, f.calls.Count("A", "Destroy"))
	assert.True(t, f.engine.Info().Busy)
	f.status.waitFor(t, StatusBusyFirmwareUpdate)

	f.calls.Reset()
	f.submit(t, tu.ChainFlow(2, "B"))
	ev := f.status.waitFor(t, StatusBusyFirmwareUpdate)
	assert.Contains(t, ev.Error, "busy")

	// Controls queue behind the submission, so the refusal is complete here
	require.NoError(t, f.engine.Stop(ctx(t)))
	assert.Empty(t, f.calls.Calls(), "no build while busy")
	assert.Equal(t, StatusBusyFirmwareUpdate, f.engine.Status())

	require.NoError(t, f.engine.SetBusy(ctx(t), BusyNone))
	assert.Equal(t, StatusStopped, f.engine.Status())

	f.submit(t, tu.ChainFlow(3, "B"))
	f.status.waitFor(t, StatusRunning)
	assert.Equal(t, int64(3), f.engine.TaskID())

	err := f.engine.SetBusy(ctx(t), Busy(9))
	assert.True(t, errors.IsInvalid(err))
}

func TestEngine_QueuedFlowsDoNotOutliveControl(t *testing.T) {
	tests := []struct {
		name       string
		control    func(context.Context, *Engine) error
		want       Status
		storeEmpty bool
	}{
		{
			name:       "stop",
			control:    func(c context.Context, e *Engine) error { return e.Stop(c) },
			want:       StatusStopped,
			storeEmpty: true,
		},
		{
			name:    "busy",
			control: func(c context.Context, e *Engine) error { return e.SetBusy(c, BusyVoiceInteraction) },
			want:    StatusBusyVoiceInteraction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			store := flowstore.NewMemoryStore()
			f := newFixture(t, map[string]func(*tu.RecorderModule){
				"A": func(r *tu.RecorderModule) { r.BlockOn("Start", release) },
			}, WithStore(store))

			// The worker is held inside the first build
			f.submit(t, tu.ChainFlow(1, "A"))
			require.Eventually(t, func() bool { return f.calls.Count("A", "Start") == 1 },
				waitTimeout, time.Millisecond)

			f.submit(t, tu.ChainFlow(2, "B"))
			c := ctx(t)
			acked := make(chan error, 1)
			go func() { acked <- tt.control(c, f.engine) }()
			require.Eventually(t, func() bool { return len(f.engine.controls) == 1 },
				waitTimeout, time.Millisecond)
			close(release)

			require.NoError(t, <-acked)
			assert.Equal(t, tt.want, f.engine.Status())
			assert.Empty(t, f.engine.submissions)
			assert.Nil(t, f.engine.FlowJSON())
			assert.Equal(t, f.calls.Count("B", "Instantiate"), f.calls.Count("B", "Destroy"))

			require.Never(t, func() bool { return f.engine.Status() != tt.want },
				100*time.Millisecond, 10*time.Millisecond)
			assert.Zero(t, f.calls.Count("B", "Start")-f.calls.Count("B", "Stop"))

			if tt.storeEmpty {
				_, err := store.Load(context.Background())
				assert.ErrorIs(t, err, errors.ErrKeyNotFound)
			}
		})
	}
}

func TestEngine_SetFlowAfterWorkerExit(t *testing.T) {
	e, err := New(module.NewRegistry(), WithQueueDepth(2))
	require.NoError(t, err)

	c, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(c))

	for i := 0; i < 4; i++ {
		err := e.SetFlow(context.Background(), tu.ChainFlow(int64(i), "A"))
		require.ErrorIs(t, err, errors.ErrEngineStopped)
		assert.True(t, errors.IsFatal(err))
	}
	assert.Empty(t, e.submissions)

	// A send that lands after the worker left is not reported as queued
	err = e.queued(submission{id: "late"})
	assert.ErrorIs(t, err, errors.ErrEngineStopped)
}

func TestEngine_SetFlowQueueFull(t *testing.T) {
	e, err := New(module.NewRegistry(), WithQueueDepth(1))
	require.NoError(t, err)

	require.NoError(t, e.SetFlow(context.Background(), []byte(`{}`)))

	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.SetFlow(c, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.True(t, errors.IsTransient(err))
}

func TestEngine_SetFlowCopiesInput(t *testing.T) {
	reg := module.NewRegistry()
	calls := tu.NewCallLog()
	require.NoError(t, reg.Register("A", "", "1", calls.Descriptor("A", nil)))
	e, err := New(reg)
	require.NoError(t, err)
	status := newStatusLog()
	e.OnStatus(status.record)

	doc := tu.ChainFlow(5, "A")
	want := slices.Clone(doc)
	require.NoError(t, e.SetFlow(context.Background(), doc))
	for i := range doc {
		doc[i] = 'x'
	}

	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(c) }()

	status.waitFor(t, StatusRunning)
	assert.Equal(t, want, e.FlowJSON())
}

func TestEngine_FIFO(t *testing.T) {
	f := newFixture(t, nil)
	for i := int64(1); i <= 3; i++ {
		f.submit(t, tu.ChainFlow(i, "A"))
	}
	for i := int64(1); i <= 3; i++ {
		ev := f.status.waitFor(t, StatusRunning)
		assert.Equal(t, i, ev.TaskID)
	}
	assert.Equal(t, 3, f.calls.Count("A", "Instantiate"))
	assert.Equal(t, 2, f.calls.Count("A", "Destroy"))
}

func TestEngine_RunExitTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, tu.ChainFlow(1, "A"))
	f.status.waitFor(t, StatusRunning)

	f.shutdown()
	assert.Equal(t, 1, f.calls.Count("A", "Destroy"))
	assert.Equal(t, StatusStopped, f.engine.Status())

	err := f.engine.SetFlow(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, errors.ErrEngineStopped)
	err = f.engine.Stop(context.Background())
	assert.ErrorIs(t, err, errors.ErrEngineStopped)

	err = f.engine.Run(context.Background())
	assert.Error(t, err, "Run may only be called once")
}

func TestEngine_GateHeldDuringBuild(t *testing.T) {
	calls := tu.NewCallLog()
	reg := module.NewRegistry()
	require.NoError(t, reg.Register("A", "", "1", calls.Descriptor("A", nil)))
	require.NoError(t, reg.Register("B", "", "1", calls.Descriptor("B", nil)))

	g := &fakeGate{calls: calls}
	e, err := New(reg, WithGate(g))
	require.NoError(t, err)
	status := newStatusLog()
	e.OnStatus(status.record)

	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(c) }()

	require.NoError(t, e.SetFlow(ctx(t), tu.ChainFlow(1, "A", "B")))
	status.waitFor(t, StatusRunning)

	calls.Reset()
	require.NoError(t, e.SetFlow(ctx(t), tu.ChainFlow(2, "B", "A")))
	status.waitFor(t, StatusRunning)

	seq := calls.Methods()
	hold := indexOf(seq, "gate.Hold")
	release := indexOf(seq, "gate.Release")
	require.GreaterOrEqual(t, hold, 0)
	assert.Less(t, hold, indexOf(seq, "B.Instantiate"))
	assert.Greater(t, release, lastIndexOf(seq, "A.Start"))
}

type fakeGate struct {
	calls *tu.CallLog
}

func (g *fakeGate) Hold() {
	g.calls.Record("gate", "Hold", "")
}

func (g *fakeGate) Release() {
	g.calls.Record("gate", "Release", "")
}

func TestEngine_PersistAndRestore(t *testing.T) {
	store := flowstore.NewMemoryStore()
	f := newFixture(t, nil, WithStore(store))

	doc := tu.FlowDoc(1712345678901, 2, "alarm",
		tu.NodeSpec{ID: 1, Type: "A", Index: 0, Params: map[string]any{"audio": "UklGRg==", "level": 2}},
	)
	f.submit(t, doc)
	f.status.waitFor(t, StatusRunning)

	var rec flowstore.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = store.Load(context.Background())
		return err == nil
	}, waitTimeout, 5*time.Millisecond)
	assert.Contains(t, string(rec.Flow), `"tlid":1712345678901`)

	// A second engine on the same store brings the flow back
	g := newFixture(t, nil, WithStore(store))
	found, err := g.engine.Restore(ctx(t))
	require.NoError(t, err)
	assert.True(t, found)
	g.status.waitFor(t, StatusRunning)
	assert.Equal(t, int64(1712345678901), g.engine.TaskID())

	// Stop forgets the saved flow
	require.NoError(t, g.engine.Stop(ctx(t)))
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	found, err = g.engine.Restore(ctx(t))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_PersistStripsAlarmAudio(t *testing.T) {
	store := flowstore.NewMemoryStore()
	reg := module.NewRegistry()
	calls := tu.NewCallLog()
	require.NoError(t, reg.Register("alarm trigger", "", "1", calls.Descriptor("alarm trigger", nil)))
	e, err := New(reg, WithStore(store))
	require.NoError(t, err)

	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(c) }()

	require.NoError(t, e.SetFlow(ctx(t), tu.FlowDoc(1, 1, "alarm",
		tu.NodeSpec{ID: 1, Type: "alarm trigger", Params: map[string]any{"audio": "UklGRg==", "text": "hi"}},
	)))

	var rec flowstore.Record
	require.Eventually(t, func() bool {
		rec, err = store.Load(context.Background())
		return err == nil
	}, waitTimeout, 5*time.Millisecond)
	assert.NotContains(t, string(rec.Flow), "audio")
	assert.Contains(t, string(rec.Flow), `"text":"hi"`)

	// The running module still got the full params
	assert.Contains(t, string(calls.Instances("alarm trigger")[0].Params()), "audio")
}

func TestEngine_RestoreWithoutStore(t *testing.T) {
	e, err := New(module.NewRegistry())
	require.NoError(t, err)
	found, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, nil, WithMetrics(registry))

	f.submit(t, tu.ChainFlow(1, "A", "B"))
	f.status.waitFor(t, StatusRunning)
	f.submit(t, []byte(`{`))
	f.status.waitFor(t, StatusErrJSONParse)

	m := f.engine.metrics
	assert.Equal(t, float64(2), testutil.ToFloat64(m.submissions.WithLabelValues("queued")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues("running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues("error_json_parse")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.teardowns))
	assert.Equal(t, float64(StatusErrJSONParse), testutil.ToFloat64(m.status))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeNodes))

	_, err := New(f.registry, WithMetrics(registry))
	assert.Error(t, err, "metrics are registered once per registry")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(module.NewRegistry(), WithQueueDepth(0))
	assert.True(t, errors.IsInvalid(err))
}
