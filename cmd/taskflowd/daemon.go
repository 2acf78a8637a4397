package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/taskflow/bus"
	"github.com/c360/taskflow/config"
	flowengine "github.com/c360/taskflow/engine"
	"github.com/c360/taskflow/flowstore"
	"github.com/c360/taskflow/health"
	"github.com/c360/taskflow/metric"
	"github.com/c360/taskflow/module"
	"github.com/c360/taskflow/moduleregistry"
	"github.com/c360/taskflow/natsclient"
	"github.com/c360/taskflow/pkg/retry"
)

// daemon owns every long-lived piece of the process
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	nats       *natsclient.Client
	bus        bus.Bus
	store      flowstore.Store
	registry   *module.Registry
	engine     *flowengine.Engine
	server     *metric.Server
	monitor    *health.Monitor
	remoteSubs []*nats.Subscription

	wg sync.WaitGroup
}

// newDaemon builds the object graph described by cfg. NATS is only dialled
// when the bus or the store needs it.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		metrics:  metric.NewMetricsRegistry(),
		registry: module.NewRegistry(),
		monitor:  health.NewMonitor(),
	}
	d.monitor.Update("engine", health.NewHealthy("engine", flowengine.StatusStopped.String()))

	if cfg.NeedsNATS() {
		if err := d.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	if err := d.setupBus(); err != nil {
		_ = d.close(ctx)
		return nil, err
	}
	if err := d.setupStore(ctx); err != nil {
		_ = d.close(ctx)
		return nil, err
	}

	if err := moduleregistry.Register(d.registry, d.bus, moduleregistry.Options{Logger: logger}); err != nil {
		_ = d.close(ctx)
		return nil, fmt.Errorf("register modules: %w", err)
	}
	logger.Info("modules registered", "count", d.registry.Len())

	if err := d.setupEngine(); err != nil {
		_ = d.close(ctx)
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		d.server = metric.NewServer(cfg.Metrics.Addr, d.metrics, d.health)
	}
	return d, nil
}

// natsOptions maps the nats section onto client options. Zero durations
// keep the client defaults.
func natsOptions(nc config.NATSConfig, logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(nc.Name),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait.Std()))
	}
	if nc.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(nc.PingInterval.Std()))
	}
	if nc.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(nc.DrainTimeout.Std()))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	return opts
}

func (d *daemon) connectNATS(ctx context.Context) error {
	nc := d.cfg.NATS
	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), natsOptions(nc, d.logger)...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	d.logger.Info("connecting to NATS", "urls", nc.URLs)
	if err := retry.Do(ctx, retry.Startup(), func() error { return client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	d.monitor.Update("nats", health.NewHealthy("nats", client.Status().String()))
	client.OnHealthChange(func(healthy bool) {
		d.logger.Warn("NATS health changed", "healthy", healthy)
		if healthy {
			d.monitor.Update("nats", health.NewHealthy("nats", client.Status().String()))
		} else {
			d.monitor.Update("nats", health.NewUnhealthy("nats", client.Status().String()))
		}
	})
	d.nats = client
	return nil
}

func (d *daemon) setupBus() error {
	opts := []bus.Option{
		bus.WithMailboxSize(d.cfg.Bus.MailboxSize),
		bus.WithLogger(d.logger),
		bus.WithMetrics(d.metrics),
	}

	switch d.cfg.Bus.Kind {
	case config.BusNATS:
		origin := d.cfg.Bus.Origin
		if origin == "" {
			origin, _ = os.Hostname()
		}
		b, err := bus.NewNATSBus(d.nats, d.cfg.Bus.SubjectPrefix, origin, opts...)
		if err != nil {
			return fmt.Errorf("create NATS bus: %w", err)
		}
		d.bus = b
	default:
		b, err := bus.NewMemoryBus(opts...)
		if err != nil {
			return fmt.Errorf("create memory bus: %w", err)
		}
		d.bus = b
	}
	d.logger.Info("event bus ready", "kind", d.cfg.Bus.Kind)
	return nil
}

func (d *daemon) setupStore(ctx context.Context) error {
	switch d.cfg.Store.Kind {
	case config.StoreKV:
		s, err := retry.DoWithResult(ctx, retry.DefaultPolicy(), func() (*flowstore.KVStore, error) {
			return flowstore.NewKVStore(ctx, d.nats, d.cfg.Store.Bucket)
		})
		if err != nil {
			return fmt.Errorf("open flow store: %w", err)
		}
		d.store = s
	case config.StoreMemory:
		d.store = flowstore.NewMemoryStore()
	}
	d.logger.Info("flow store ready", "kind", d.cfg.Store.Kind)
	return nil
}

func (d *daemon) setupEngine() error {
	policy, err := flowengine.ParseConfigPolicy(d.cfg.Engine.ConfigPolicy)
	if err != nil {
		return err
	}

	opts := []flowengine.Option{
		flowengine.WithQueueDepth(d.cfg.Engine.QueueDepth),
		flowengine.WithConfigPolicy(policy),
		flowengine.WithLogger(d.logger),
		flowengine.WithMetrics(d.metrics),
	}
	if g, ok := d.bus.(bus.Gate); ok {
		opts = append(opts, flowengine.WithGate(g))
	}
	if d.store != nil {
		opts = append(opts, flowengine.WithStore(d.store))
	}

	e, err := flowengine.New(d.registry, opts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	e.OnStatus(d.publishStatus)
	e.OnModuleStatus(func(ev flowengine.ModuleStatusEvent) {
		d.publish(d.subject("module_status"), ev)
	})
	d.engine = e
	return nil
}

func (d *daemon) subject(name string) string {
	return d.cfg.Bus.SubjectPrefix + "." + name
}

func (d *daemon) publishStatus(ev flowengine.StatusEvent) {
	attrs := []any{"task_id", ev.TaskID, "status", ev.StatusName}
	switch {
	case ev.Status.IsError():
		d.logger.Warn("engine status", append(attrs, "module", ev.Module, "error", ev.Error)...)
		d.monitor.Update("engine", health.NewDegraded("engine", ev.StatusName+": "+ev.Error))
	case ev.Status.IsBusy():
		d.logger.Info("engine status", attrs...)
		d.monitor.Update("engine", health.NewDegraded("engine", ev.StatusName))
	default:
		d.logger.Info("engine status", attrs...)
		d.monitor.Update("engine", health.NewHealthy("engine", ev.StatusName))
	}
	d.publish(d.subject("status"), ev)
}

// publish sends v as JSON when NATS is connected
func (d *daemon) publish(subject string, v any) {
	if d.nats == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("encode event", "subject", subject, "error", err)
		return
	}
	if err := d.nats.Publish(context.Background(), subject, data); err != nil {
		d.logger.Debug("publish failed", "subject", subject, "error", err)
	}
}

// health feeds /healthz. A degraded engine (failed build, busy) still
// answers 200; only an unhealthy part fails the probe.
func (d *daemon) health() (bool, string) {
	status := d.monitor.AggregateHealth(appName)
	detail, err := json.Marshal(status)
	if err != nil {
		return status.Healthy, status.Status
	}
	return !status.IsUnhealthy(), string(detail)
}

// run starts the worker and the outer surfaces and blocks until ctx ends
func (d *daemon) run(ctx context.Context) error {
	runErr := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runErr <- d.engine.Run(ctx)
	}()

	if d.server != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.server.Start(); err != nil {
				d.logger.Error("metrics server failed", "error", err)
			}
		}()
		d.logger.Info("metrics server listening", "addr", d.cfg.Metrics.Addr)
	}

	if d.nats != nil {
		if err := d.serveRemote(ctx); err != nil {
			return err
		}
	}

	if err := d.boot(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		return err
	}
	return <-runErr
}

// boot restores the persisted flow, or applies flow_file when nothing was
// saved
func (d *daemon) boot(ctx context.Context) error {
	restored, err := d.engine.Restore(ctx)
	if err != nil {
		d.logger.Warn("restore saved flow failed", "error", err)
	}
	if restored || d.cfg.FlowFile == "" {
		return nil
	}

	data, err := config.ReadFlowFile(d.cfg.FlowFile)
	if err != nil {
		return fmt.Errorf("read flow file: %w", err)
	}
	if err := d.submit(ctx, data); err != nil {
		return fmt.Errorf("apply flow file: %w", err)
	}
	d.logger.Info("boot flow submitted", "path", d.cfg.FlowFile)
	return nil
}

func (d *daemon) submit(ctx context.Context, data []byte) error {
	submitCtx := ctx
	if t := d.cfg.Engine.SubmitTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return d.engine.SetFlow(submitCtx, data)
}

// close releases everything newDaemon and run acquired, in reverse order
func (d *daemon) close(ctx context.Context) error {
	var errs []error
	for _, sub := range d.remoteSubs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject, err))
		}
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
	}

	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.nats != nil {
		if err := d.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
