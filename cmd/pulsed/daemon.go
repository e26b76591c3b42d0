package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pulse-io/pulse/internal/broadcast"
	"github.com/pulse-io/pulse/internal/config"
	"github.com/pulse-io/pulse/internal/instrument"
	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
	"github.com/pulse-io/pulse/internal/server"
	"github.com/pulse-io/pulse/internal/telemetry"
)

// Self-metric names the daemon registers on top of the component ones.
const (
	MetricBuildInfo           = "pulse_build_info"
	MetricExportFailuresTotal = "pulse_trace_export_failures_total"
)

// diagnosticsPaths are never traced or metered; instrumenting the
// observability surface itself would pollute every dashboard with probe
// noise.
var diagnosticsPaths = []string{"/healthz", "/readyz", "/metrics", "/ws", "/debug/pprof"}

// DaemonOptions configures a Daemon.
type DaemonOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string
	Commit  string

	// Demo mounts the built-in canned-JSON application behind the
	// middleware so the pipeline has traffic to measure.
	Demo bool

	// AppHandler overrides the application the middleware wraps. Nil
	// means the demo app (when Demo) or a minimal root handler.
	AppHandler http.Handler
}

// Daemon wires the pipeline together: registry, telemetry lifecycle,
// middleware, broadcaster, and the two HTTP servers.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	registry    *metrics.Registry
	lifecycle   *telemetry.Lifecycle
	filters     *telemetry.Filters
	middleware  *instrument.Middleware
	sampler     *instrument.RuntimeSampler
	broadcaster *broadcast.Broadcaster
	health      *server.HealthServer

	appServer *http.Server
	appAddr   string
	appLn     net.Listener

	onExportError func(error)
}

// NewDaemon builds but does not start a daemon. Registration failures are
// configuration errors and abort construction.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	registry := metrics.NewRegistry()

	buildInfo, err := registry.Register(metrics.Descriptor{
		Name:   MetricBuildInfo,
		Help:   "Build information, value is always 1.",
		Kind:   metrics.KindGauge,
		Labels: []string{"version", "commit"},
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricBuildInfo, err)
	}
	if err := buildInfo.Set(1, opts.Version, opts.Commit); err != nil {
		return nil, err
	}

	exportFailures, err := registry.Register(metrics.Descriptor{
		Name: MetricExportFailuresTotal,
		Help: "Span export batches that failed after their bounded retry window.",
		Kind: metrics.KindCounter,
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricExportFailuresTotal, err)
	}

	skipPaths := append(append([]string(nil), diagnosticsPaths...), cfg.Instrument.SkipPaths...)
	excludeHosts := append([]string(nil), cfg.Instrument.ExcludeHosts...)
	if cfg.Exporter.Endpoint != "" {
		// Never trace the pipeline's own export traffic.
		excludeHosts = append(excludeHosts, cfg.Exporter.Endpoint)
	}
	filters := telemetry.NewFilters(skipPaths, excludeHosts)

	lifecycle := telemetry.NewLifecycle(logger)

	middleware, err := instrument.NewMiddleware(registry, lifecycle, instrument.Options{
		RouteLimit: cfg.Instrument.RouteLimit,
		Filters:    filters,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building middleware: %w", err)
	}

	var sampler *instrument.RuntimeSampler
	if cfg.Instrument.RuntimeMetrics {
		sampler, err = instrument.NewRuntimeSampler(registry, instrument.RuntimeSamplerConfig{
			SampleIntervalMs: cfg.Instrument.RuntimeSampleIntervalMs,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("building runtime sampler: %w", err)
		}
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger.WithComponent("daemon"),
		registry:   registry,
		lifecycle:  lifecycle,
		filters:    filters,
		middleware: middleware,
		sampler:    sampler,
		health:     server.NewHealthServer(cfg.Server.HealthAddr, logger),
	}

	app := opts.AppHandler
	if app == nil {
		if opts.Demo {
			app = demoApp()
		} else {
			app = rootApp(opts.Version)
		}
	}
	d.appServer = &http.Server{
		Handler:      middleware.Wrap(app),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	d.exportFailureHook(exportFailures)
	return d, nil
}

// exportFailureHook routes exporter errors into the registry.
func (d *Daemon) exportFailureHook(counter *metrics.Metric) {
	d.onExportError = func(error) {
		if err := counter.Inc(); err != nil {
			d.logger.Warnf("self-metric update skipped", map[string]any{"error": err.Error()})
		}
	}
}

// Start brings the pipeline up and blocks until ctx is cancelled or the
// application server fails.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.cfg

	if err := d.lifecycle.Init(ctx, telemetry.Config{
		ServiceName:      cfg.Service.Name,
		ServiceVersion:   cfg.Service.Version,
		Environment:      cfg.Service.Environment,
		Endpoint:         cfg.Exporter.Endpoint,
		Headers:          cfg.Exporter.Headers,
		Insecure:         cfg.Exporter.Insecure,
		SamplingRatio:    cfg.Sampling.Ratio,
		ExportTimeout:    time.Duration(cfg.Exporter.TimeoutMs) * time.Millisecond,
		BatchTimeout:     time.Duration(cfg.Exporter.BatchTimeoutMs) * time.Millisecond,
		MaxBatchSize:     cfg.Exporter.MaxBatchSize,
		RetryMaxAttempts: cfg.Exporter.RetryMaxAttempts,
		SpanBufferSize:   cfg.Exporter.SpanBufferSize,
		OnExportError:    d.onExportError,
	}); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	broadcaster, err := broadcast.New(d.registry, d.lifecycle.Recorder(), d.registry, broadcast.Config{
		Interval:  time.Duration(cfg.Broadcast.IntervalMs) * time.Millisecond,
		QueueSize: cfg.Broadcast.QueueSize,
		Logger:    d.logger,
		Heartbeat: func() { d.health.LoopBeat("broadcaster") },
	})
	if err != nil {
		return fmt.Errorf("building broadcaster: %w", err)
	}
	d.broadcaster = broadcaster

	d.health.RegisterReadinessCheck(d.lifecycle)
	d.health.RegisterHandler("/metrics", server.ExpositionHandler(d.registry))
	d.health.RegisterHandler("/ws", broadcast.Handler(broadcaster, d.logger))
	if err := d.health.Start(); err != nil {
		return fmt.Errorf("starting diagnostics server: %w", err)
	}

	d.health.RegisterLoop("broadcaster")
	broadcaster.Start()

	if d.sampler != nil {
		d.sampler.Start()
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Server.ListenAddr, err)
	}
	d.appLn = ln
	d.appAddr = ln.Addr().String()

	d.logger.Infof("application server listening", map[string]any{"addr": d.appAddr})

	errCh := make(chan error, 1)
	go func() {
		if err := d.appServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// AppAddr returns the bound application address once Start has run.
func (d *Daemon) AppAddr() string {
	return d.appAddr
}

// HealthAddr returns the bound diagnostics address.
func (d *Daemon) HealthAddr() string {
	return d.health.Addr()
}

// Registry exposes the daemon's metric registry.
func (d *Daemon) Registry() *metrics.Registry {
	return d.registry
}

// Shutdown drains everything in dependency order: stop taking requests,
// stop the background loops, flush telemetry, then close the diagnostics
// server last so probes see the shutdown state.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.health.SetShuttingDown()

	var firstErr error
	if err := d.appServer.Shutdown(ctx); err != nil {
		firstErr = err
	}

	if d.broadcaster != nil {
		d.broadcaster.Stop()
	}
	d.health.UnregisterLoop("broadcaster")

	if d.sampler != nil {
		d.sampler.Stop()
	}

	if err := d.lifecycle.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.health.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
