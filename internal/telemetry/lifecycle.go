// Package telemetry owns the tracing pipeline: a managed OpenTelemetry
// tracer provider with batched OTLP export, ratio sampling, and an
// in-process span recorder that feeds the dashboard broadcaster.
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pulse-io/pulse/internal/logging"
)

// Sentinel errors for lifecycle transitions.
var (
	// ErrStopped is returned by Init after Shutdown has completed. A
	// stopped lifecycle cannot be restarted; create a new one.
	ErrStopped = errors.New("telemetry lifecycle already stopped")

	// ErrShutdownTimeout is returned when the export pipeline could not
	// drain before the shutdown context expired. The lifecycle still ends
	// up Stopped; buffered spans not yet exported are dropped.
	ErrShutdownTimeout = errors.New("telemetry shutdown timed out")
)

// State is the lifecycle phase of the telemetry pipeline.
type State int32

const (
	// StateUninitialized is the zero state before Init.
	StateUninitialized State = iota
	// StateInitializing is held while the pipeline is being built.
	StateInitializing
	// StateRunning means spans are recorded and exported.
	StateRunning
	// StateDraining is held while Shutdown flushes buffered spans.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the settings the pipeline is built from. An empty Endpoint
// keeps spans local: they reach the recorder but are never exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// InstanceID distinguishes replicas of the same service. Empty means
	// a random one is generated at Init.
	InstanceID string

	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRatio float64

	ExportTimeout    time.Duration
	BatchTimeout     time.Duration
	MaxBatchSize     int
	RetryMaxAttempts int

	SpanBufferSize int

	// OnExportError is invoked for every error the export pipeline
	// surfaces. Nil means log only.
	OnExportError func(error)
}

// DefaultConfig returns the configuration used when the tracer is requested
// before Init: record everything locally, export nothing.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "pulse",
		ServiceVersion: "dev",
		Environment:    "development",
		SamplingRatio:  1.0,
		ExportTimeout:  10 * time.Second,
		BatchTimeout:   5 * time.Second,
		MaxBatchSize:   512,
		SpanBufferSize: 50,
	}
}

// Lifecycle manages the tracer provider through its states. The zero value
// is not usable; create it with NewLifecycle. All methods are safe for
// concurrent use.
type Lifecycle struct {
	logger *logging.Logger
	state  atomic.Int32

	mu       sync.Mutex
	provider *sdktrace.TracerProvider
	recorder *SpanRecorder
	conn     *grpc.ClientConn
}

// NewLifecycle creates an uninitialized lifecycle.
func NewLifecycle(logger *logging.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.Global()
	}
	return &Lifecycle{
		logger: logger.WithComponent("telemetry"),
	}
}

// State returns the current lifecycle state without blocking.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) setState(s State) {
	l.state.Store(int32(s))
}

// Init builds the tracing pipeline. It is idempotent: calling it again
// while Running returns nil without rebuilding anything. Calling it after
// Shutdown returns ErrStopped.
func (l *Lifecycle) Init(ctx context.Context, cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	case StateDraining:
		return ErrStopped
	}

	l.setState(StateInitializing)
	if err := l.buildPipeline(ctx, cfg); err != nil {
		l.setState(StateUninitialized)
		return err
	}
	l.setState(StateRunning)

	l.logger.Infof("telemetry pipeline running", map[string]any{
		"service":       cfg.ServiceName,
		"endpoint":      cfg.Endpoint,
		"samplingRatio": cfg.SamplingRatio,
	})
	return nil
}

// buildPipeline assembles resource, sampler, recorder and, when an endpoint
// is configured, the batched OTLP exporter. Callers must hold l.mu.
func (l *Lifecycle) buildPipeline(ctx context.Context, cfg Config) error {
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio %v outside [0.0, 1.0]", cfg.SamplingRatio)
	}
	if cfg.SpanBufferSize <= 0 {
		cfg.SpanBufferSize = DefaultConfig().SpanBufferSize
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(cfg.InstanceID),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	recorder := NewSpanRecorder(cfg.SpanBufferSize)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
		sdktrace.WithSpanProcessor(recorder),
	}

	if cfg.Endpoint != "" {
		conn, exporter, err := l.buildExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("building span exporter: %w", err)
		}
		l.conn = conn

		batchOpts := []sdktrace.BatchSpanProcessorOption{
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
		}
		if cfg.MaxBatchSize > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.MaxBatchSize))
		}
		if cfg.ExportTimeout > 0 {
			batchOpts = append(batchOpts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batchOpts...))
	}

	// Export errors are reported asynchronously through the global handler.
	// Route them into our logging and the optional counter hook instead of
	// OTel's stderr default.
	onError := cfg.OnExportError
	logger := l.logger
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Errorf("span export failed", map[string]any{"error": err.Error()})
		if onError != nil {
			onError(err)
		}
	}))

	l.provider = sdktrace.NewTracerProvider(opts...)
	l.recorder = recorder
	return nil
}

func (l *Lifecycle) buildExporter(ctx context.Context, cfg Config) (*grpc.ClientConn, *otlptrace.Exporter, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.Endpoint, err)
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithGRPCConn(conn),
	}
	if len(cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.ExportTimeout > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	if cfg.RetryMaxAttempts > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
			// The gRPC retry config bounds elapsed time rather than
			// attempts; size the window to the configured attempt count.
			MaxElapsedTime: time.Duration(cfg.RetryMaxAttempts) * 5 * time.Second,
		}))
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, exporter, nil
}

// Shutdown drains the pipeline and stops it. It is idempotent. When the
// context expires before buffered spans are flushed, the remaining spans
// are dropped and ErrShutdownTimeout is returned; the lifecycle still ends
// up Stopped.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateStopped:
		return nil
	case StateUninitialized:
		l.setState(StateStopped)
		return nil
	}

	l.setState(StateDraining)
	l.logger.Info("draining telemetry pipeline")

	var err error
	if l.provider != nil {
		err = l.provider.Shutdown(ctx)
	}
	if l.conn != nil {
		if cerr := l.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		l.conn = nil
	}
	l.provider = nil
	l.setState(StateStopped)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ErrShutdownTimeout, err)
		}
		l.logger.Errorf("telemetry shutdown incomplete", map[string]any{"error": err.Error()})
		return err
	}

	l.logger.Info("telemetry pipeline stopped")
	return nil
}

// ForceFlush pushes buffered spans to the exporter without stopping.
func (l *Lifecycle) ForceFlush(ctx context.Context) error {
	l.mu.Lock()
	provider := l.provider
	l.mu.Unlock()

	if provider == nil {
		return nil
	}
	return provider.ForceFlush(ctx)
}

// Tracer returns a tracer for the named instrumentation scope. Requesting a
// tracer before Init lazily initializes the pipeline with DefaultConfig, so
// spans are recorded locally even when the caller never configured export.
// After Shutdown it returns a no-op tracer.
func (l *Lifecycle) Tracer(name string) trace.Tracer {
	switch l.State() {
	case StateStopped, StateDraining:
		return noop.NewTracerProvider().Tracer(name)
	case StateUninitialized:
		if err := l.Init(context.Background(), DefaultConfig()); err != nil && !errors.Is(err, ErrStopped) {
			l.logger.Errorf("lazy telemetry init failed", map[string]any{"error": err.Error()})
			return noop.NewTracerProvider().Tracer(name)
		}
	}

	l.mu.Lock()
	provider := l.provider
	l.mu.Unlock()

	if provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return provider.Tracer(name)
}

// Recorder returns the span recorder feeding the broadcaster, or nil before
// initialization.
func (l *Lifecycle) Recorder() *SpanRecorder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorder
}

// Name implements the readiness checker used by the health server.
func (l *Lifecycle) Name() string {
	return "telemetry"
}

// CheckReady reports readiness: the pipeline must be Running.
func (l *Lifecycle) CheckReady(ctx context.Context) error {
	if s := l.State(); s != StateRunning {
		return fmt.Errorf("telemetry pipeline %s", s)
	}
	return nil
}
