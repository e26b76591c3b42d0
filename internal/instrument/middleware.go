// Package instrument wires HTTP handling into the pulse pipeline: one
// middleware that meters and traces every request, and a sampler for Go
// runtime health.
package instrument

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
	"github.com/pulse-io/pulse/internal/telemetry"
)

// Metric names the middleware registers. Exported so handlers and tests can
// address them through the registry.
const (
	MetricRequestsTotal    = "pulse_http_requests_total"
	MetricRequestDuration  = "pulse_http_request_duration_seconds"
	MetricRequestsInflight = "pulse_http_requests_inflight"
)

// RouteOverflow is the route label used once the fallback route table is
// full. It caps label cardinality when requests bypass the pattern mux.
const RouteOverflow = "other"

// Middleware instruments HTTP handlers: a counter and duration histogram
// labeled by method, route and status, an inflight gauge, and a server span
// per request. Each request is observed exactly once, whether it completes,
// panics, or the client goes away.
type Middleware struct {
	lifecycle *telemetry.Lifecycle
	filters   *telemetry.Filters
	logger    *logging.Logger

	requests *metrics.Metric
	duration *metrics.Metric
	inflight *metrics.Metric

	routeLimit int
	mu         sync.Mutex
	routes     map[string]struct{}
}

// Options configures the middleware.
type Options struct {
	// RouteLimit caps the number of distinct raw-path route labels created
	// for requests that carry no mux pattern. Zero means 50.
	RouteLimit int

	// Filters excludes paths from instrumentation entirely. Nil means
	// instrument everything.
	Filters *telemetry.Filters

	Logger *logging.Logger
}

// NewMiddleware registers the HTTP instruments on reg and returns the
// middleware. Registration failure is a configuration error; the daemon
// treats it as fatal.
func NewMiddleware(reg *metrics.Registry, lc *telemetry.Lifecycle, opts Options) (*Middleware, error) {
	if opts.RouteLimit <= 0 {
		opts.RouteLimit = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	requests, err := reg.Register(metrics.Descriptor{
		Name:   MetricRequestsTotal,
		Help:   "Total HTTP requests handled, by method, route and status.",
		Kind:   metrics.KindCounter,
		Labels: []string{"method", "route", "status"},
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricRequestsTotal, err)
	}

	duration, err := reg.Register(metrics.Descriptor{
		Name:   MetricRequestDuration,
		Help:   "HTTP request duration in seconds, by method, route and status.",
		Kind:   metrics.KindHistogram,
		Labels: []string{"method", "route", "status"},
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricRequestDuration, err)
	}

	inflight, err := reg.Register(metrics.Descriptor{
		Name: MetricRequestsInflight,
		Help: "HTTP requests currently being handled.",
		Kind: metrics.KindGauge,
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricRequestsInflight, err)
	}

	return &Middleware{
		lifecycle:  lc,
		filters:    opts.Filters,
		logger:     logger.WithComponent("instrument"),
		requests:   requests,
		duration:   duration,
		inflight:   inflight,
		routeLimit: opts.RouteLimit,
		routes:     make(map[string]struct{}),
	}, nil
}

// Wrap returns a handler that instruments next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.filters.TracePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.record(m.inflight.Add(1))

		sw := &statusWriter{ResponseWriter: w}

		ctx := r.Context()
		tracer := m.lifecycle.Tracer("pulse/http")
		ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logging.WithTraceIDCtx(ctx, sc.TraceID().String())
			ctx = logging.WithSpanIDCtx(ctx, sc.SpanID().String())
		}
		r = r.WithContext(ctx)

		// Observe in a deferred closure so the instruments fire exactly
		// once per request. A handler panic is observed as a 500, then
		// re-raised so net/http keeps its usual panic handling.
		defer func() {
			panicked := recover()

			status := sw.status()
			if panicked != nil {
				status = http.StatusInternalServerError
			}
			m.observe(span, r, start, status)

			if panicked != nil {
				panic(panicked)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}

func (m *Middleware) observe(span trace.Span, r *http.Request, start time.Time, status int) {
	route := m.route(r)
	statusLabel := strconv.Itoa(status)
	elapsed := time.Since(start).Seconds()

	m.record(m.inflight.Sub(1))
	m.record(m.requests.Inc(r.Method, route, statusLabel))
	m.record(m.duration.Observe(elapsed, r.Method, route, statusLabel))

	span.SetName(r.Method + " " + route)
	span.SetAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// record logs and drops instrument errors. Bad telemetry must never fail
// the request being handled.
func (m *Middleware) record(err error) {
	if err != nil {
		m.logger.Warnf("metric recording skipped", map[string]any{"error": err.Error()})
	}
}

// route returns the label value for the request's route. Requests routed by
// a pattern mux get the pattern, so "/orders/123" and "/orders/456" share
// the "/orders/{id}" label. Unrouted requests fall back to the raw path,
// capped at routeLimit distinct values before collapsing into "other".
func (m *Middleware) route(r *http.Request) string {
	if p := r.Pattern; p != "" {
		// Patterns may carry a method prefix ("GET /orders/{id}").
		if _, rest, ok := strings.Cut(p, " "); ok {
			return rest
		}
		return p
	}

	path := r.URL.Path

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[path]; ok {
		return path
	}
	if len(m.routes) >= m.routeLimit {
		return RouteOverflow
	}
	m.routes[path] = struct{}{}
	return path
}

// statusWriter captures the response status code. A handler that writes a
// body without an explicit WriteHeader gets the implicit 200.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.code = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush passes through so streaming handlers keep working when wrapped.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) status() int {
	if !w.wroteHeader {
		// The handler returned without writing; net/http will send 200.
		return http.StatusOK
	}
	return w.code
}
