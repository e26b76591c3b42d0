package telemetry

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Filters decides which HTTP traffic gets spans. Path prefixes keep probe
// noise like /healthz out of traces; host excludes stop the pipeline from
// tracing its own export traffic, which would loop forever.
type Filters struct {
	pathPrefixes []string
	hosts        map[string]struct{}
}

// NewFilters builds filters from skip-path prefixes and excluded hosts.
// Host entries may carry a port; matching strips it from the request side.
func NewFilters(skipPaths, excludeHosts []string) *Filters {
	f := &Filters{
		pathPrefixes: append([]string(nil), skipPaths...),
		hosts:        make(map[string]struct{}, len(excludeHosts)),
	}
	for _, h := range excludeHosts {
		if h == "" {
			continue
		}
		f.hosts[stripPort(h)] = struct{}{}
	}
	return f
}

// TracePath reports whether requests to path should be traced.
func (f *Filters) TracePath(path string) bool {
	if f == nil {
		return true
	}
	for _, prefix := range f.pathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// TraceHost reports whether outbound requests to host should be traced.
func (f *Filters) TraceHost(host string) bool {
	if f == nil {
		return true
	}
	_, excluded := f.hosts[stripPort(host)]
	return !excluded
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

// Transport is an http.RoundTripper that wraps outbound requests in client
// spans. Requests to excluded hosts pass through untouched.
type Transport struct {
	Base      http.RoundTripper
	Lifecycle *Lifecycle
	Filters   *Filters
}

// NewTransport wraps base with outbound tracing. A nil base means
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, lc *Lifecycle, filters *Filters) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Lifecycle: lc, Filters: filters}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Lifecycle == nil || !t.Filters.TraceHost(req.URL.Host) {
		return t.Base.RoundTrip(req)
	}

	tracer := t.Lifecycle.Tracer("pulse/outbound")
	ctx, span := tracer.Start(req.Context(), fmt.Sprintf("HTTP %s", req.Method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	resp, err := t.Base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}
