package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulse-io/pulse/client"
	"github.com/pulse-io/pulse/internal/broadcast"
	"github.com/pulse-io/pulse/internal/instrument"
	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
	"github.com/pulse-io/pulse/internal/server"
	"github.com/pulse-io/pulse/internal/telemetry"
)

// pipeline wires every stage the way the daemon does: registry, telemetry
// lifecycle, middleware around an application handler, the broadcaster, and
// the diagnostics surface with /metrics and /ws.
type pipeline struct {
	registry    *metrics.Registry
	lifecycle   *telemetry.Lifecycle
	broadcaster *broadcast.Broadcaster

	app  *httptest.Server
	diag *httptest.Server
}

func startPipeline(t *testing.T, interval time.Duration) *pipeline {
	t.Helper()
	logger := logging.Nop()

	registry := metrics.NewRegistry()
	lifecycle := telemetry.NewLifecycle(logger)

	ctx := context.Background()
	if err := lifecycle.Init(ctx, telemetry.Config{
		ServiceName:    "pulse-integration",
		ServiceVersion: "test",
		SamplingRatio:  1.0,
		SpanBufferSize: 50,
	}); err != nil {
		t.Fatalf("initializing telemetry: %v", err)
	}

	filters := telemetry.NewFilters([]string{"/healthz", "/metrics", "/ws"}, nil)
	mw, err := instrument.NewMiddleware(registry, lifecycle, instrument.Options{
		Filters: filters,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("building middleware: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/items", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	})
	mux.HandleFunc("GET /api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"` + r.PathValue("id") + `"}`))
	})
	app := httptest.NewServer(mw.Wrap(mux))

	broadcaster, err := broadcast.New(registry, lifecycle.Recorder(), registry, broadcast.Config{
		Interval: interval,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("building broadcaster: %v", err)
	}
	broadcaster.Start()

	diagMux := http.NewServeMux()
	diagMux.Handle("/metrics", server.ExpositionHandler(registry))
	diagMux.Handle("/ws", broadcast.Handler(broadcaster, logger))
	diag := httptest.NewServer(diagMux)

	p := &pipeline{
		registry:    registry,
		lifecycle:   lifecycle,
		broadcaster: broadcaster,
		app:         app,
		diag:        diag,
	}
	t.Cleanup(func() {
		app.Close()
		broadcaster.Stop()
		diag.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lifecycle.Shutdown(shutdownCtx)
	})
	return p
}

func (p *pipeline) wsURL() string {
	return "ws" + strings.TrimPrefix(p.diag.URL, "http") + "/ws"
}

func (p *pipeline) get(t *testing.T, path string) {
	t.Helper()
	resp, err := http.Get(p.app.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// TestPipeline_MetricsReachExposition drives traffic through the middleware
// and verifies it shows up in the Prometheus text exposition.
func TestPipeline_MetricsReachExposition(t *testing.T) {
	p := startPipeline(t, time.Second)

	for i := 0; i < 5; i++ {
		p.get(t, "/api/items")
	}
	p.get(t, "/api/items/42")

	resp, err := http.Get(p.diag.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading exposition: %v", err)
	}

	text := string(body)
	want := `pulse_http_requests_total{method="GET",route="/api/items",status="200"} 5`
	if !strings.Contains(text, want) {
		t.Errorf("exposition missing %q\ngot:\n%s", want, text)
	}
	if !strings.Contains(text, `route="/api/items/{id}"`) {
		t.Error("parameterized route did not use the mux pattern label")
	}
	if !strings.Contains(text, "pulse_http_request_duration_seconds_bucket") {
		t.Error("duration histogram missing from exposition")
	}
}

// TestPipeline_PushChannelFeedsAggregator runs the full loop: instrumented
// traffic, broadcaster pushes over the websocket, and the dashboard client
// folding them into its windows.
func TestPipeline_PushChannelFeedsAggregator(t *testing.T) {
	p := startPipeline(t, 100*time.Millisecond)

	for i := 0; i < 4; i++ {
		p.get(t, "/api/items")
	}

	agg := client.NewAggregator(client.AggregatorConfig{})

	var mu sync.Mutex
	pushes := 0
	gotTraces := false

	c := client.New(p.wsURL(), client.Options{
		Logger: logging.Nop(),
		OnMetrics: func(snap *client.Snapshot) {
			agg.ApplyMetrics(snap)
			mu.Lock()
			pushes++
			mu.Unlock()
		},
		OnTraces: func(spans []client.Span) {
			agg.ApplyTraces(spans)
			if len(spans) > 0 {
				mu.Lock()
				gotTraces = true
				mu.Unlock()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		enough := pushes >= 2 && gotTraces
		mu.Unlock()
		if enough {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never saw enough pushes: pushes=%d traces=%v", pushes, gotTraces)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("client run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on cancellation")
	}

	_, counts := agg.RequestsPerMinute()
	var total float64
	for _, v := range counts {
		total += v
	}
	if total < 4 {
		t.Errorf("aggregated request count = %v, want at least the 4 driven requests", total)
	}

	labels, values := agg.Durations()
	if len(values) == 0 {
		t.Fatal("duration window is empty")
	}
	if len(labels) != len(values) {
		t.Fatalf("labels/values length mismatch: %d vs %d", len(labels), len(values))
	}
	for _, v := range values {
		if v < 0 {
			t.Errorf("negative mean duration %v", v)
		}
	}

	traces := agg.Traces()
	if len(traces) == 0 {
		t.Fatal("aggregator retained no traces")
	}
	if traces[0].Name == "" {
		t.Error("trace record missing span name")
	}
}

// TestPipeline_SnapshotDeltasSurviveRestartSemantics replays snapshots into
// the aggregator the way a reconnect after a server restart would look: the
// counter total drops, and the full post-restart value counts as new.
func TestPipeline_SnapshotDeltasSurviveRestartSemantics(t *testing.T) {
	agg := client.NewAggregator(client.AggregatorConfig{})

	now := time.Now()
	snap := func(total float64) *client.Snapshot {
		return &client.Snapshot{
			TakenAt: now,
			Families: []client.Family{{
				Name:   client.DefaultRequestsMetric,
				Kind:   "counter",
				Series: []client.Series{{Value: total}},
			}},
		}
	}

	agg.ApplyMetrics(snap(10))
	agg.ApplyMetrics(snap(16))
	// Restart: total resets below the previous one.
	agg.ApplyMetrics(snap(3))

	_, counts := agg.RequestsPerMinute()
	var total float64
	for _, v := range counts {
		total += v
	}
	if total != 10+6+3 {
		t.Errorf("aggregated total = %v, want 19 (10 initial, 6 delta, 3 post-restart)", total)
	}
}
