package telemetry

import (
	"context"
	"fmt"
	"testing"

	"github.com/pulse-io/pulse/internal/logging"
)

// endSpans runs count spans through a recorder-only pipeline so OnEnd fires
// with real ReadOnlySpan values.
func endSpans(t *testing.T, lc *Lifecycle, count int) {
	t.Helper()
	tracer := lc.Tracer("test")
	for i := 0; i < count; i++ {
		_, span := tracer.Start(context.Background(), fmt.Sprintf("span-%d", i))
		span.End()
	}
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	lc := NewLifecycle(logging.Nop())
	cfg := recorderOnlyConfig()
	cfg.SpanBufferSize = 3
	if err := lc.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer lc.Shutdown(context.Background())

	endSpans(t, lc, 5)

	records := lc.Recorder().Records()
	if len(records) != 3 {
		t.Fatalf("retained %d spans, want 3", len(records))
	}

	// Oldest first: spans 2, 3, 4 survive.
	want := []string{"span-2", "span-3", "span-4"}
	for i, w := range want {
		if records[i].Name != w {
			t.Errorf("records[%d] = %q, want %q", i, records[i].Name, w)
		}
	}
}

func TestRecorderPartiallyFilled(t *testing.T) {
	lc := NewLifecycle(logging.Nop())
	cfg := recorderOnlyConfig()
	cfg.SpanBufferSize = 10
	if err := lc.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer lc.Shutdown(context.Background())

	endSpans(t, lc, 4)

	recorder := lc.Recorder()
	if recorder.Len() != 4 {
		t.Errorf("Len() = %d, want 4", recorder.Len())
	}

	records := recorder.Records()
	if len(records) != 4 {
		t.Fatalf("Records() returned %d, want 4", len(records))
	}
	for i := range records {
		if records[i].Name != fmt.Sprintf("span-%d", i) {
			t.Errorf("records[%d] = %q, want span-%d", i, records[i].Name, i)
		}
	}
}

func TestRecorderRecordsAreCopies(t *testing.T) {
	lc := NewLifecycle(logging.Nop())
	if err := lc.Init(context.Background(), recorderOnlyConfig()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer lc.Shutdown(context.Background())

	endSpans(t, lc, 1)

	first := lc.Recorder().Records()
	first[0].Name = "tampered"

	second := lc.Recorder().Records()
	if second[0].Name != "span-0" {
		t.Error("mutating a returned slice must not affect the recorder")
	}
}

func TestRecorderMinimumCapacity(t *testing.T) {
	r := NewSpanRecorder(0)
	if got := len(r.buf); got != 1 {
		t.Errorf("capacity = %d, want clamp to 1", got)
	}
}

func TestRecorderEmpty(t *testing.T) {
	r := NewSpanRecorder(5)
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if got := r.Records(); len(got) != 0 {
		t.Errorf("Records() = %v, want empty", got)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
	if err := r.ForceFlush(context.Background()); err != nil {
		t.Errorf("ForceFlush() = %v, want nil", err)
	}
}
