package metrics

import (
	"bytes"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestGatherFamilies(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:   "pulse_requests_total",
		Help:   "Total requests.",
		Kind:   KindCounter,
		Labels: []string{"method", "status"},
	})
	reg.MustRegister(Descriptor{
		Name:    "pulse_duration_seconds",
		Help:    "Request duration.",
		Kind:    KindHistogram,
		Buckets: []float64{0.1, 1},
	})

	if err := reg.Inc("pulse_requests_total", "GET", "200"); err != nil {
		t.Fatalf("Inc() error: %v", err)
	}
	if err := reg.Observe("pulse_duration_seconds", 0.05); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := reg.Observe("pulse_duration_seconds", 5); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected 2 families, got %d", len(families))
	}

	counter := families[0]
	if counter.GetName() != "pulse_requests_total" {
		t.Errorf("family name = %q, want pulse_requests_total", counter.GetName())
	}
	if counter.GetType() != dto.MetricType_COUNTER {
		t.Errorf("family type = %v, want COUNTER", counter.GetType())
	}
	if counter.GetHelp() != "Total requests." {
		t.Errorf("family help = %q", counter.GetHelp())
	}
	if len(counter.Metric) != 1 {
		t.Fatalf("expected 1 series, got %d", len(counter.Metric))
	}
	labels := counter.Metric[0].GetLabel()
	if len(labels) != 2 || labels[0].GetName() != "method" || labels[0].GetValue() != "GET" {
		t.Errorf("unexpected labels: %v", labels)
	}
	if got := counter.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("counter value = %v, want 1", got)
	}

	hist := families[1]
	if hist.GetType() != dto.MetricType_HISTOGRAM {
		t.Errorf("family type = %v, want HISTOGRAM", hist.GetType())
	}
	h := hist.Metric[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() != 5.05 {
		t.Errorf("sample sum = %v, want 5.05", h.GetSampleSum())
	}
	buckets := h.GetBucket()
	if len(buckets) != 2 {
		t.Fatalf("expected 2 finite buckets, got %d", len(buckets))
	}
	// 0.05 lands in the 0.1 bucket; 5 only in +Inf, which stays implicit.
	if buckets[0].GetUpperBound() != 0.1 || buckets[0].GetCumulativeCount() != 1 {
		t.Errorf("bucket[0] = %v/%d, want 0.1/1", buckets[0].GetUpperBound(), buckets[0].GetCumulativeCount())
	}
	if buckets[1].GetUpperBound() != 1 || buckets[1].GetCumulativeCount() != 1 {
		t.Errorf("bucket[1] = %v/%d, want 1/1", buckets[1].GetUpperBound(), buckets[1].GetCumulativeCount())
	}
}

func TestGatherSummary(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:       "pulse_gc_pause_seconds",
		Kind:       KindSummary,
		Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
	})

	for i := 1; i <= 100; i++ {
		if err := reg.Observe("pulse_gc_pause_seconds", float64(i)); err != nil {
			t.Fatalf("Observe() error: %v", err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	s := families[0].Metric[0].GetSummary()
	if s.GetSampleCount() != 100 {
		t.Errorf("sample count = %d, want 100", s.GetSampleCount())
	}
	if s.GetSampleSum() != 5050 {
		t.Errorf("sample sum = %v, want 5050", s.GetSampleSum())
	}

	qs := s.GetQuantile()
	if len(qs) != 2 {
		t.Fatalf("expected 2 quantiles, got %d", len(qs))
	}
	// Quantiles come out in ascending order.
	if qs[0].GetQuantile() != 0.5 || qs[1].GetQuantile() != 0.99 {
		t.Errorf("quantile order = %v, %v; want 0.5, 0.99", qs[0].GetQuantile(), qs[1].GetQuantile())
	}
	// The median of 1..100 within 5% error.
	if got := qs[0].GetValue(); got < 45 || got > 55 {
		t.Errorf("p50 = %v, want within [45, 55]", got)
	}
}

func TestRenderTextFormat(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:   "pulse_requests_total",
		Help:   "Total requests.",
		Kind:   KindCounter,
		Labels: []string{"method"},
	})
	if err := reg.Inc("pulse_requests_total", "GET"); err != nil {
		t.Fatalf("Inc() error: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.Render(&buf); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "# HELP pulse_requests_total Total requests.") {
		t.Errorf("missing HELP line:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE pulse_requests_total counter") {
		t.Errorf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, `pulse_requests_total{method="GET"} 1`) {
		t.Errorf("missing series line:\n%s", out)
	}
}

func TestRenderHistogramHasInfBucket(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:    "pulse_duration_seconds",
		Kind:    KindHistogram,
		Buckets: []float64{0.5},
	})
	if err := reg.Observe("pulse_duration_seconds", 2); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.Render(&buf); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `pulse_duration_seconds_bucket{le="+Inf"} 1`) {
		t.Errorf("missing +Inf bucket line:\n%s", out)
	}
	if !strings.Contains(out, "pulse_duration_seconds_sum 2") {
		t.Errorf("missing sum line:\n%s", out)
	}
	if !strings.Contains(out, "pulse_duration_seconds_count 1") {
		t.Errorf("missing count line:\n%s", out)
	}
}

func TestRenderDeterministic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{Name: "pulse_z_total", Kind: KindCounter, Labels: []string{"l"}})
	reg.MustRegister(Descriptor{Name: "pulse_a_total", Kind: KindCounter, Labels: []string{"l"}})

	for _, v := range []string{"x", "y", "z"} {
		if err := reg.Inc("pulse_z_total", v); err != nil {
			t.Fatalf("Inc() error: %v", err)
		}
		if err := reg.Inc("pulse_a_total", v); err != nil {
			t.Fatalf("Inc() error: %v", err)
		}
	}

	var first bytes.Buffer
	if err := reg.Render(&first); err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	// Unchanged state renders byte-identically, in registration order, not
	// alphabetical order.
	for i := 0; i < 5; i++ {
		var again bytes.Buffer
		if err := reg.Render(&again); err != nil {
			t.Fatalf("Render() error: %v", err)
		}
		if !bytes.Equal(first.Bytes(), again.Bytes()) {
			t.Fatalf("render %d differs:\n%s\nvs\n%s", i, first.String(), again.String())
		}
	}

	zIdx := strings.Index(first.String(), "pulse_z_total")
	aIdx := strings.Index(first.String(), "pulse_a_total")
	if zIdx == -1 || aIdx == -1 || zIdx > aIdx {
		t.Errorf("families should render in registration order, got:\n%s", first.String())
	}
}

func TestRenderEscapesLabelValues(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{Name: "pulse_total", Kind: KindCounter, Labels: []string{"path"}})
	if err := reg.Inc("pulse_total", `a"b\c`+"\n"); err != nil {
		t.Fatalf("Inc() error: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.Render(&buf); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(buf.String(), `path="a\"b\\c\n"`) {
		t.Errorf("label value not escaped:\n%s", buf.String())
	}
}

func TestTextContentType(t *testing.T) {
	if !strings.Contains(TextContentType, "version=0.0.4") {
		t.Errorf("content type %q should pin text format 0.0.4", TextContentType)
	}
}
