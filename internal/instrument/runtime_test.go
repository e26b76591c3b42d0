package instrument

import (
	"runtime"
	"testing"
	"time"

	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
)

func newTestSampler(t *testing.T, cfg RuntimeSamplerConfig) (*RuntimeSampler, *metrics.Registry) {
	t.Helper()

	reg := metrics.NewRegistry()
	cfg.Logger = logging.Nop()
	s, err := NewRuntimeSampler(reg, cfg)
	if err != nil {
		t.Fatalf("building sampler: %v", err)
	}
	return s, reg
}

func TestRuntimeSamplerSampleOnce(t *testing.T) {
	s, reg := newTestSampler(t, RuntimeSamplerConfig{})

	s.SampleOnce()

	snap := reg.Snapshot()

	fam := snap.Lookup(MetricGoroutines)
	if fam == nil {
		t.Fatal("goroutine metric missing")
	}
	g := fam.SeriesFor()
	if g == nil || g.Value < 1 {
		t.Errorf("goroutines = %+v, want at least 1", g)
	}

	fam = snap.Lookup(MetricHeapAllocBytes)
	if fam == nil {
		t.Fatal("heap metric missing")
	}
	h := fam.SeriesFor()
	if h == nil || h.Value <= 0 {
		t.Errorf("heap alloc = %+v, want positive", h)
	}
}

func TestRuntimeSamplerObservesGCPauses(t *testing.T) {
	s, reg := newTestSampler(t, RuntimeSamplerConfig{})

	s.SampleOnce()
	runtime.GC()
	s.SampleOnce()

	fam := reg.Snapshot().Lookup(MetricGCPauseSeconds)
	if fam == nil {
		t.Fatal("gc pause metric missing")
	}
	series := fam.SeriesFor()
	if series == nil || series.Count == 0 {
		t.Errorf("gc pause observations = %+v, want at least one after forced GC", series)
	}
}

func TestRuntimeSamplerPausesObservedOnce(t *testing.T) {
	s, reg := newTestSampler(t, RuntimeSamplerConfig{})

	s.SampleOnce()
	runtime.GC()
	s.SampleOnce()

	before := reg.Snapshot().Lookup(MetricGCPauseSeconds).SeriesFor().Count

	// No GC between samples means no new observations.
	s.SampleOnce()
	after := reg.Snapshot().Lookup(MetricGCPauseSeconds).SeriesFor().Count

	if after != before {
		t.Errorf("pause count went %d -> %d without a GC cycle", before, after)
	}
}

func TestRuntimeSamplerStartStop(t *testing.T) {
	s, reg := newTestSampler(t, RuntimeSamplerConfig{SampleIntervalMs: 10})

	s.Start()
	s.Start() // second Start is a no-op

	deadline := time.After(2 * time.Second)
	for {
		fam := reg.Snapshot().Lookup(MetricGoroutines)
		if fam != nil && fam.SeriesFor() != nil && fam.SeriesFor().Value > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sampler never produced a reading")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop() // second Stop is a no-op
}
