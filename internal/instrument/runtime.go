package instrument

import (
	"runtime"
	"sync"
	"time"

	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
)

// Metric names the runtime sampler registers.
const (
	MetricGoroutines     = "pulse_go_goroutines"
	MetricHeapAllocBytes = "pulse_go_heap_alloc_bytes"
	MetricGCPauseSeconds = "pulse_go_gc_pause_seconds"
)

// RuntimeSamplerConfig configures the runtime sampler.
type RuntimeSamplerConfig struct {
	// SampleIntervalMs is the interval between samples in milliseconds.
	// Default: 10000 (10 seconds)
	SampleIntervalMs int64

	Logger *logging.Logger
}

// DefaultRuntimeSamplerConfig returns a default configuration.
func DefaultRuntimeSamplerConfig() RuntimeSamplerConfig {
	return RuntimeSamplerConfig{
		SampleIntervalMs: 10000,
	}
}

// RuntimeSampler periodically records Go runtime health into the registry:
// goroutine count, heap allocation, and GC pause durations.
type RuntimeSampler struct {
	config RuntimeSamplerConfig
	logger *logging.Logger

	goroutines *metrics.Metric
	heapAlloc  *metrics.Metric
	gcPause    *metrics.Metric

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// seenGC is the NumGC value at the previous sample, so each GC pause is
	// observed once.
	seenGC uint32
}

// NewRuntimeSampler registers the runtime instruments on reg and returns the
// sampler.
func NewRuntimeSampler(reg *metrics.Registry, config RuntimeSamplerConfig) (*RuntimeSampler, error) {
	if config.SampleIntervalMs <= 0 {
		config.SampleIntervalMs = 10000
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}

	goroutines, err := reg.Register(metrics.Descriptor{
		Name: MetricGoroutines,
		Help: "Number of goroutines currently running.",
		Kind: metrics.KindGauge,
	})
	if err != nil {
		return nil, err
	}
	heapAlloc, err := reg.Register(metrics.Descriptor{
		Name: MetricHeapAllocBytes,
		Help: "Bytes of allocated heap objects.",
		Kind: metrics.KindGauge,
	})
	if err != nil {
		return nil, err
	}
	gcPause, err := reg.Register(metrics.Descriptor{
		Name: MetricGCPauseSeconds,
		Help: "Garbage collection pause durations in seconds.",
		Kind: metrics.KindSummary,
	})
	if err != nil {
		return nil, err
	}

	return &RuntimeSampler{
		config:     config,
		logger:     logger.WithComponent("runtime"),
		goroutines: goroutines,
		heapAlloc:  heapAlloc,
		gcPause:    gcPause,
	}, nil
}

// Start begins the sampler background loop.
func (w *RuntimeSampler) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop stops the sampler and waits for it to complete.
func (w *RuntimeSampler) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// run is the main sampler loop.
func (w *RuntimeSampler) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(time.Duration(w.config.SampleIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	// Take one sample immediately on start
	w.SampleOnce()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.SampleOnce()
		}
	}
}

// SampleOnce takes a single sample synchronously. This is useful for testing
// or for a one-shot reading before the loop starts.
func (w *RuntimeSampler) SampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	w.record(w.goroutines.Set(float64(runtime.NumGoroutine())))
	w.record(w.heapAlloc.Set(float64(ms.HeapAlloc)))

	w.mu.Lock()
	seen := w.seenGC
	w.seenGC = ms.NumGC
	w.mu.Unlock()

	if ms.NumGC <= seen {
		return
	}
	// PauseNs is a circular buffer of the last 256 pauses.
	from := seen
	if ms.NumGC-from > 256 {
		from = ms.NumGC - 256
	}
	for i := from; i < ms.NumGC; i++ {
		pause := float64(ms.PauseNs[(i+255)%256]) / float64(time.Second)
		w.record(w.gcPause.Observe(pause))
	}
}

func (w *RuntimeSampler) record(err error) {
	if err != nil {
		w.logger.Warnf("runtime sample skipped", map[string]any{"error": err.Error()})
	}
}
