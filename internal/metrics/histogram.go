package metrics

import "sync"

// histogramSeries counts observations into fixed buckets. A single mutex
// keeps count, sum and buckets consistent so snapshots never show a sum
// without its observation.
type histogramSeries struct {
	mu      sync.Mutex
	bounds  []float64 // shared with the descriptor, read-only
	counts  []uint64  // per-bucket, not cumulative
	infsum  uint64    // observations above the last finite bound
	count   uint64
	sum     float64
}

func newHistogramSeries(bounds []float64) *histogramSeries {
	return &histogramSeries{
		bounds: bounds,
		counts: make([]uint64, len(bounds)),
	}
}

func (h *histogramSeries) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += v

	for i, bound := range h.bounds {
		if v <= bound {
			h.counts[i]++
			return
		}
	}
	h.infsum++
}

func (h *histogramSeries) snapshot() SeriesSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make([]BucketSnapshot, len(h.bounds))
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += h.counts[i]
		buckets[i] = BucketSnapshot{UpperBound: bound, CumulativeCount: cumulative}
	}

	return SeriesSnapshot{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: buckets,
	}
}
