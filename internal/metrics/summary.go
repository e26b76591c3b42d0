package metrics

import (
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
)

// summarySeries tracks windowed quantiles over a stream of observations.
// The window of MaxAge is divided into AgeBuckets quantile streams that
// rotate as time passes, so quantiles only ever reflect recent data. Every
// observation is inserted into all live streams; queries read the oldest
// (head) stream, which holds the fullest picture of the window.
type summarySeries struct {
	mu sync.Mutex

	objectives map[float64]float64
	sorted     []float64

	streams       []*quantile.Stream
	head          *quantile.Stream
	headIdx       int
	headExpiry    time.Time
	rotationEvery time.Duration

	count uint64
	sum   float64

	now func() time.Time // swapped in tests
}

func newSummarySeries(d Descriptor) *summarySeries {
	s := &summarySeries{
		objectives:    d.Objectives,
		sorted:        d.sortedObjectives(),
		streams:       make([]*quantile.Stream, d.AgeBuckets),
		rotationEvery: d.MaxAge / time.Duration(d.AgeBuckets),
		now:           time.Now,
	}
	for i := range s.streams {
		s.streams[i] = quantile.NewTargeted(d.Objectives)
	}
	s.head = s.streams[0]
	s.headExpiry = s.now().Add(s.rotationEvery)
	return s
}

func (s *summarySeries) observe(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeRotate()
	for _, stream := range s.streams {
		stream.Insert(v)
	}
	s.count++
	s.sum += v
}

// maybeRotate expires the head stream when its bucket has aged out.
// Callers must hold s.mu.
func (s *summarySeries) maybeRotate() {
	for now := s.now(); now.After(s.headExpiry); s.headExpiry = s.headExpiry.Add(s.rotationEvery) {
		s.head.Reset()
		s.headIdx++
		if s.headIdx >= len(s.streams) {
			s.headIdx = 0
		}
		s.head = s.streams[s.headIdx]
	}
}

func (s *summarySeries) snapshot() SeriesSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeRotate()
	quantiles := make([]QuantileSnapshot, 0, len(s.sorted))
	for _, q := range s.sorted {
		quantiles = append(quantiles, QuantileSnapshot{
			Quantile: q,
			Value:    s.head.Query(q),
		})
	}

	return SeriesSnapshot{
		Count:     s.count,
		Sum:       s.sum,
		Quantiles: quantiles,
	}
}
