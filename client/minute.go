package client

import (
	"sort"
	"time"
)

// MinuteSeries buckets a counted value into one slot per wall-clock
// minute, holding at most capacity slots. Slots are reconciled by bucket
// key rather than arrival order, so out-of-order and duplicate pushes fold
// into the right slot instead of corrupting boundaries. A push older than
// the evicted horizon is discarded.
type MinuteSeries struct {
	capacity int
	keys     []int64 // unix minutes, ascending
	values   []float64
}

// NewMinuteSeries creates a series holding at most capacity minute slots.
func NewMinuteSeries(capacity int) *MinuteSeries {
	if capacity <= 0 {
		capacity = 1
	}
	return &MinuteSeries{
		capacity: capacity,
		keys:     make([]int64, 0, capacity),
		values:   make([]float64, 0, capacity),
	}
}

// Add folds delta into the slot for ts's minute. An existing slot is
// incremented wherever it sits in the window; a new minute inserts a slot
// in key order and evicts the oldest one beyond capacity.
func (s *MinuteSeries) Add(ts time.Time, delta float64) {
	key := ts.Unix() / 60

	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
	if i < len(s.keys) && s.keys[i] == key {
		s.values[i] += delta
		return
	}

	// New bucket older than everything already evicted: drop it rather
	// than shifting the window backwards.
	if len(s.keys) == s.capacity && i == 0 {
		return
	}

	s.keys = append(s.keys, 0)
	s.values = append(s.values, 0)
	copy(s.keys[i+1:], s.keys[i:])
	copy(s.values[i+1:], s.values[i:])
	s.keys[i] = key
	s.values[i] = delta

	if len(s.keys) > s.capacity {
		s.keys = s.keys[1:]
		s.values = s.values[1:]
	}
}

// Set replaces the slot value for ts's minute instead of incrementing.
func (s *MinuteSeries) Set(ts time.Time, value float64) {
	key := ts.Unix() / 60
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
	if i < len(s.keys) && s.keys[i] == key {
		s.values[i] = value
		return
	}
	s.Add(ts, value)
}

// Len returns the number of retained slots.
func (s *MinuteSeries) Len() int {
	return len(s.keys)
}

// Labels returns the slot labels as "HH:MM" in UTC, oldest first.
func (s *MinuteSeries) Labels() []string {
	out := make([]string, len(s.keys))
	for i, key := range s.keys {
		out[i] = time.Unix(key*60, 0).UTC().Format("15:04")
	}
	return out
}

// Values returns a copy of the slot values, oldest first.
func (s *MinuteSeries) Values() []float64 {
	return append([]float64(nil), s.values...)
}
