package client

// RollingSeries is a bounded ordered sequence of (label, value) samples.
// Appending beyond capacity evicts the oldest sample, so the series always
// shows the most recent window in arrival order.
type RollingSeries struct {
	capacity int
	labels   []string
	values   []float64
}

// NewRollingSeries creates a series holding at most capacity samples.
func NewRollingSeries(capacity int) *RollingSeries {
	if capacity <= 0 {
		capacity = 1
	}
	return &RollingSeries{
		capacity: capacity,
		labels:   make([]string, 0, capacity),
		values:   make([]float64, 0, capacity),
	}
}

// Append adds a sample, evicting the oldest one when full.
func (s *RollingSeries) Append(label string, value float64) {
	if len(s.values) == s.capacity {
		copy(s.labels, s.labels[1:])
		copy(s.values, s.values[1:])
		s.labels = s.labels[:s.capacity-1]
		s.values = s.values[:s.capacity-1]
	}
	s.labels = append(s.labels, label)
	s.values = append(s.values, value)
}

// Len returns the number of retained samples.
func (s *RollingSeries) Len() int {
	return len(s.values)
}

// Labels returns a copy of the sample labels, oldest first.
func (s *RollingSeries) Labels() []string {
	return append([]string(nil), s.labels...)
}

// Values returns a copy of the sample values, oldest first.
func (s *RollingSeries) Values() []float64 {
	return append([]float64(nil), s.values...)
}
