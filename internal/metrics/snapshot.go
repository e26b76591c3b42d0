package metrics

import "time"

// Snapshot is an immutable point-in-time copy of every registered metric.
// Families appear in registration order and series within a family in
// creation order, so two snapshots of the same registry state are
// structurally identical. The JSON form is what the broadcaster pushes to
// dashboard clients.
type Snapshot struct {
	TakenAt  time.Time        `json:"takenAt"`
	Families []FamilySnapshot `json:"families"`
}

// FamilySnapshot holds one metric with all of its label-value series.
type FamilySnapshot struct {
	Name       string           `json:"name"`
	Help       string           `json:"help,omitempty"`
	Kind       string           `json:"kind"`
	LabelNames []string         `json:"labelNames,omitempty"`
	Series     []SeriesSnapshot `json:"series"`
}

// SeriesSnapshot holds the state of one label-value combination. Value is
// set for counters and gauges; Count, Sum and Buckets for histograms;
// Count, Sum and Quantiles for summaries.
type SeriesSnapshot struct {
	LabelValues []string           `json:"labelValues,omitempty"`
	Value       float64            `json:"value,omitempty"`
	Count       uint64             `json:"count,omitempty"`
	Sum         float64            `json:"sum,omitempty"`
	Buckets     []BucketSnapshot   `json:"buckets,omitempty"`
	Quantiles   []QuantileSnapshot `json:"quantiles,omitempty"`
}

// BucketSnapshot is one histogram bucket with its cumulative count. The
// implicit +Inf bucket is not materialized; its count equals Count.
type BucketSnapshot struct {
	UpperBound      float64 `json:"upperBound"`
	CumulativeCount uint64  `json:"cumulativeCount"`
}

// QuantileSnapshot is one summary quantile estimate.
type QuantileSnapshot struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// Lookup returns the family with the given name, or nil.
func (s *Snapshot) Lookup(name string) *FamilySnapshot {
	for i := range s.Families {
		if s.Families[i].Name == name {
			return &s.Families[i]
		}
	}
	return nil
}

// SeriesFor returns the series with exactly the given label values, or nil.
func (f *FamilySnapshot) SeriesFor(labelValues ...string) *SeriesSnapshot {
	for i := range f.Series {
		if equalValues(f.Series[i].LabelValues, labelValues) {
			return &f.Series[i]
		}
	}
	return nil
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
