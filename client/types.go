// Package client is the dashboard-side contract of the pulse push channel.
// It consumes broadcast pushes over a websocket and folds them into
// bounded rolling windows sized for visualization, independent of the
// server's own retention.
package client

import "time"

// Event names carried on the push channel. They mirror what the server's
// broadcaster emits.
const (
	EventMetrics = "metrics"
	EventTraces  = "traces"
)

// Snapshot is the decoded payload of a metrics event.
type Snapshot struct {
	TakenAt  time.Time `json:"takenAt"`
	Families []Family  `json:"families"`
}

// Family is one metric with all of its label-value series.
type Family struct {
	Name       string   `json:"name"`
	Help       string   `json:"help,omitempty"`
	Kind       string   `json:"kind"`
	LabelNames []string `json:"labelNames,omitempty"`
	Series     []Series `json:"series"`
}

// Series is the state of one label-value combination.
type Series struct {
	LabelValues []string   `json:"labelValues,omitempty"`
	Value       float64    `json:"value,omitempty"`
	Count       uint64     `json:"count,omitempty"`
	Sum         float64    `json:"sum,omitempty"`
	Buckets     []Bucket   `json:"buckets,omitempty"`
	Quantiles   []Quantile `json:"quantiles,omitempty"`
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound      float64 `json:"upperBound"`
	CumulativeCount uint64  `json:"cumulativeCount"`
}

// Quantile is one summary quantile estimate.
type Quantile struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// Span is the decoded payload element of a traces event.
type Span struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	DurationMs    float64           `json:"durationMs"`
	StatusCode    string            `json:"statusCode"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Lookup returns the family with the given name, or nil.
func (s *Snapshot) Lookup(name string) *Family {
	for i := range s.Families {
		if s.Families[i].Name == name {
			return &s.Families[i]
		}
	}
	return nil
}
