package client

import (
	"sync"
	"time"
)

// Metric names the aggregator folds by default. They match what the
// server-side middleware registers.
const (
	DefaultDurationMetric = "pulse_http_request_duration_seconds"
	DefaultRequestsMetric = "pulse_http_requests_total"
)

// Window sizes for the two visualization series.
const (
	durationWindow = 20
	requestWindow  = 10
)

// AggregatorConfig overrides which families the aggregator reads.
type AggregatorConfig struct {
	// DurationMetric is a histogram or summary family; its mean feeds
	// the duration window. Empty means DefaultDurationMetric.
	DurationMetric string

	// RequestsMetric is a counter family; its per-push delta feeds the
	// per-minute window. Empty means DefaultRequestsMetric.
	RequestsMetric string
}

// Aggregator folds broadcast pushes into two bounded windows: the last 20
// mean-duration samples, and request counts bucketed into the last 10
// minutes. It is safe for concurrent use, so the websocket callbacks can
// feed it directly.
type Aggregator struct {
	cfg AggregatorConfig

	mu        sync.Mutex
	durations *RollingSeries
	requests  *MinuteSeries
	traces    []Span

	lastTotal float64
	hasTotal  bool
}

// NewAggregator creates an aggregator with the default metric names.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.DurationMetric == "" {
		cfg.DurationMetric = DefaultDurationMetric
	}
	if cfg.RequestsMetric == "" {
		cfg.RequestsMetric = DefaultRequestsMetric
	}
	return &Aggregator{
		cfg:       cfg,
		durations: NewRollingSeries(durationWindow),
		requests:  NewMinuteSeries(requestWindow),
	}
}

// ApplyMetrics folds one snapshot push. The duration window gets the mean
// over all series of the duration family; the minute window gets the
// request-count increase since the previous push. A counter that went
// backwards is treated as a server restart: the full value counts as new.
func (a *Aggregator) ApplyMetrics(snap *Snapshot) {
	if snap == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ts := snap.TakenAt
	if ts.IsZero() {
		ts = time.Now()
	}

	if fam := snap.Lookup(a.cfg.DurationMetric); fam != nil {
		var count uint64
		var sum float64
		for _, s := range fam.Series {
			count += s.Count
			sum += s.Sum
		}
		if count > 0 {
			a.durations.Append(ts.Format("15:04:05"), sum/float64(count)*1000) // ms
		}
	}

	if fam := snap.Lookup(a.cfg.RequestsMetric); fam != nil {
		var total float64
		for _, s := range fam.Series {
			total += s.Value
		}
		delta := total - a.lastTotal
		if !a.hasTotal || delta < 0 {
			delta = total
		}
		a.lastTotal = total
		a.hasTotal = true
		if delta > 0 {
			a.requests.Add(ts, delta)
		}
	}
}

// ApplyTraces replaces the retained trace list with the latest push.
func (a *Aggregator) ApplyTraces(spans []Span) {
	a.mu.Lock()
	a.traces = append([]Span(nil), spans...)
	a.mu.Unlock()
}

// Durations returns the duration window as (labels, mean milliseconds),
// oldest first.
func (a *Aggregator) Durations() ([]string, []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.durations.Labels(), a.durations.Values()
}

// RequestsPerMinute returns the per-minute request window, oldest first.
func (a *Aggregator) RequestsPerMinute() ([]string, []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests.Labels(), a.requests.Values()
}

// Traces returns the most recent trace list.
func (a *Aggregator) Traces() []Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Span(nil), a.traces...)
}
