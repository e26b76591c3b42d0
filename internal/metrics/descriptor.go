package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Kind identifies the instrument type of a metric.
type Kind int

const (
	// KindCounter is a monotonically increasing value.
	KindCounter Kind = iota
	// KindGauge is a value that can go up and down.
	KindGauge
	// KindHistogram counts observations into fixed buckets.
	KindHistogram
	// KindSummary tracks windowed quantiles over observations.
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// DefBuckets are the default histogram buckets, covering typical request
// durations in seconds from 5ms to 10s.
var DefBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// DefObjectives are the default summary quantiles with their allowed
// absolute error.
var DefObjectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

const (
	// DefMaxAge is the default time window a summary covers.
	DefMaxAge = 10 * time.Minute
	// DefAgeBuckets is the default number of buckets the summary window is
	// divided into for expiring old observations.
	DefAgeBuckets = 5
)

// Descriptor describes a metric at registration time. Name, Kind and Labels
// are fixed for the metric's lifetime; Buckets applies to histograms and
// Objectives, MaxAge and AgeBuckets to summaries.
type Descriptor struct {
	Name   string
	Help   string
	Kind   Kind
	Labels []string

	// Buckets holds the upper bounds of histogram buckets in ascending
	// order. A trailing +Inf bound is implicit. Nil means DefBuckets.
	Buckets []float64

	// Objectives maps quantiles to their allowed absolute error.
	// Nil means DefObjectives.
	Objectives map[float64]float64

	// MaxAge is the summary observation window. Zero means DefMaxAge.
	MaxAge time.Duration

	// AgeBuckets is the number of rotation buckets inside the summary
	// window. Zero means DefAgeBuckets.
	AgeBuckets int
}

// validate checks the descriptor and returns a normalized copy with defaults
// applied. The returned descriptor owns its slices.
func (d Descriptor) validate() (Descriptor, error) {
	if d.Name == "" {
		return d, fmt.Errorf("%w: name must not be empty", ErrInvalidDescriptor)
	}
	if !model.IsValidLegacyMetricName(d.Name) {
		return d, fmt.Errorf("%w: %q is not a valid metric name", ErrInvalidDescriptor, d.Name)
	}
	if d.Kind < KindCounter || d.Kind > KindSummary {
		return d, fmt.Errorf("%w: %s: unknown kind", ErrInvalidDescriptor, d.Name)
	}

	seen := make(map[string]struct{}, len(d.Labels))
	for _, label := range d.Labels {
		if !model.LabelName(label).IsValidLegacy() {
			return d, fmt.Errorf("%w: %s: invalid label name %q", ErrInvalidDescriptor, d.Name, label)
		}
		if strings.HasPrefix(label, model.ReservedLabelPrefix) {
			return d, fmt.Errorf("%w: %s: label %q uses reserved prefix", ErrInvalidDescriptor, d.Name, label)
		}
		if d.Kind == KindHistogram && label == model.BucketLabel {
			return d, fmt.Errorf("%w: %s: histograms reserve the %q label", ErrInvalidDescriptor, d.Name, model.BucketLabel)
		}
		if d.Kind == KindSummary && label == model.QuantileLabel {
			return d, fmt.Errorf("%w: %s: summaries reserve the %q label", ErrInvalidDescriptor, d.Name, model.QuantileLabel)
		}
		if _, dup := seen[label]; dup {
			return d, fmt.Errorf("%w: %s: duplicate label %q", ErrInvalidDescriptor, d.Name, label)
		}
		seen[label] = struct{}{}
	}

	out := d
	out.Labels = append([]string(nil), d.Labels...)

	switch d.Kind {
	case KindHistogram:
		buckets := d.Buckets
		if buckets == nil {
			buckets = DefBuckets
		}
		// The +Inf bucket is always present implicitly.
		for len(buckets) > 0 && math.IsInf(buckets[len(buckets)-1], +1) {
			buckets = buckets[:len(buckets)-1]
		}
		if len(buckets) == 0 {
			return d, fmt.Errorf("%w: %s: histogram needs at least one finite bucket", ErrInvalidDescriptor, d.Name)
		}
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				return d, fmt.Errorf("%w: %s: buckets must be strictly ascending, got %v after %v",
					ErrInvalidDescriptor, d.Name, buckets[i], buckets[i-1])
			}
		}
		out.Buckets = append([]float64(nil), buckets...)
		out.Objectives = nil
	case KindSummary:
		objectives := d.Objectives
		if objectives == nil {
			objectives = DefObjectives
		}
		out.Objectives = make(map[float64]float64, len(objectives))
		for q, eps := range objectives {
			if q <= 0 || q >= 1 {
				return d, fmt.Errorf("%w: %s: quantile %v outside (0, 1)", ErrInvalidDescriptor, d.Name, q)
			}
			if eps <= 0 || eps >= 1 {
				return d, fmt.Errorf("%w: %s: quantile error %v outside (0, 1)", ErrInvalidDescriptor, d.Name, eps)
			}
			out.Objectives[q] = eps
		}
		if out.MaxAge == 0 {
			out.MaxAge = DefMaxAge
		}
		if out.MaxAge < 0 {
			return d, fmt.Errorf("%w: %s: max age must be positive", ErrInvalidDescriptor, d.Name)
		}
		if out.AgeBuckets == 0 {
			out.AgeBuckets = DefAgeBuckets
		}
		if out.AgeBuckets < 0 {
			return d, fmt.Errorf("%w: %s: age buckets must be positive", ErrInvalidDescriptor, d.Name)
		}
		out.Buckets = nil
	default:
		out.Buckets = nil
		out.Objectives = nil
	}

	return out, nil
}

// equal reports whether two normalized descriptors describe the same metric.
// Register uses it to make identical re-registration idempotent.
func (d Descriptor) equal(other Descriptor) bool {
	if d.Name != other.Name || d.Help != other.Help || d.Kind != other.Kind {
		return false
	}
	if len(d.Labels) != len(other.Labels) {
		return false
	}
	for i := range d.Labels {
		if d.Labels[i] != other.Labels[i] {
			return false
		}
	}
	if len(d.Buckets) != len(other.Buckets) {
		return false
	}
	for i := range d.Buckets {
		if d.Buckets[i] != other.Buckets[i] {
			return false
		}
	}
	if len(d.Objectives) != len(other.Objectives) {
		return false
	}
	for q, eps := range d.Objectives {
		if other.Objectives[q] != eps {
			return false
		}
	}
	if d.Kind == KindSummary && (d.MaxAge != other.MaxAge || d.AgeBuckets != other.AgeBuckets) {
		return false
	}
	return true
}

// sortedObjectives returns the summary quantiles in ascending order for
// deterministic rendering.
func (d Descriptor) sortedObjectives() []float64 {
	qs := make([]float64, 0, len(d.Objectives))
	for q := range d.Objectives {
		qs = append(qs, q)
	}
	sort.Float64s(qs)
	return qs
}
