package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// TextContentType is the content type of the text exposition produced by
// Render, Prometheus text format version 0.0.4.
const TextContentType = "text/plain; version=0.0.4; charset=utf-8"

// Registry is served over HTTP through promhttp.
var _ prometheus.Gatherer = (*Registry)(nil)

// Gather implements prometheus.Gatherer by bridging the registry state into
// Prometheus wire types. Families come out in registration order and series
// in creation order, so consecutive scrapes of unchanged state are
// byte-identical.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.mu.RLock()
	ordered := make([]*Metric, len(r.ordered))
	copy(ordered, r.ordered)
	r.mu.RUnlock()

	families := make([]*dto.MetricFamily, 0, len(ordered))
	for _, m := range ordered {
		families = append(families, m.promFamily())
	}
	return families, nil
}

// Render writes the registry in Prometheus text exposition format.
func (r *Registry) Render(w io.Writer) error {
	families, err := r.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("rendering %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func (m *Metric) promFamily() *dto.MetricFamily {
	fam := m.familySnapshot()

	mf := &dto.MetricFamily{
		Name: proto.String(fam.Name),
		Type: promType(m.desc.Kind).Enum(),
	}
	if fam.Help != "" {
		mf.Help = proto.String(fam.Help)
	}

	for _, ss := range fam.Series {
		pm := &dto.Metric{
			Label: labelPairs(fam.LabelNames, ss.LabelValues),
		}
		switch m.desc.Kind {
		case KindCounter:
			pm.Counter = &dto.Counter{Value: proto.Float64(ss.Value)}
		case KindGauge:
			pm.Gauge = &dto.Gauge{Value: proto.Float64(ss.Value)}
		case KindHistogram:
			h := &dto.Histogram{
				SampleCount: proto.Uint64(ss.Count),
				SampleSum:   proto.Float64(ss.Sum),
			}
			for _, b := range ss.Buckets {
				h.Bucket = append(h.Bucket, &dto.Bucket{
					CumulativeCount: proto.Uint64(b.CumulativeCount),
					UpperBound:      proto.Float64(b.UpperBound),
				})
			}
			// The +Inf bucket is left implicit; the text encoder emits it
			// from SampleCount.
			pm.Histogram = h
		case KindSummary:
			s := &dto.Summary{
				SampleCount: proto.Uint64(ss.Count),
				SampleSum:   proto.Float64(ss.Sum),
			}
			for _, q := range ss.Quantiles {
				s.Quantile = append(s.Quantile, &dto.Quantile{
					Quantile: proto.Float64(q.Quantile),
					Value:    proto.Float64(q.Value),
				})
			}
			pm.Summary = s
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

func promType(k Kind) dto.MetricType {
	switch k {
	case KindCounter:
		return dto.MetricType_COUNTER
	case KindGauge:
		return dto.MetricType_GAUGE
	case KindHistogram:
		return dto.MetricType_HISTOGRAM
	default:
		return dto.MetricType_SUMMARY
	}
}

func labelPairs(names, values []string) []*dto.LabelPair {
	if len(names) == 0 {
		return nil
	}
	pairs := make([]*dto.LabelPair, 0, len(names))
	for i, name := range names {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(values[i]),
		})
	}
	return pairs
}
