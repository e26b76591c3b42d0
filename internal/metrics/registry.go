package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Registry holds every registered metric. All methods are safe for
// concurrent use. Mutations go through lock-free or per-series locks;
// the registry-level lock only guards the name table.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Metric
	ordered []*Metric

	now func() time.Time // swapped in tests
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Metric),
		now:    time.Now,
	}
}

// Metric is the handle returned by Register. It carries the normalized
// descriptor and owns the series table for its label-value combinations.
type Metric struct {
	desc Descriptor

	mu      sync.RWMutex
	series  map[string]series
	ordered []serieEntry
}

type serieEntry struct {
	labelValues []string
	s           series
}

// Descriptor returns a copy of the metric's normalized descriptor.
func (m *Metric) Descriptor() Descriptor {
	d := m.desc
	d.Labels = append([]string(nil), m.desc.Labels...)
	d.Buckets = append([]float64(nil), m.desc.Buckets...)
	if m.desc.Objectives != nil {
		d.Objectives = make(map[float64]float64, len(m.desc.Objectives))
		for q, eps := range m.desc.Objectives {
			d.Objectives[q] = eps
		}
	}
	return d
}

// Name returns the metric name.
func (m *Metric) Name() string {
	return m.desc.Name
}

// Register adds a metric described by d. Registering an identical descriptor
// again returns the existing handle; a conflicting descriptor under the same
// name returns ErrDuplicateMetric.
func (r *Registry) Register(d Descriptor) (*Metric, error) {
	normalized, err := d.validate()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[normalized.Name]; ok {
		if existing.desc.equal(normalized) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s already registered with different descriptor", ErrDuplicateMetric, normalized.Name)
	}

	m := &Metric{
		desc:   normalized,
		series: make(map[string]series),
	}
	r.byName[normalized.Name] = m
	r.ordered = append(r.ordered, m)
	return m, nil
}

// MustRegister is Register that panics on error. Use it for the pipeline's
// own instruments, where a bad descriptor is a programming error.
func (r *Registry) MustRegister(d Descriptor) *Metric {
	m, err := r.Register(d)
	if err != nil {
		panic(err)
	}
	return m
}

// lookup returns the registered metric or ErrUnknownMetric.
func (r *Registry) lookup(name string) (*Metric, error) {
	r.mu.RLock()
	m, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return m, nil
}

// Inc increments the named counter series by one.
func (r *Registry) Inc(name string, labelValues ...string) error {
	return r.Add(name, 1, labelValues...)
}

// Add increments the named counter or gauge series by v. Counters reject
// negative values.
func (r *Registry) Add(name string, v float64, labelValues ...string) error {
	m, err := r.lookup(name)
	if err != nil {
		return err
	}
	return m.Add(v, labelValues...)
}

// Set sets the named gauge series to v.
func (r *Registry) Set(name string, v float64, labelValues ...string) error {
	m, err := r.lookup(name)
	if err != nil {
		return err
	}
	return m.Set(v, labelValues...)
}

// Observe records v into the named histogram or summary series.
func (r *Registry) Observe(name string, v float64, labelValues ...string) error {
	m, err := r.lookup(name)
	if err != nil {
		return err
	}
	return m.Observe(v, labelValues...)
}

// Inc increments a counter or gauge series by one.
func (m *Metric) Inc(labelValues ...string) error {
	return m.Add(1, labelValues...)
}

// Add increments a counter or gauge series by v. Counters reject negative
// values; gauges accept them.
func (m *Metric) Add(v float64, labelValues ...string) error {
	switch m.desc.Kind {
	case KindCounter:
		if v < 0 {
			return fmt.Errorf("%w: %s: add %v", ErrCounterDecrease, m.desc.Name, v)
		}
		s, err := m.getOrCreate(labelValues)
		if err != nil {
			return err
		}
		s.(*counterSeries).add(v)
		return nil
	case KindGauge:
		s, err := m.getOrCreate(labelValues)
		if err != nil {
			return err
		}
		s.(*gaugeSeries).add(v)
		return nil
	default:
		return fmt.Errorf("%w: %s is a %s, Add needs a counter or gauge", ErrKindMismatch, m.desc.Name, m.desc.Kind)
	}
}

// Sub decrements a gauge series by v.
func (m *Metric) Sub(v float64, labelValues ...string) error {
	if m.desc.Kind != KindGauge {
		return fmt.Errorf("%w: %s is a %s, Sub needs a gauge", ErrKindMismatch, m.desc.Name, m.desc.Kind)
	}
	return m.Add(-v, labelValues...)
}

// Set sets a gauge series to v.
func (m *Metric) Set(v float64, labelValues ...string) error {
	if m.desc.Kind != KindGauge {
		return fmt.Errorf("%w: %s is a %s, Set needs a gauge", ErrKindMismatch, m.desc.Name, m.desc.Kind)
	}
	s, err := m.getOrCreate(labelValues)
	if err != nil {
		return err
	}
	s.(*gaugeSeries).set(v)
	return nil
}

// Observe records v into a histogram or summary series.
func (m *Metric) Observe(v float64, labelValues ...string) error {
	switch m.desc.Kind {
	case KindHistogram:
		s, err := m.getOrCreate(labelValues)
		if err != nil {
			return err
		}
		s.(*histogramSeries).observe(v)
		return nil
	case KindSummary:
		s, err := m.getOrCreate(labelValues)
		if err != nil {
			return err
		}
		s.(*summarySeries).observe(v)
		return nil
	default:
		return fmt.Errorf("%w: %s is a %s, Observe needs a histogram or summary", ErrKindMismatch, m.desc.Name, m.desc.Kind)
	}
}

// getOrCreate returns the series for the given label values, creating it on
// first use. The fast path takes only a read lock.
func (m *Metric) getOrCreate(labelValues []string) (series, error) {
	if len(labelValues) != len(m.desc.Labels) {
		return nil, fmt.Errorf("%w: %s expects %d label values, got %d",
			ErrLabelMismatch, m.desc.Name, len(m.desc.Labels), len(labelValues))
	}

	key := seriesKey(labelValues)

	m.mu.RLock()
	s, ok := m.series[key]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[key]; ok {
		return s, nil
	}

	s = m.newSeries()
	m.series[key] = s
	m.ordered = append(m.ordered, serieEntry{
		labelValues: append([]string(nil), labelValues...),
		s:           s,
	})
	return s, nil
}

func (m *Metric) newSeries() series {
	switch m.desc.Kind {
	case KindCounter:
		return &counterSeries{}
	case KindGauge:
		return &gaugeSeries{}
	case KindHistogram:
		return newHistogramSeries(m.desc.Buckets)
	default:
		return newSummarySeries(m.desc)
	}
}

// Snapshot returns an immutable copy of all metrics. Families appear in
// registration order, series in creation order.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	ordered := make([]*Metric, len(r.ordered))
	copy(ordered, r.ordered)
	takenAt := r.now()
	r.mu.RUnlock()

	snap := &Snapshot{
		TakenAt:  takenAt,
		Families: make([]FamilySnapshot, 0, len(ordered)),
	}
	for _, m := range ordered {
		snap.Families = append(snap.Families, m.familySnapshot())
	}
	return snap
}

func (m *Metric) familySnapshot() FamilySnapshot {
	m.mu.RLock()
	entries := make([]serieEntry, len(m.ordered))
	copy(entries, m.ordered)
	m.mu.RUnlock()

	fam := FamilySnapshot{
		Name:       m.desc.Name,
		Help:       m.desc.Help,
		Kind:       m.desc.Kind.String(),
		LabelNames: append([]string(nil), m.desc.Labels...),
		Series:     make([]SeriesSnapshot, 0, len(entries)),
	}
	for _, e := range entries {
		ss := e.s.snapshot()
		ss.LabelValues = append([]string(nil), e.labelValues...)
		fam.Series = append(fam.Series, ss)
	}
	return fam
}
