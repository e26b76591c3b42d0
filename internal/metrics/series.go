package metrics

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/model"
)

// seriesKey joins label values into a map key. The separator is the byte
// the Prometheus data model reserves for exactly this purpose; it can never
// occur inside a valid UTF-8 label value, so distinct value tuples always
// produce distinct keys.
func seriesKey(labelValues []string) string {
	if len(labelValues) == 0 {
		return ""
	}
	var b strings.Builder
	for i, v := range labelValues {
		if i > 0 {
			b.WriteByte(model.SeparatorByte)
		}
		b.WriteString(v)
	}
	return b.String()
}

// series is the storage behind one label-value combination of a metric.
type series interface {
	// snapshot copies the current state into a SeriesSnapshot. The label
	// values are filled in by the caller.
	snapshot() SeriesSnapshot
}

// counterSeries stores a float64 as atomic bits so concurrent Add calls
// never lock. The CAS loop retries on contention.
type counterSeries struct {
	bits atomic.Uint64
}

func (c *counterSeries) add(v float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *counterSeries) value() float64 {
	return math.Float64frombits(c.bits.Load())
}

func (c *counterSeries) snapshot() SeriesSnapshot {
	return SeriesSnapshot{Value: c.value()}
}

// gaugeSeries stores a float64 as atomic bits. Set is a plain store; Add
// uses the same CAS loop as counters.
type gaugeSeries struct {
	bits atomic.Uint64
}

func (g *gaugeSeries) set(v float64) {
	g.bits.Store(math.Float64bits(v))
}

func (g *gaugeSeries) add(v float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *gaugeSeries) value() float64 {
	return math.Float64frombits(g.bits.Load())
}

func (g *gaugeSeries) snapshot() SeriesSnapshot {
	return SeriesSnapshot{Value: g.value()}
}
