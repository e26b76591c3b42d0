// Package metrics implements the in-process metric registry for pulse.
//
// The registry owns every instrument the pipeline exposes:
//   - Counters for monotonically increasing totals (requests, pushes, drops)
//   - Gauges for point-in-time values (inflight requests, subscriber counts)
//   - Histograms with fixed buckets (request duration in seconds)
//   - Summaries with windowed quantiles (GC pause times)
//
// Instruments are registered once with a Descriptor and addressed by name
// afterwards. Series are created lazily on first use of a label-value
// combination. Reads never disturb writes: Snapshot returns an immutable
// copy, and Gather bridges the same state into Prometheus wire types so the
// registry can be served by promhttp and rendered in text exposition format.
//
// Usage:
//
//	reg := metrics.NewRegistry()
//	requests := reg.MustRegister(metrics.Descriptor{
//		Name:   "pulse_http_requests_total",
//		Help:   "Total HTTP requests handled.",
//		Kind:   metrics.KindCounter,
//		Labels: []string{"method", "route", "status"},
//	})
//
//	requests.Inc("GET", "/orders/{id}", "200")
//
//	// Name-keyed access from code that does not hold the handle.
//	_ = reg.Observe("pulse_http_request_duration_seconds", 0.042, "GET", "/orders/{id}", "200")
package metrics
