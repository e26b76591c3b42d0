package server

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExpositionHandler serves the metric registry in Prometheus text format
// (version 0.0.4), gzip-compressed when the scraper accepts it. A gather
// failure becomes a 500 with the error as the body.
func ExpositionHandler(g prometheus.Gatherer) http.Handler {
	inner := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
		// promhttp gzips on its own; disable that so gzhttp owns
		// compression for this handler.
		DisableCompression: true,
	})
	return gzhttp.GzipHandler(inner)
}
