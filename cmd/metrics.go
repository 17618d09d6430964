package cmd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// newPrometheusReader builds the pull-based Reader backing GET
// /metrics (spec.md §4.6) and the http.Handler that serves it. It is
// registered on the same MeterProvider as the push exporter from
// otel.go — a MeterProvider can carry more than one Reader.
func newPrometheusReader() (sdkmetric.Reader, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	return exporter, promhttp.Handler(), nil
}
