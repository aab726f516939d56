// Package exporter publishes a go-metrics registry as prometheus metrics on
// an HTTP endpoint.
package exporter

import (
	"net/http"
	"time"

	"github.com/rcrowley/go-metrics"

	prometheusmetrics "github.com/mihaioprea/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "solreader"

// Serve bridges registry into the default prometheus registerer and serves
// /metrics on addr. Blocks like http.ListenAndServe.
func Serve(addr, subsystem string, registry metrics.Registry) error {
	pClient := prometheusmetrics.NewPrometheusProvider(registry, namespace, subsystem, prometheus.DefaultRegisterer, 1*time.Second)
	go pClient.UpdatePrometheusMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
