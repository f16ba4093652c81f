package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oho/subflow/internal/concurrency"
)

// trackerCollector exposes the Concurrency Tracker's live active/max gauges
// per service class. It implements prometheus.Collector directly rather than
// registering a gauge per service up front, since the set of services the
// tracker knows about is fixed at construction but this keeps the collector
// decoupled from that detail.
type trackerCollector struct {
	tracker  *concurrency.Tracker
	services []concurrency.Service
}

var (
	concurrencyActiveDesc = prometheus.NewDesc(
		"subflow_concurrency_active", "Active in-flight calls per service class.",
		[]string{"service"}, nil)
	concurrencyMaxDesc = prometheus.NewDesc(
		"subflow_concurrency_max", "Configured concurrency ceiling per service class.",
		[]string{"service"}, nil)
)

func (c *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- concurrencyActiveDesc
	ch <- concurrencyMaxDesc
}

func (c *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, svc := range c.services {
		active, max := c.tracker.Snapshot(svc)
		ch <- prometheus.MustNewConstMetric(concurrencyActiveDesc, prometheus.GaugeValue, float64(active), string(svc))
		ch <- prometheus.MustNewConstMetric(concurrencyMaxDesc, prometheus.GaugeValue, float64(max), string(svc))
	}
}

// MetricsHandler returns the /metrics handler, registering the tracker's
// gauges on a dedicated registry scoped to this process.
func MetricsHandler(tracker *concurrency.Tracker) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&trackerCollector{
		tracker: tracker,
		services: []concurrency.Service{
			concurrency.ServiceASR,
			concurrency.ServiceLLMFast,
			concurrency.ServiceLLMPower,
		},
	})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
