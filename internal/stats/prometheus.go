package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpmesh/balancer/internal/domain"
)

// Metrics definitions
var (
	selectionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balancer_selections_total",
		Help: "Total instance selections per service",
	}, []string{"service"})

	releaseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balancer_releases_total",
		Help: "Total request completions per service and outcome",
	}, []string{"service", "outcome"})

	latencyHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balancer_response_time_ms",
		Help:    "Observed backend response times in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"service"})

	requestRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balancer_requests_per_second",
		Help: "Point-sampled request rate",
	})

	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "balancer_instance_connections",
		Help: "In-flight connections per instance",
	}, []string{"service", "instance"})

	weightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "balancer_instance_weight",
		Help: "Current routing weight per instance",
	}, []string{"service", "instance"})

	emaGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "balancer_instance_avg_response_ms",
		Help: "Smoothed response time per instance in milliseconds",
	}, []string{"service", "instance"})
)

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// UpdateInstanceMetrics refreshes the per-instance gauges from a registry
// snapshot. Called by the admin API before serving /metrics.
func UpdateInstanceMetrics(instances []*domain.ServiceInstance) {
	for _, instance := range instances {
		labels := prometheus.Labels{
			"service":  instance.Service(),
			"instance": instance.ID(),
		}
		connectionsGauge.With(labels).Set(float64(instance.CurrentConnections()))
		weightGauge.With(labels).Set(float64(instance.Weight()))
		emaGauge.With(labels).Set(instance.AverageResponseTime())
	}
}

// ForgetInstance drops the gauges of a removed instance.
func ForgetInstance(service, instanceID string) {
	labels := prometheus.Labels{"service": service, "instance": instanceID}
	connectionsGauge.Delete(labels)
	weightGauge.Delete(labels)
	emaGauge.Delete(labels)
}

func incSelectionCounter(service string) {
	selectionCounter.WithLabelValues(service).Inc()
}

func incReleaseCounter(service string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	releaseCounter.WithLabelValues(service, outcome).Inc()
}

func observeLatency(service string, latencyMs float64) {
	latencyHistogram.WithLabelValues(service).Observe(latencyMs)
}

func setRequestRate(rps float64) {
	requestRateGauge.Set(rps)
}
