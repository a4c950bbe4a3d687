// Package metrics provides Prometheus metrics collection for the AQI
// prediction service.
//
// It covers the prediction pipeline (throughput, failures, latency, the
// distribution of predicted values, cache efficiency, model age) and the
// HTTP surface (requests per route and status, open WebSocket streams).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Prediction metrics
	Predictions       prometheus.Counter   // Successful predictions
	PredictionErrors  prometheus.Counter   // Requests answered with an error payload
	PredictionLatency prometheus.Histogram // End-to-end pipeline latency in seconds
	PredictedAQI      prometheus.Histogram // Distribution of predicted AQI values
	CacheHits         prometheus.Counter   // Predictions served from cache
	CacheMisses       prometheus.Counter   // Predictions computed by the artifacts
	ModelAge          prometheus.Gauge     // Age of the loaded model artifact in seconds

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec // Requests by route and status code
	WSConnections prometheus.Gauge       // Open WebSocket prediction streams
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqi_predictions_total",
			Help: "Total number of successful AQI predictions",
		}),
		PredictionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqi_prediction_failures_total",
			Help: "Total number of prediction requests answered with an error",
		}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aqi_prediction_latency_seconds",
			Help:    "Prediction pipeline latency in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		PredictedAQI: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aqi_predicted_value",
			Help:    "Distribution of predicted AQI values",
			Buckets: []float64{25, 50, 75, 100, 150, 200, 300, 400, 500},
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqi_cache_hits_total",
			Help: "Total number of predictions served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqi_cache_misses_total",
			Help: "Total number of predictions computed by the loaded artifacts",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aqi_model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqi_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aqi_ws_connections",
			Help: "Number of open WebSocket prediction streams",
		}),
	}
}

// ErrorRate returns failures over all answered prediction requests, or 0
// before the first request.
func ErrorRate(gatherer prometheus.Gatherer) float64 {
	var ok, failed float64

	metricFamilies, err := gatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "aqi_predictions_total":
			for _, m := range mf.Metric {
				ok = m.GetCounter().GetValue()
			}
		case "aqi_prediction_failures_total":
			for _, m := range mf.Metric {
				failed = m.GetCounter().GetValue()
			}
		}
	}

	if ok+failed == 0 {
		return 0
	}
	return failed / (ok + failed)
}
