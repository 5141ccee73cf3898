package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "normscan"

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestCount      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	predictions       *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	cacheHits         prometheus.Counter
	inferenceDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Predictions served, by label",
			}, []string{"label"},
		),
		predictionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prediction_errors_total",
				Help:      "Failed predictions, by pipeline stage",
			}, []string{"stage"},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prediction_cache_hits_total",
				Help:      "Predictions answered from the cache",
			},
		),
		inferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Time spent inside the classifier",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		m.predictionErrors,
		m.cacheHits,
		m.inferenceDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(path, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(path, method, status).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) ObservePrediction(label string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(label).Inc()
}

func (m *Metrics) ObservePredictionError(stage string) {
	if m == nil {
		return
	}
	m.predictionErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}
