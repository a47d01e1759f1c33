// Package metrics exposes admission and detection counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

type Metrics struct {
	gatherer prometheus.Gatherer

	decisions         *prometheus.CounterVec
	detectorThreats   *prometheus.CounterVec
	detectorErrors    *prometheus.CounterVec
	detectorDuration  *prometheus.HistogramVec
	mlConfidence      prometheus.Histogram
	challenges        *prometheus.CounterVec
	storeFailures     *prometheus.CounterVec
	trafficLogDropped prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry, registry)
}

func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"decision"}),
		detectorThreats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_threats_total",
			Help:      "Requests flagged, by the algorithm that flagged them.",
		}, []string{"algorithm"}),
		detectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Detector runs that failed and were skipped.",
		}, []string{"algorithm"}),
		detectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Time spent in each detection algorithm.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"algorithm"}),
		mlConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ml_confidence",
			Help:      "Ensemble threat confidence per prediction.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge gate events by outcome.",
		}, []string{"outcome"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Backend failures handled by a fail-open or fail-closed policy.",
		}, []string{"store", "policy"}),
		trafficLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_log_dropped_total",
			Help:      "Traffic log entries dropped because the write queue was full.",
		}),
	}

	registerer.MustRegister(
		m.decisions,
		m.detectorThreats,
		m.detectorErrors,
		m.detectorDuration,
		m.mlConfidence,
		m.challenges,
		m.storeFailures,
		m.trafficLogDropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// Algorithm records one detector run.
func (m *Metrics) Algorithm(algorithm string, threat, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.detectorDuration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
	switch {
	case failed:
		m.detectorErrors.WithLabelValues(algorithm).Inc()
	case threat:
		m.detectorThreats.WithLabelValues(algorithm).Inc()
	}
}

func (m *Metrics) Confidence(confidence float64) {
	if m == nil {
		return
	}
	m.mlConfidence.Observe(confidence)
}

func (m *Metrics) Challenge(outcome string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreFailure(store, policy string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(store, policy).Inc()
}

func (m *Metrics) TrafficLogDropped() {
	if m == nil {
		return
	}
	m.trafficLogDropped.Inc()
}
