// Package metrics holds the service's prometheus collectors. A Metrics value
// owns its registry; every method is safe on a nil receiver so components can
// run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rag_server"

// Metrics is the set of collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	generatorCalls  *prometheus.CounterVec
	rerankFallbacks prometheus.Counter
	indexBuilds     *prometheus.CounterVec
	indexChunks     prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Answer requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Answer request latency by mode.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		generatorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_calls_total",
			Help:      "Generator calls by outcome (ok, error, open, cancelled).",
		}, []string{"outcome"}),
		rerankFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallbacks_total",
			Help:      "Reranker failures answered with the unranked order.",
		}),
		indexBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Index builds by source type and outcome.",
		}, []string{"source_type", "outcome"}),
		indexChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_chunks",
			Help:      "Chunks in the live index.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.toolCalls,
		m.generatorCalls,
		m.rerankFallbacks,
		m.indexBuilds,
		m.indexChunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one finished answer request.
func (m *Metrics) ObserveRequest(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// GeneratorCall records one generator call outcome.
func (m *Metrics) GeneratorCall(outcome string) {
	if m == nil {
		return
	}
	m.generatorCalls.WithLabelValues(outcome).Inc()
}

// RerankFallback counts a reranker failure.
func (m *Metrics) RerankFallback() {
	if m == nil {
		return
	}
	m.rerankFallbacks.Inc()
}

// IndexBuild records a finished or rejected build.
func (m *Metrics) IndexBuild(sourceType, outcome string) {
	if m == nil {
		return
	}
	m.indexBuilds.WithLabelValues(sourceType, outcome).Inc()
}

// SetIndexChunks sets the live index size.
func (m *Metrics) SetIndexChunks(n int) {
	if m == nil {
		return
	}
	m.indexChunks.Set(float64(n))
}
