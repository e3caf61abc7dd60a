// Package metrics provides Prometheus metrics export for ingest, pipeline,
// queue and model activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guildseer"

// Metrics owns all collectors. A nil *Metrics is valid and records nothing,
// so components do not need to care whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	messagesProcessed *prometheus.CounterVec
	messagesSkipped   *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	linkSummaries     prometheus.Counter
	imageDescriptions prometheus.Counter
	batchSeconds      prometheus.Histogram

	// Ingest metrics
	messagesFetched *prometheus.CounterVec

	// Queue metrics
	queueDepth    prometheus.Gauge
	queueInflight prometheus.Gauge
	queueRejected *prometheus.CounterVec

	// Model metrics
	llmRequestSeconds *prometheus.HistogramVec
}

// New creates the collector set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{registry: registry}

	m.messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_processed_total",
			Help:      "Messages stored into a server collection",
		},
		[]string{"server_id"},
	)

	m.messagesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_skipped_total",
			Help:      "Messages skipped (empty or dropped)",
		},
		[]string{"server_id"},
	)

	m.messagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_failed_total",
			Help:      "Messages that failed to store",
		},
		[]string{"server_id"},
	)

	m.linkSummaries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "link_summaries_total",
			Help:      "Link summaries produced",
		},
	)

	m.imageDescriptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "image_descriptions_total",
			Help:      "Image descriptions produced",
		},
	)

	m.batchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_seconds",
			Help:      "Batch processing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	m.messagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_fetched_total",
			Help:      "Messages fetched from the platform",
		},
		[]string{"server_id"},
	)

	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Requests waiting in the conversation queue",
		},
	)

	m.queueInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "inflight",
			Help:      "Requests currently being processed",
		},
	)

	m.queueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Submissions rejected by the queue",
		},
		[]string{"reason"},
	)

	m.llmRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	registry.MustRegister(
		m.messagesProcessed,
		m.messagesSkipped,
		m.messagesFailed,
		m.linkSummaries,
		m.imageDescriptions,
		m.batchSeconds,
		m.messagesFetched,
		m.queueDepth,
		m.queueInflight,
		m.queueRejected,
		m.llmRequestSeconds,
	)

	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBatch records the outcome counts of one processed server group.
func (m *Metrics) RecordBatch(serverID string, stored, skipped, failed int) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(serverID).Add(float64(stored))
	m.messagesSkipped.WithLabelValues(serverID).Add(float64(skipped))
	m.messagesFailed.WithLabelValues(serverID).Add(float64(failed))
}

// RecordBatchDuration records how long one Process call took.
func (m *Metrics) RecordBatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.batchSeconds.Observe(d.Seconds())
}

// RecordLinkSummary counts one produced link summary.
func (m *Metrics) RecordLinkSummary() {
	if m == nil {
		return
	}
	m.linkSummaries.Inc()
}

// RecordImageDescription counts one produced image description.
func (m *Metrics) RecordImageDescription() {
	if m == nil {
		return
	}
	m.imageDescriptions.Inc()
}

// RecordFetched counts messages fetched from the platform for a server.
func (m *Metrics) RecordFetched(serverID string, n int) {
	if m == nil {
		return
	}
	m.messagesFetched.WithLabelValues(serverID).Add(float64(n))
}

// SetQueueDepth publishes the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetQueueInflight publishes how many requests are being processed.
func (m *Metrics) SetQueueInflight(n int) {
	if m == nil {
		return
	}
	m.queueInflight.Set(float64(n))
}

// RecordQueueRejected counts a rejected submission by reason.
func (m *Metrics) RecordQueueRejected(reason string) {
	if m == nil {
		return
	}
	m.queueRejected.WithLabelValues(reason).Inc()
}

// ObserveLLMRequest records one model invocation duration.
func (m *Metrics) ObserveLLMRequest(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequestSeconds.WithLabelValues(model).Observe(d.Seconds())
}
