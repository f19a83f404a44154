package prometheus

import (
	"strconv"

	"github.com/marmos91/evtrace/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipelineMetrics is the Prometheus implementation of metrics.PipelineMetrics.
type pipelineMetrics struct {
	eventsWritten    *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	bufferAllocBytes prometheus.Histogram
	drainDuration    prometheus.Histogram
	activeSessions   prometheus.Gauge
	allocatedBytes   *prometheus.GaugeVec
}

// NewPipelineMetrics creates a Prometheus-backed PipelineMetrics. Returns
// metrics.Noop() if Enable has not been called, so call sites never need a
// nil check of their own.
func NewPipelineMetrics() metrics.PipelineMetrics {
	if !IsEnabled() {
		return metrics.Noop()
	}
	reg := Registry()

	return &pipelineMetrics{
		eventsWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "evtrace_events_written_total",
				Help: "Total number of events successfully buffered, by provider name",
			},
			[]string{"provider"},
		),
		eventsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "evtrace_events_dropped_total",
				Help: "Total number of events dropped because no buffer could be allocated or stolen",
			},
		),
		bufferAllocBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evtrace_buffer_allocation_bytes",
				Help:    "Distribution of freshly allocated buffer sizes",
				Buckets: []float64{4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576},
			},
		),
		drainDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evtrace_drain_duration_seconds",
				Help:    "Duration of BufferManager.Drain calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "evtrace_active_sessions",
				Help: "Current number of enabled sessions",
			},
		),
		allocatedBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evtrace_session_allocated_bytes",
				Help: "Current allocated buffer bytes per session",
			},
			[]string{"session_id"},
		),
	}
}

func (m *pipelineMetrics) RecordEventWritten(provider string) {
	if m == nil {
		return
	}
	m.eventsWritten.WithLabelValues(provider).Inc()
}

func (m *pipelineMetrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *pipelineMetrics) RecordBufferAllocated(sizeBytes int) {
	if m == nil {
		return
	}
	m.bufferAllocBytes.Observe(float64(sizeBytes))
}

func (m *pipelineMetrics) RecordDrainDuration(seconds float64) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(seconds)
}

func (m *pipelineMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *pipelineMetrics) SetAllocatedBytes(sessionID uint64, n uint64) {
	if m == nil {
		return
	}
	m.allocatedBytes.WithLabelValues(strconv.FormatUint(sessionID, 10)).Set(float64(n))
}
