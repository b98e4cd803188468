package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	OutboundFrames     *prometheus.CounterVec
	InboundEvents      *prometheus.CounterVec
	AudioChunksQueued  prometheus.Counter
	AudioChunksDropped prometheus.Counter
	ToolInvocations    *prometheus.CounterVec
	ToolLatency        prometheus.Histogram
	CloseDuration      prometheus.Histogram
	WSMessages         *prometheus.CounterVec

	stages *sessionStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		stages: newSessionStageWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered streaming sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		OutboundFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Frames queued toward the model service by kind.",
		}, []string{"kind"}),
		InboundEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Decoded model service events by kind.",
		}, []string{"kind"}),
		AudioChunksQueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_queued_total",
			Help:      "Audio chunks admitted to the ingestion queue.",
		}),
		AudioChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Audio chunks evicted by drop-oldest backpressure.",
		}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool execution latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		CloseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_close_duration_ms",
			Help:      "Duration of the graceful close sequence in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client websocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveToolLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ToolLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageToolRoundTrip, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCloseDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.CloseDuration.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageCloseSequence, float64(d.Milliseconds()))
}

// ObserveStage records one latency sample in the rolling stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.stages == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

// MarkIndicator bumps a named health indicator in the rolling window.
func (m *Metrics) MarkIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SnapshotSessionStages returns quantiles over the rolling stage window.
func (m *Metrics) SnapshotSessionStages() SessionStageSnapshot {
	if m == nil || m.stages == nil {
		return SessionStageSnapshot{}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
