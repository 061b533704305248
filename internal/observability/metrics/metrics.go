// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "interview_client"

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Session metrics
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsEnded     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	StateTransitions  *prometheus.CounterVec
	ConversationState *prometheus.GaugeVec

	// Connection metrics
	ConnectAttempts    *prometheus.CounterVec
	Reconnects         prometheus.Counter
	Generation         prometheus.Gauge
	ConnectionsDropped *prometheus.CounterVec

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	BytesSent      *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	StaleFrames    prometheus.Counter

	// Heartbeat metrics
	PingsSent   prometheus.Counter
	PongLatency prometheus.Histogram

	// Conversation metrics
	TranscriptEntries prometheus.Counter
	PlaybackSeconds   prometheus.Histogram

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Admin gRPC metrics
	GRPCCalls        *prometheus.CounterVec
	GRPCCallDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
// Registration is global: call it once per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of interview sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently running sessions",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of interview sessions in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of conversation state transitions",
		}, []string{"from", "to"}),
		ConversationState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_state",
			Help:      "1 for the current conversation state, 0 otherwise",
		}, []string{"state"}),

		// Connection metrics
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts",
		}, []string{"result"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnects",
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_generation",
			Help:      "Current connection generation",
		}),
		ConnectionsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Total number of involuntary disconnects",
		}, []string{"reason"}),

		// Frame metrics
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the connection",
		}, []string{"kind"}),
		BytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the connection",
		}, []string{"kind"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of outbound frames dropped before sending",
		}, []string{"kind", "reason"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of inbound frames decoded",
		}, []string{"type"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of inbound frames dropped as malformed",
		}, []string{"reason"}),
		StaleFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_frames_total",
			Help:      "Total number of inbound frames discarded from a superseded generation",
		}),

		// Heartbeat metrics
		PingsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_sent_total",
			Help:      "Total number of heartbeat pings queued",
		}),
		PongLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pong_latency_seconds",
			Help:      "Time from ping to the next pong",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		// Conversation metrics
		TranscriptEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Total number of transcript entries appended",
		}),
		PlaybackSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_seconds",
			Help:      "Time spent playing each interviewer reply",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Admin gRPC metrics
		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of admin gRPC calls",
		}, []string{"method", "code"}),
		GRPCCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_call_duration_seconds",
			Help:      "Duration of admin gRPC calls and streams",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// RecordTransition records a conversation state change.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
	m.ConversationState.WithLabelValues(from).Set(0)
	m.ConversationState.WithLabelValues(to).Set(1)
}

// RecordConnectAttempt records the outcome of a dial: ok, failed or rejected.
func (m *Metrics) RecordConnectAttempt(result string, generation uint64) {
	m.ConnectAttempts.WithLabelValues(result).Inc()
	m.Generation.Set(float64(generation))
}

// RecordReconnect records a successful reconnect.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordConnectionDropped records an involuntary disconnect.
func (m *Metrics) RecordConnectionDropped(reason string) {
	m.ConnectionsDropped.WithLabelValues(reason).Inc()
}

// RecordFrameSent records a frame written to the connection.
func (m *Metrics) RecordFrameSent(kind string, bytes int) {
	m.FramesSent.WithLabelValues(kind).Inc()
	m.BytesSent.WithLabelValues(kind).Add(float64(bytes))
}

// RecordFrameDropped records an outbound frame dropped before sending.
func (m *Metrics) RecordFrameDropped(kind, reason string) {
	m.FramesDropped.WithLabelValues(kind, reason).Inc()
}

// RecordFrameReceived records a decoded inbound frame.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordProtocolError records a dropped malformed inbound frame.
func (m *Metrics) RecordProtocolError(reason string) {
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordStaleFrame records an inbound frame discarded by generation filtering.
func (m *Metrics) RecordStaleFrame() {
	m.StaleFrames.Inc()
}

// RecordPing records a heartbeat ping.
func (m *Metrics) RecordPing() {
	m.PingsSent.Inc()
}

// RecordPong records the round trip of a heartbeat.
func (m *Metrics) RecordPong(latencySeconds float64) {
	m.PongLatency.Observe(latencySeconds)
}

// RecordTranscriptEntry records an appended transcript entry.
func (m *Metrics) RecordTranscriptEntry() {
	m.TranscriptEntries.Inc()
}

// RecordPlayback records the length of a finished playback.
func (m *Metrics) RecordPlayback(seconds float64) {
	m.PlaybackSeconds.Observe(seconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a finished unary call or stream.
func (m *Metrics) RecordGRPCCall(method, code string, durationSeconds float64) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
	m.GRPCCallDuration.WithLabelValues(method).Observe(durationSeconds)
}
