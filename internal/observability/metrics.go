package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveRelays          prometheus.Gauge
	SessionEvents         *prometheus.CounterVec
	WSMessages            *prometheus.CounterVec
	OutboundMessages      *prometheus.CounterVec
	UpstreamErrors        *prometheus.CounterVec
	StoreWrites           *prometheus.CounterVec
	Interruptions         *prometheus.CounterVec
	FirstResponseLatency  prometheus.Histogram
	PersistedTurnDuration prometheus.Histogram

	stages *stageWindow
}

// NewMetrics registers instruments on the default registry. Namespaces must be
// unique per process, which is why tests pass a generated one.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRelays: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relays",
			Help:      "Relays currently holding an upstream connection.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session and relay lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Relay to client deliveries by type and result.",
		}, []string{"type", "result"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream adapter errors by provider and code.",
		}, []string{"provider", "code"}),
		StoreWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "History store appends by result.",
		}, []string{"result"}),
		Interruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant turns cut short by barge-in, by trigger.",
		}, []string{"trigger"}),
		FirstResponseLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_response_latency_ms",
			Help:      "Latency from last client input to first assistant chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		PersistedTurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_turn_audio_ms",
			Help:      "Playback length of persisted assistant audio turns in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(250, 2, 8),
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstResponseLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstResponseLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageInputToFirstResponse, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveUpstreamError(provider, code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveStoreWrite(result string) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveInterruption(trigger string) {
	if m == nil {
		return
	}
	m.Interruptions.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObservePersistedAudio(d time.Duration) {
	if m == nil {
		return
	}
	m.PersistedTurnDuration.Observe(float64(d.Milliseconds()))
}

// RelayStarted increments the live relay gauge and returns the matching
// decrement.
func (m *Metrics) RelayStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRelays.Inc()
	return m.ActiveRelays.Dec
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
