package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	TrackedSockets  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	SessionStates   *prometheus.CounterVec
	FramesForwarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	HeartbeatPrunes prometheus.Counter
	UpstreamLatency *prometheus.HistogramVec
	CallsPlaced     *prometheus.CounterVec
	perf            *callWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of relay sessions currently running.",
		}),
		TrackedSockets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_tracked_sockets",
			Help:      "Telephony sockets tracked by the heartbeat registry.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SessionStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		FramesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames relayed by direction and type.",
		}, []string{"direction", "type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason.",
		}, []string{"reason"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream negotiation failures by kind.",
		}, []string{"kind"}),
		HeartbeatPrunes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_prunes_total",
			Help:      "Telephony sockets closed after a missed heartbeat.",
		}),
		UpstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_stage_latency_ms",
			Help:      "Upstream negotiation stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}, []string{"stage"}),
		CallsPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound call placement attempts by result.",
		}, []string{"result"}),
		perf: newCallWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveState(state string) {
	if m == nil {
		return
	}
	m.SessionStates.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveForwarded(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesForwarded.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveUpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHeartbeatPrune() {
	if m == nil {
		return
	}
	m.HeartbeatPrunes.Inc()
}

func (m *Metrics) ObserveCallPlaced(result string) {
	if m == nil {
		return
	}
	m.CallsPlaced.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) SetTrackedSockets(n int) {
	if m == nil {
		return
	}
	m.TrackedSockets.Set(float64(n))
}

// ObserveStage records a latency sample in both the histogram and the
// rolling window served at /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(stage).Observe(float64(d.Microseconds()) / 1000)
	m.perf.observeStage(stage, d)
}

// ObserveCall adds a finished session to the perf window.
func (m *Metrics) ObserveCall(o CallOutcome) {
	if m == nil {
		return
	}
	m.perf.observeCall(o)
}

func (m *Metrics) SnapshotPerf() PerfSnapshot {
	if m == nil {
		return PerfSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}, Calls: summarizeCalls(nil)}
	}
	return m.perf.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
