package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voicerelay/internal/core/domain"
	"voicerelay/pkg/circuitbreaker"
)

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec

	framesForwarded *prometheus.CounterVec
	framesRejected  *prometheus.CounterVec

	upstreamDialDuration prometheus.Histogram
	upstreamDialErrors   prometheus.Counter
	breakerState         *prometheus.GaugeVec

	roomParticipants  *prometheus.GaugeVec
	messagesPersisted *prometheus.CounterVec
	broadcastDropped  *prometheus.CounterVec
}

// NewPrometheusCollector registers the relay metrics with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicerelay_connections_active",
			Help: "Number of open relay connections",
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_connections_total",
			Help: "Relay connection attempts by outcome",
		}, []string{"outcome"}),

		framesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_frames_forwarded_total",
			Help: "Frames forwarded between client and speech peer",
		}, []string{"direction"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_frames_rejected_total",
			Help: "Client frames rejected before reaching the speech peer",
		}, []string{"reason"}),

		upstreamDialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicerelay_upstream_dial_duration_seconds",
			Help:    "Duration of speech peer handshakes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		upstreamDialErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_upstream_dial_errors_total",
			Help: "Failed speech peer handshakes",
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicerelay_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),

		roomParticipants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicerelay_room_participants",
			Help: "Live members per room on this instance",
		}, []string{"room_id"}),

		messagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_messages_persisted_total",
			Help: "Transcript messages persisted by role",
		}, []string{"role"}),

		broadcastDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_broadcast_dropped_total",
			Help: "Room frames dropped for slow members",
		}, []string{"frame_type"}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.WithLabelValues("opened").Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

// RecordConnectionRejected counts upgrades refused before a connection existed.
func (p *PrometheusCollector) RecordConnectionRejected(reason string) {
	p.connectionsTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordFrameForwarded(direction string) {
	p.framesForwarded.WithLabelValues(direction).Inc()
}

func (p *PrometheusCollector) RecordFrameRejected(reason string) {
	p.framesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordUpstreamDial(duration time.Duration, err error) {
	p.upstreamDialDuration.Observe(duration.Seconds())
	if err != nil {
		p.upstreamDialErrors.Inc()
	}
}

// RecordBreakerState matches circuitbreaker.WithStateChange.
func (p *PrometheusCollector) RecordBreakerState(name string, _, to circuitbreaker.State) {
	p.breakerState.WithLabelValues(name).Set(float64(to))
}

func (p *PrometheusCollector) SetParticipants(roomID domain.RoomID, count int) {
	if count == 0 {
		p.roomParticipants.DeleteLabelValues(string(roomID))
		return
	}
	p.roomParticipants.WithLabelValues(string(roomID)).Set(float64(count))
}

func (p *PrometheusCollector) MessagePersisted(role domain.Role) {
	p.messagesPersisted.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) BroadcastDropped(frameType domain.FrameType) {
	p.broadcastDropped.WithLabelValues(string(frameType)).Inc()
}
