package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CallCollector implements ports.CallMetrics for the calling client.
type CallCollector struct {
	peerConnectionsActive prometheus.Gauge

	negotiationsTotal     *prometheus.CounterVec
	iceRestartsTotal      *prometheus.CounterVec
	signalingDroppedTotal *prometheus.CounterVec
	relayConnectsTotal    *prometheus.CounterVec
}

// NewCallCollector registers the client metrics with reg. A nil reg uses the
// default registry.
func NewCallCollector(reg prometheus.Registerer) *CallCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &CallCollector{
		peerConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetline_peer_connections_active",
			Help: "Number of open peer connections",
		}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetline_negotiations_total",
			Help: "Offer/answer negotiations by result",
		}, []string{"result"}),

		iceRestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetline_ice_restarts_total",
			Help: "ICE restarts by result",
		}, []string{"result"}),

		signalingDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetline_signaling_dropped_total",
			Help: "Inbound signaling messages dropped, by reason",
		}, []string{"reason"}),

		relayConnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetline_relay_connect_attempts_total",
			Help: "Relay endpoint connection attempts by result",
		}, []string{"result"}),
	}
}

func (c *CallCollector) SetPeerConnections(n int) {
	c.peerConnectionsActive.Set(float64(n))
}

func (c *CallCollector) RecordNegotiation(result string) {
	c.negotiationsTotal.WithLabelValues(result).Inc()
}

func (c *CallCollector) RecordICERestart(result string) {
	c.iceRestartsTotal.WithLabelValues(result).Inc()
}

func (c *CallCollector) RecordSignalingDropped(reason string) {
	c.signalingDroppedTotal.WithLabelValues(reason).Inc()
}

func (c *CallCollector) RecordRelayConnect(result string) {
	c.relayConnectsTotal.WithLabelValues(result).Inc()
}

// RelayCollector implements ports.RelayMetrics for the signaling relay.
type RelayCollector struct {
	connectionsActive prometheus.Gauge
	meetingsActive    prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
}

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RelayCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetline_relay_connections_active",
			Help: "Number of connected signaling clients",
		}),

		meetingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetline_relay_meetings_active",
			Help: "Number of meetings held by the relay",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetline_relay_messages_total",
			Help: "Inbound signaling messages by event",
		}, []string{"event"}),
	}
}

func (r *RelayCollector) ConnectionOpened() {
	r.connectionsActive.Inc()
}

func (r *RelayCollector) ConnectionClosed() {
	r.connectionsActive.Dec()
}

func (r *RelayCollector) SetMeetings(n int) {
	r.meetingsActive.Set(float64(n))
}

func (r *RelayCollector) RecordMessage(event string) {
	r.messagesTotal.WithLabelValues(event).Inc()
}
