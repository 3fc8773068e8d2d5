package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway counters. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	envelopes   *prometheus.CounterVec
	broadcasts  prometheus.Counter
	drops       prometheus.Counter
	rejects     *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open socket sessions.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "rooms",
			Help:      "Conversations with at least one joined session.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "envelopes_in_total",
			Help:      "Inbound envelopes by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "messages_broadcast_total",
			Help:      "Persisted messages fanned out to rooms.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "send_dropped_total",
			Help:      "Envelopes dropped because a session queue was full.",
		}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Subsystem: "ws",
			Name:      "rejects_total",
			Help:      "Rejected connections and envelopes by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.rooms, m.envelopes, m.broadcasts, m.drops, m.rejects)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) envelopeIn(typ string) {
	if m != nil {
		m.envelopes.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}
