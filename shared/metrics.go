package shared

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the signaling core reports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	transitions      *prometheus.CounterVec
	mediaFailures    *prometheus.CounterVec
	discarded        *prometheus.CounterVec
	reconnects       prometheus.Counter
	transportUp      prometheus.Gauge
	messagesReceived prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_call_transitions_total",
				Help: "Call session state transitions",
			},
			[]string{"from", "to"},
		),
		mediaFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_media_failures_total",
				Help: "Media acquisition failures by kind",
			},
			[]string{"kind"},
		),
		discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_signaling_discarded_total",
				Help: "Inbound signaling events dropped by the session",
			},
			[]string{"event", "reason"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consult_transport_reconnect_attempts_total",
			Help: "Transport dial attempts after the first",
		}),
		transportUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consult_transport_connected",
			Help: "1 while the relay connection is up",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consult_chat_messages_received_total",
			Help: "Chat messages received from the relay",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.mediaFailures, m.discarded, m.reconnects, m.transportUp, m.messagesReceived)
	}
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) MediaFailure(kind string) {
	if m == nil {
		return
	}
	m.mediaFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Discarded(event, reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) TransportUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.transportUp.Set(1)
		return
	}
	m.transportUp.Set(0)
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}
