package ax25link

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of prometheus collectors a Controller reports
// to. A nil *Metrics is safe to use everywhere below; every method is a
// no-op on a nil receiver so callers that don't need instrumentation never
// pay for it.
type Metrics struct {
	activeConnections prometheus.Gauge
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesDropped     prometheus.Counter
	retransmissions   prometheus.Counter
	t1Expirations     prometheus.Counter
	t3Expirations     prometheus.Counter
}

// NewMetrics builds and registers the Controller's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ax25link",
			Name:      "active_connections",
			Help:      "Number of Connections currently registered with the Controller.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "frames_sent_total",
			Help:      "AX.25 frames handed to a transport, by control family.",
		}, []string{"family"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "frames_received_total",
			Help:      "AX.25 frames decoded from a transport, by control family.",
		}, []string{"family"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that matched no Connection and no listener.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "retransmissions_total",
			Help:      "T1-triggered I-frame retransmissions across all connections.",
		}),
		t1Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "t1_retry_exhaustions_total",
			Help:      "Connections reset to DISCONNECTED after exhausting retry_count.",
		}),
		t3Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ax25link",
			Name:      "t3_keepalive_expirations_total",
			Help:      "Keepalive timer expirations that triggered an RR poll.",
		}),
	}
	reg.MustRegister(
		m.activeConnections,
		m.framesSent,
		m.framesReceived,
		m.framesDropped,
		m.retransmissions,
		m.t1Expirations,
		m.t3Expirations,
	)
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) sent(family string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(family).Inc()
}

func (m *Metrics) received(family string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(family).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) retransmit() {
	if m == nil {
		return
	}
	m.retransmissions.Inc()
}

func (m *Metrics) t1Expired() {
	if m == nil {
		return
	}
	m.t1Expirations.Inc()
}

func (m *Metrics) t3Expired() {
	if m == nil {
		return
	}
	m.t3Expirations.Inc()
}
