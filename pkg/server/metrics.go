package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid everywhere and records nothing, so tests can skip registration.
type Metrics struct {
	activeSessions    prometheus.Gauge
	activeRooms       prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	authResults       *prometheus.CounterVec
	joinDecisions     *prometheus.CounterVec
	messagesRelayed   prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	ledgerDuration    prometheus.Histogram
}

// NewMetrics creates and registers the gateway metrics on the default
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_active_rooms",
			Help: "Number of rooms with at least one member",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_sessions_created_total",
			Help: "Total sessions created",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_sessions_closed_total",
			Help: "Total sessions closed",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_frames_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_frames_sent_total",
			Help: "Outbound frames by type",
		}, []string{"type"}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_auth_results_total",
			Help: "Authentication attempts by result",
		}, []string{"result"}),
		joinDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_join_decisions_total",
			Help: "Room join authorization decisions by result",
		}, []string{"result"}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_messages_relayed_total",
			Help: "Messages accepted for fan-out",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keygate_broadcast_fanout",
			Help:    "Recipients per message fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keygate_broadcast_duration_seconds",
			Help:    "Time to fan a message out to all recipients",
			Buckets: prometheus.DefBuckets,
		}),
		ledgerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keygate_ledger_request_duration_seconds",
			Help:    "Latency of ledger queries made during authorization",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.activeSessions,
		m.activeRooms,
		m.sessionsCreated,
		m.sessionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.authResults,
		m.joinDecisions,
		m.messagesRelayed,
		m.broadcastFanout,
		m.broadcastDuration,
		m.ledgerDuration,
	)
	return m
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordActiveRooms(count int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordAuthResult(result string) {
	if m == nil {
		return
	}
	m.authResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordJoinDecision(result string) {
	if m == nil {
		return
	}
	m.joinDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordMessageRelayed() {
	if m == nil {
		return
	}
	m.messagesRelayed.Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordBroadcastDuration(seconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(seconds)
}

func (m *Metrics) RecordLedgerDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ledgerDuration.Observe(seconds)
}
