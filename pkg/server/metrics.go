package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus collectors. Each Server owns its
// own registry so tests can run several servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	sessions          prometheus.Gauge
	clients           prometheus.Gauge
	connections       *prometheus.CounterVec
	messagesCommitted prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	historyBytes      *prometheus.GaugeVec
	resets            prometheus.Counter
	autoResetQueries  prometheus.Counter
	ruleBreaks        prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canvashub_sessions",
			Help: "Number of active sessions",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canvashub_clients",
			Help: "Number of users in sessions",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvashub_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		messagesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvashub_messages_committed_total",
			Help: "Messages appended to session histories",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvashub_messages_dropped_total",
			Help: "Messages discarded by sessions",
		}, []string{"reason"}),
		historyBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canvashub_history_bytes",
			Help: "History size of each session",
		}, []string{"session"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvashub_session_resets_total",
			Help: "Committed session resets",
		}),
		autoResetQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvashub_autoreset_queries_total",
			Help: "Times operators were asked to reset a session",
		}),
		ruleBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvashub_rule_breaks_total",
			Help: "Messages rejected as protocol rule breaks",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.clients,
		m.connections,
		m.messagesCommitted,
		m.messagesDropped,
		m.historyBytes,
		m.resets,
		m.autoResetQueries,
		m.ruleBreaks,
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The recording methods accept a nil receiver so sessions built without
// metrics (tests, tools) need no checks.

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed(id string) {
	if m != nil {
		m.sessions.Dec()
		m.historyBytes.DeleteLabelValues(id)
	}
}

func (m *Metrics) ClientJoined() {
	if m != nil {
		m.clients.Inc()
	}
}

func (m *Metrics) ClientLeft() {
	if m != nil {
		m.clients.Dec()
	}
}

func (m *Metrics) ConnectionAccepted(transport string) {
	if m != nil {
		m.connections.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) MessageCommitted(session string, historyBytes int) {
	if m != nil {
		m.messagesCommitted.Inc()
		m.historyBytes.WithLabelValues(session).Set(float64(historyBytes))
	}
}

func (m *Metrics) MessageDropped(reason string) {
	if m != nil {
		m.messagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionReset() {
	if m != nil {
		m.resets.Inc()
	}
}

func (m *Metrics) AutoResetQueried() {
	if m != nil {
		m.autoResetQueries.Inc()
	}
}

func (m *Metrics) RuleBreak() {
	if m != nil {
		m.ruleBreaks.Inc()
	}
}
