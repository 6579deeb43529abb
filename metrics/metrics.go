// Package metrics exposes prometheus instruments for the chat engine.
//
// Instruments are created per engine instance against an injected
// Registerer, never against the process-global default registry, so
// multiple engines can coexist in one process. All increment helpers are
// nil-safe: components hold a *Metrics that may be nil when the embedder
// opted out of metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the engine's instruments.
type Metrics struct {
	messagesSent      prometheus.Counter
	messagesQueued    prometheus.Counter
	messagesEvicted   prometheus.Counter
	messagesDeduped   prometheus.Counter
	messagesRejected  prometheus.Counter
	publishFailures   prometheus.Counter
	reconnectAttempts prometheus.Counter
	connectionState   prometheus.Gauge
}

// New creates the instrument set and registers it with reg. A nil reg
// creates unregistered instruments, useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_sent_total",
			Help: "Messages successfully published to the transport.",
		}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_queued_total",
			Help: "Messages queued while the transport was unavailable.",
		}),
		messagesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_evicted_total",
			Help: "Queued messages evicted by FIFO overflow.",
		}),
		messagesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_deduplicated_total",
			Help: "Duplicate message ids suppressed on send or receive.",
		}),
		messagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_rejected_total",
			Help: "Messages rejected for exceeding the payload size limit.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_publish_failures_total",
			Help: "Failed transport publish attempts.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_connection_state",
			Help: "Current connection state as its numeric enum value.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.messagesQueued, m.messagesEvicted,
			m.messagesDeduped, m.messagesRejected, m.publishFailures,
			m.reconnectAttempts, m.connectionState,
		)
	}
	return m
}

// IncSent counts a successful publish.
func (m *Metrics) IncSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

// IncQueued counts a message held for later delivery.
func (m *Metrics) IncQueued() {
	if m != nil {
		m.messagesQueued.Inc()
	}
}

// IncEvicted counts a FIFO overflow eviction.
func (m *Metrics) IncEvicted() {
	if m != nil {
		m.messagesEvicted.Inc()
	}
}

// IncDeduplicated counts a suppressed duplicate id.
func (m *Metrics) IncDeduplicated() {
	if m != nil {
		m.messagesDeduped.Inc()
	}
}

// IncRejected counts an oversized-message rejection.
func (m *Metrics) IncRejected() {
	if m != nil {
		m.messagesRejected.Inc()
	}
}

// IncPublishFailure counts a failed publish attempt.
func (m *Metrics) IncPublishFailure() {
	if m != nil {
		m.publishFailures.Inc()
	}
}

// IncReconnectAttempt counts a scheduled reconnect.
func (m *Metrics) IncReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

// SetConnectionState records the current connection state enum value.
func (m *Metrics) SetConnectionState(state int) {
	if m != nil {
		m.connectionState.Set(float64(state))
	}
}
