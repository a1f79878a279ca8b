// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts messages accepted by the gateway, by kind.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages sent through the gateway, labeled by message kind.",
	}, []string{"kind"})

	// SendFailures counts sends rejected by persistence.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_message_send_failures_total",
		Help: "Message sends that failed persistence.",
	})

	// Uploads counts attachment pipeline outcomes.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_uploads_total",
		Help: "Attachment uploads, labeled by outcome (ok, rejected, failed).",
	}, []string{"outcome"})

	// ActiveSessions tracks live chat sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Currently open chat sessions.",
	})

	// TypingSignals counts typing broadcasts relayed for clients.
	TypingSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_signals_total",
		Help: "Typing signals published on behalf of clients.",
	})
)
