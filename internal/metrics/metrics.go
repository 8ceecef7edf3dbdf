package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_active_sessions",
		Help: "Number of live messaging sessions (one per WebSocket client).",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_sent_total",
		Help: "Messages accepted and committed.",
	})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_events_dispatched_total",
		Help: "Change-feed callbacks invoked, by event kind.",
	}, []string{"kind"})
)
