package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the realtime core.
type Metrics struct {
	ConnectionsOnline  prometheus.Gauge
	RoomsActive        prometheus.Gauge
	MessagesSent       prometheus.Counter
	PersistFailures    prometheus.Counter
	Notifications      *prometheus.CounterVec
	PresenceBroadcasts *prometheus.CounterVec
	Receipts           *prometheus.CounterVec
	ReplayedMessages   prometheus.Counter
	DroppedEnvelopes   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg yields working, unregistered collectors (tests, tools).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "connectglobal"
	const sub = "realtime"

	return &Metrics{
		ConnectionsOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connections_online",
			Help: "Users with a registered live connection.",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rooms_active",
			Help: "Conversation rooms with at least one present member.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "messages_sent_total",
			Help: "Messages persisted and broadcast.",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "message_persist_failures_total",
			Help: "Sends aborted because the message could not be persisted.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "offline_notifications_total",
			Help: "Offline notifications handed to the notifier, by result.",
		}, []string{"result"}),
		PresenceBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "presence_broadcasts_total",
			Help: "user_status announcements, by status.",
		}, []string{"status"}),
		Receipts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "receipts_total",
			Help: "Delivery and read transitions relayed to senders, by kind.",
		}, []string{"kind"}),
		ReplayedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "replayed_messages_total",
			Help: "Messages delivered through offline replay.",
		}),
		DroppedEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "dropped_envelopes_total",
			Help: "Envelopes dropped because a client queue was full or closing.",
		}),
	}
}
