// Package metrics holds the Prometheus collectors shared by the live components.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsEvicted  prometheus.Counter
	PresenceChanges  prometheus.Counter
	EventsPublished  *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	DeliveryDropped  prometheus.Counter
	Replayed         prometheus.Counter
	GapTooLarge      prometheus.Counter
	SlowConsumers    prometheus.Counter
	SubscriptionsNow prometheus.Gauge
	EventsCompacted  prometheus.Counter
	WritesRejected   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_sessions_active",
			Help: "Sessions currently attached to the registry.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_sessions_evicted_total",
			Help: "Sessions evicted by heartbeat timeout.",
		}),
		PresenceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_presence_changes_total",
			Help: "Effective user presence transitions.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_events_published_total",
			Help: "Change events sequenced, by kind.",
		}, []string{"kind"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_events_delivered_total",
			Help: "Change events handed to subscription sinks.",
		}),
		DeliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_delivery_dropped_total",
			Help: "Queued events discarded because their subscription closed.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_events_replayed_total",
			Help: "Events replayed to resuming subscriptions.",
		}),
		GapTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_replay_gap_too_large_total",
			Help: "Subscribe calls rejected because the log was compacted past since.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_slow_consumers_total",
			Help: "Subscriptions closed after their mailbox overflowed.",
		}),
		SubscriptionsNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_subscriptions_active",
			Help: "Live topic subscriptions.",
		}),
		EventsCompacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_events_compacted_total",
			Help: "Events removed from retained topic logs.",
		}),
		WritesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_writes_rejected_total",
			Help: "Client writes rejected, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive, m.SessionsEvicted, m.PresenceChanges, m.EventsPublished,
			m.EventsDelivered, m.DeliveryDropped, m.Replayed, m.GapTooLarge,
			m.SlowConsumers, m.SubscriptionsNow, m.EventsCompacted, m.WritesRejected,
		)
	}
	return m
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.SessionsActive.Set(float64(n))
	}
}

func (m *Metrics) SessionEvicted() {
	if m != nil {
		m.SessionsEvicted.Inc()
	}
}

func (m *Metrics) PresenceChanged() {
	if m != nil {
		m.PresenceChanges.Inc()
	}
}

func (m *Metrics) Published(kind string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.EventsDelivered.Inc()
	}
}

func (m *Metrics) Dropped(n int) {
	if m != nil && n > 0 {
		m.DeliveryDropped.Add(float64(n))
	}
}

func (m *Metrics) ReplayedEvents(n int) {
	if m != nil && n > 0 {
		m.Replayed.Add(float64(n))
	}
}

func (m *Metrics) Gap() {
	if m != nil {
		m.GapTooLarge.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumers.Inc()
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m != nil {
		m.SubscriptionsNow.Inc()
	}
}

func (m *Metrics) SubscriptionClosed() {
	if m != nil {
		m.SubscriptionsNow.Dec()
	}
}

func (m *Metrics) Compacted(n int) {
	if m != nil && n > 0 {
		m.EventsCompacted.Add(float64(n))
	}
}

func (m *Metrics) WriteRejected(reason string) {
	if m != nil {
		m.WritesRejected.WithLabelValues(reason).Inc()
	}
}
