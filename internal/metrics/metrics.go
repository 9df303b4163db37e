package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "flightdeck"
)

var (
	snapshotDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

	// Notification Metrics
	NotificationsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_received_total",
		Help:      "Count of push notifications received, by category.",
	}, []string{"category"})

	NotificationsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Count of push notifications that could not be normalized.",
	}, []string{"category", "reason"})

	HubConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_connected",
		Help:      "1 while the push notification channel is connected.",
	})

	HubReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_reconnects_total",
		Help:      "Count of push notification channel connection attempts after the first.",
	})

	// Reconciler Metrics
	EventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_applied_total",
		Help:      "Count of normalized events applied to an open list.",
	}, []string{"kind", "op"})

	SnapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_duration_seconds",
		Help:      "Time taken to load a full snapshot.",
		Buckets:   snapshotDurationBuckets,
	}, []string{"kind"})

	SnapshotFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_failures_total",
		Help:      "Count of failed snapshot loads.",
	}, []string{"kind", "reason"})

	// Mutation Metrics
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Count of submitted writes, by outcome.",
	}, []string{"kind", "op", "outcome"})

	PendingExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_mutations_expired_total",
		Help:      "Count of pending mutations rolled back after the confirmation timeout.",
	}, []string{"kind"})

	// View Metrics
	OpenViews = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_views",
		Help:      "Number of open list views.",
	}, []string{"kind"})
)
