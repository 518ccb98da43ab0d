// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatch_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	JobsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_finalized_total",
			Help: "Notification jobs that reached an aggregate terminal status",
		},
		[]string{"status"},
	)

	QueueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_backlog",
			Help: "Jobs waiting in queued status",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_queue_tick_duration_seconds",
			Help:    "Duration of one queue processor tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_webhook_events_total",
			Help: "Webhook events by provider and result",
		},
		[]string{"provider", "result"},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_webhook_requests_total",
			Help: "Webhook requests by provider and HTTP status",
		},
		[]string{"provider", "status"},
	)

	PushTokensPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_push_tokens_pruned_total",
			Help: "Push tokens removed after provider invalidation",
		},
	)

	TrackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_tracking_events_total",
			Help: "Service worker tracking beacons by event",
		},
		[]string{"event"},
	)

	BenefitsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "benefits_expired_total",
			Help: "Benefits flipped from active to expired by the sweep",
		},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Scheduled job runs by job and result",
		},
		[]string{"job", "result"},
	)
)
