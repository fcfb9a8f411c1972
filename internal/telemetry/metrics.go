package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SyncDrains        = prometheus.NewCounter(prometheus.CounterOpts{Name: "persona_sync_drains_total", Help: "Queue drain cycles started"})
	SyncJobsProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "persona_sync_jobs_total", Help: "Persona jobs picked up for processing"})
	SyncJobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "persona_sync_succeeded_total", Help: "Persona jobs finished with a terminal status"})
	SyncJobsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "persona_sync_retried_total", Help: "Persona jobs left queued for another drain"})
	SyncJobsExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "persona_sync_exhausted_total", Help: "Persona jobs dropped after exhausting attempts"})
	PersonasCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "personas_created_total", Help: "Remote personas created"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "persona_queue_depth", Help: "Jobs currently in the sync queue"})

	WebhookEvents    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook events by type"}, []string{"event_type"})
	WebhookRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rejected_total", Help: "Webhook events rejected (unknown conversation or malformed)"})
	FeedbackSessions = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedback_sessions_total", Help: "Feedback sessions created"})
	FeedbackFallback = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedback_fallback_total", Help: "Feedback analyses produced by the heuristic fallback"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversation_rate_limit_rejects_total", Help: "Conversation starts rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SyncDrains,
			SyncJobsProcessed,
			SyncJobsSucceeded,
			SyncJobsRetried,
			SyncJobsExhausted,
			PersonasCreated,
			QueueDepthGauge,
			WebhookEvents,
			WebhookRejected,
			FeedbackSessions,
			FeedbackFallback,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
