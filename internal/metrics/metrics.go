package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// JobsProcessed counts the total number of transcode jobs by outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Name:      "jobs_processed_total",
			Help:      "Total number of transcode jobs processed",
		},
		[]string{"status"},
	)

	// JobsSkipped counts redundant queue deliveries skipped by the record guard.
	JobsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Name:      "jobs_skipped_total",
			Help:      "Queue deliveries skipped because the record was already owned or done",
		},
	)

	// TranscodeDuration tracks the time taken for FFmpeg transcoding by strategy.
	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vellum",
			Name:      "transcode_duration_seconds",
			Help:      "Time taken for FFmpeg transcoding",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"strategy"},
	)

	// PublishDuration tracks the time taken to publish the artifact tree.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vellum",
			Name:      "publish_duration_seconds",
			Help:      "Time taken to publish artifacts to the object store",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// PublishedFiles counts objects written to the store.
	PublishedFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Name:      "published_files_total",
			Help:      "Total number of artifact files published",
		},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vellum",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// WebhookAttempts counts webhook delivery attempts by outcome.
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Name:      "webhook_attempts_total",
			Help:      "Total number of webhook delivery attempts",
		},
		[]string{"outcome"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsCreated counts upload sessions created.
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Subsystem: "api",
			Name:      "sessions_created_total",
			Help:      "Total number of upload sessions created",
		},
	)

	// UploadsFinished counts finished uploads by ingress path.
	UploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Subsystem: "api",
			Name:      "uploads_finished_total",
			Help:      "Total number of finished uploads",
		},
		[]string{"path"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vellum",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)

// RecordSuccess records a successful job.
func RecordSuccess() {
	JobsProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records a failed job.
func RecordFailure() {
	JobsProcessed.WithLabelValues("failed").Inc()
}
