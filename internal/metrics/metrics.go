// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classrelay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_events_emitted_total",
			Help: "Events appended to the log by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_events_processed_total",
			Help: "Events moved to a terminal status by type and status",
		},
		[]string{"type", "status"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_notifications_dispatched_total",
			Help: "Dispatch attempts by provider and status",
		},
		[]string{"provider", "status"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_job_runs_total",
			Help: "Scheduled job runs by job and result status",
		},
		[]string{"job", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classrelay_job_duration_seconds",
			Help:    "Scheduled job run duration",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classrelay_rate_limit_rejections_total",
			Help: "Admin API requests rejected by the rate limiter",
		},
		[]string{"org_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventEmitted records one emission attempt outcome ("ok"/"dropped").
func RecordEventEmitted(eventType, outcome string) {
	eventsEmitted.WithLabelValues(eventType, outcome).Inc()
}

// RecordEventProcessed records an event reaching a terminal status.
func RecordEventProcessed(eventType, status string) {
	eventsProcessed.WithLabelValues(eventType, status).Inc()
}

// RecordNotificationDispatched records a dispatch attempt outcome.
func RecordNotificationDispatched(provider, status string) {
	notificationsDispatched.WithLabelValues(provider, status).Inc()
}

// RecordJobRun records a job run result.
func RecordJobRun(job, status string, duration time.Duration) {
	jobRuns.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(orgID string) {
	rateLimitRejections.WithLabelValues(orgID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics for every handler it wraps.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
