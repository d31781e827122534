// Package metrics provides Prometheus metrics for the quince server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Archive job metrics
	archiveJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_archive_jobs_total",
			Help: "Total archive jobs submitted",
		},
		[]string{"kind"},
	)

	archiveJobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_archive_jobs_completed_total",
			Help: "Total archive jobs reaching a terminal state",
		},
		[]string{"kind", "status"},
	)

	archiveJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_archive_job_duration_seconds",
			Help:    "End-to-end archive job duration in seconds",
			Buckets: []float64{.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	archiveEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_archive_entries_total",
			Help: "Total archive entries processed",
		},
	)

	archiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_archive_bytes_total",
			Help: "Total bytes streamed by archive jobs",
		},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_active_jobs",
			Help: "Number of jobs currently running",
		},
	)

	// Safety metrics
	safetyRefusalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_safety_refusals_total",
			Help: "Total refusals by the safety gates",
		},
		[]string{"code"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_sse_events_total",
			Help: "Total SSE events published",
		},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_quota_exceeded_total",
			Help: "Total quota exceeded rejections",
		},
		[]string{"type"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_auth_attempts_total",
			Help: "Total token validation attempts",
		},
		[]string{"status"},
	)

	// Database metrics
	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStorageOperation records one backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordJobSubmitted records a job submission.
func RecordJobSubmitted(kind string) {
	archiveJobsTotal.WithLabelValues(kind).Inc()
}

// RecordJobCompleted records a job reaching a terminal state.
func RecordJobCompleted(kind, status string, duration time.Duration) {
	archiveJobsCompletedTotal.WithLabelValues(kind, status).Inc()
	archiveJobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordArchiveEntry records one processed entry and its byte count.
func RecordArchiveEntry(bytes int64) {
	archiveEntriesTotal.Inc()
	archiveBytesTotal.Add(float64(bytes))
}

// JobStarted increments the running-jobs gauge.
func JobStarted() {
	activeJobs.Inc()
}

// JobFinished decrements the running-jobs gauge.
func JobFinished() {
	activeJobs.Dec()
}

// RecordSafetyRefusal records a refusal with its stable code.
func RecordSafetyRefusal(code string) {
	safetyRefusalsTotal.WithLabelValues(code).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent() {
	sseEventsTotal.Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordQuotaExceeded records a quota exceeded rejection.
func RecordQuotaExceeded(quotaType string) {
	quotaExceededTotal.WithLabelValues(quotaType).Inc()
}

// RecordAuthAttempt records a token validation outcome.
func RecordAuthAttempt(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	authAttemptsTotal.WithLabelValues(status).Inc()
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
