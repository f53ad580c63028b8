// Package metrics provides Prometheus metrics for the drive server.
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
			Name: "fruitdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fruitdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitdrive_content_bytes_downloaded_total",
			Help: "Total bytes served by download and preview",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitdrive_content_bytes_uploaded_total",
			Help: "Total bytes accepted by upload",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitdrive_content_downloads_total",
			Help: "Total number of downloads and previews",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitdrive_content_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitdrive_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"kind", "result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fruitdrive_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fruitdrive_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Hierarchy metrics
	cascadeDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitdrive_cascade_deleted_total",
			Help: "Rows removed by folder cascade deletes",
		},
		[]string{"kind"},
	)

	// Blob metrics
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fruitdrive_blob_operation_duration_seconds",
			Help:    "Blob backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitdrive_blob_operations_total",
			Help: "Total blob backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	blobPurgeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitdrive_blob_purge_failures_total",
			Help: "Blob deletions that failed after metadata was removed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a download or preview.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordContentUpload records an upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordAuthAttempt records a register, login or token check. kind is one of
// "register", "login" or "token".
func RecordAuthAttempt(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordCascadeDelete records the rows removed by one folder delete.
func RecordCascadeDelete(folders, files int) {
	cascadeDeletedTotal.WithLabelValues("folder").Add(float64(folders))
	cascadeDeletedTotal.WithLabelValues("file").Add(float64(files))
}

// RecordBlobOperation records a blob backend operation.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordBlobPurgeFailure counts a best-effort blob delete that failed.
func RecordBlobPurgeFailure() {
	blobPurgeFailuresTotal.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Instrument wraps a handler registered under route and records request
// metrics for it. Labelling by route pattern instead of URL path keeps ids
// out of the label set.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
