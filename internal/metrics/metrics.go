// Package metrics provides Prometheus metrics for the media store.
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
			Name: "mediastore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_content_bytes_downloaded_total",
			Help: "Total bytes streamed to readers",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_content_bytes_uploaded_total",
			Help: "Total bytes written to backends",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_content_downloads_total",
			Help: "Total number of content reads",
		},
		[]string{"status", "range"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status", "strategy"},
	)

	// Backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	deleteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_delete_failures_total",
			Help: "Deletes whose backend error was logged and swallowed",
		},
		[]string{"backend"},
	)

	// Multipart metrics
	multipartPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_multipart_parts_total",
			Help: "Total multipart parts uploaded",
		},
		[]string{"status"},
	)

	multipartAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_multipart_aborts_total",
			Help: "Multipart uploads aborted and discarded",
		},
	)

	// Capability metrics
	capabilitiesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_capabilities_issued_total",
			Help: "Access URLs issued, by kind",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordContentDownload records a content read.
func RecordContentDownload(bytes int64, partial, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success), strconv.FormatBool(partial)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, strategy string, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success), strategy).Inc()
}

// RecordStorageOperation records a backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordDeleteFailure records a swallowed delete error.
func RecordDeleteFailure(backend string) {
	deleteFailuresTotal.WithLabelValues(backend).Inc()
}

// RecordMultipartPart records one uploaded part.
func RecordMultipartPart(success bool) {
	multipartPartsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordMultipartAbort records an aborted multipart upload.
func RecordMultipartAbort() {
	multipartAbortsTotal.Inc()
}

// RecordCapabilityIssued records an issued access URL.
func RecordCapabilityIssued(kind string) {
	capabilitiesIssuedTotal.WithLabelValues(kind).Inc()
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

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
