// Package metrics provides Prometheus metrics for the broker.
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
	// Local cache metrics
	fileCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_file_cache_lookups_total",
			Help: "Local file hash cache lookups",
		},
		[]string{"result"},
	)

	contentConfirms = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_content_confirms_total",
			Help: "Content hashes resolved by the content address store",
		},
		[]string{"source"},
	)

	resultCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_result_cache_lookups_total",
			Help: "Result cache lookups",
		},
		[]string{"result"},
	)

	cachePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_cache_pruned_total",
			Help: "Records removed by cache pruning",
		},
		[]string{"cache"},
	)

	// Sync metrics
	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contree_broker_sync_duration_seconds",
			Help:    "Directory sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	filesHashed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contree_broker_files_hashed_total",
			Help: "Files read and hashed during sync",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contree_broker_bytes_uploaded_total",
			Help: "Blob bytes uploaded to the backend",
		},
	)

	blobUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_blob_uploads_total",
			Help: "Blob uploads",
		},
		[]string{"status"},
	)

	// Operation metrics
	operationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_operations_submitted_total",
			Help: "Operations submitted to the backend",
		},
		[]string{"kind"},
	)

	operationPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_operation_polls_total",
			Help: "Operation status polls",
		},
		[]string{"state"},
	)

	operationsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_operations_terminal_total",
			Help: "Operations observed reaching a terminal state",
		},
		[]string{"state"},
	)

	waitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contree_broker_wait_duration_seconds",
			Help:    "Duration of multi-operation waits",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"mode", "outcome"},
	)

	trackedOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contree_broker_tracked_operations",
			Help: "Operations currently tracked in this process",
		},
	)

	// Backend metrics
	backendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contree_broker_backend_requests_total",
			Help: "Backend HTTP requests",
		},
		[]string{"route", "status"},
	)

	backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contree_broker_backend_request_duration_seconds",
			Help:    "Backend HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordFileCacheLookup records a LocalFileCache hit or miss.
func RecordFileCacheLookup(hit bool) {
	if hit {
		fileCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	fileCacheLookups.WithLabelValues("miss").Inc()
}

// RecordContentConfirm records how many hashes were resolved locally and
// how many were sent to, and confirmed by, the backend.
func RecordContentConfirm(local, remoteAsked, remoteKnown int) {
	contentConfirms.WithLabelValues("local").Add(float64(local))
	contentConfirms.WithLabelValues("remote_asked").Add(float64(remoteAsked))
	contentConfirms.WithLabelValues("remote_known").Add(float64(remoteKnown))
}

// RecordResultCacheLookup records a ResultCache hit or miss.
func RecordResultCacheLookup(hit bool) {
	if hit {
		resultCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	resultCacheLookups.WithLabelValues("miss").Inc()
}

// RecordPrune records records removed from a cache.
func RecordPrune(cache string, n int) {
	cachePruned.WithLabelValues(cache).Add(float64(n))
}

// RecordSync records a sync attempt.
func RecordSync(duration time.Duration, success bool) {
	syncDuration.WithLabelValues(outcome(success)).Observe(duration.Seconds())
}

// RecordFileHashed records a file read and hashed.
func RecordFileHashed() {
	filesHashed.Inc()
}

// RecordBlobUpload records a blob upload.
func RecordBlobUpload(bytes int64, success bool) {
	if success {
		bytesUploaded.Add(float64(bytes))
	}
	blobUploads.WithLabelValues(outcome(success)).Inc()
}

// RecordSubmit records an operation submission.
func RecordSubmit(kind string) {
	operationsSubmitted.WithLabelValues(kind).Inc()
}

// RecordPoll records a status poll and the state it returned.
func RecordPoll(state string) {
	operationPolls.WithLabelValues(state).Inc()
}

// RecordTerminal records an operation observed reaching a terminal state.
func RecordTerminal(state string) {
	operationsTerminal.WithLabelValues(state).Inc()
}

// RecordWait records a wait call.
func RecordWait(mode string, timedOut bool, duration time.Duration) {
	result := "completed"
	if timedOut {
		result = "timed_out"
	}
	waitDuration.WithLabelValues(mode, result).Observe(duration.Seconds())
}

// SetTrackedOperations sets the number of operations tracked in-process.
func SetTrackedOperations(n int) {
	trackedOperations.Set(float64(n))
}

// RecordBackendRequest records a backend HTTP request. status is 0 when
// the request failed before a response arrived.
func RecordBackendRequest(route string, status int, duration time.Duration) {
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	backendRequestsTotal.WithLabelValues(route, label).Inc()
	backendRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
