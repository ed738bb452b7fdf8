package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbmclip_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Upload Metrics
	SourceUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbmclip_source_uploads_total",
			Help: "Total number of source video uploads",
		},
	)

	SourceUploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tbmclip_source_upload_size_bytes",
			Help:    "Size of uploaded source videos in bytes",
			Buckets: prometheus.ExponentialBuckets(256*1024, 2, 12), // 256KB to 512MB
		},
	)

	// Transcode Metrics
	TranscodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_transcodes_total",
			Help: "Total number of clip transcodes by result",
		},
		[]string{"result"},
	)

	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbmclip_transcode_duration_seconds",
			Help:    "Wall-clock duration of clip transcodes",
			Buckets: []float64{0.5, 1, 2, 4, 6, 8, 10, 12, 15, 20, 30},
		},
		[]string{"result"},
	)

	TranscodesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbmclip_transcodes_in_flight",
			Help: "Number of clip transcodes currently running",
		},
	)

	OutputSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tbmclip_output_size_bytes",
			Help:    "Size of produced clips in bytes",
			Buckets: prometheus.ExponentialBuckets(8*1024, 2, 10), // 8KB to 4MB
		},
	)

	FramesSampled = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tbmclip_frames_sampled",
			Help:    "Frames sampled per successful transcode",
			Buckets: []float64{1, 10, 25, 50, 75, 100, 150, 300},
		},
	)

	StopReasonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_sampling_stops_total",
			Help: "Sampling loop stops by reason",
		},
		[]string{"reason"},
	)

	AudioFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbmclip_audio_fallbacks_total",
			Help: "Transcodes that fell back to silent output",
		},
	)

	PlaybackRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbmclip_playback_retries_total",
			Help: "Muted playback retries",
		},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbmclip_jobs_created_total",
			Help: "Total number of clip jobs created",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_jobs_completed_total",
			Help: "Total number of finished clip jobs",
		},
		[]string{"status"},
	)

	JobsQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbmclip_jobs_queue_depth",
			Help: "Number of clip jobs waiting in queue",
		},
	)

	JobsDeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbmclip_jobs_dead_letter_depth",
			Help: "Number of clip jobs parked in the dead letter queue",
		},
	)

	WorkerJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_worker_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		},
		[]string{"worker_id"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbmclip_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbmclip_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordSourceUpload records an accepted upload
func RecordSourceUpload(size int64) {
	SourceUploadsTotal.Inc()
	SourceUploadSizeBytes.Observe(float64(size))
}

// TranscodeStarted marks a transcode as in flight
func TranscodeStarted() {
	TranscodesInFlight.Inc()
}

// TranscodeFinished records the outcome of a transcode started with
// TranscodeStarted. bytes and frames are only observed for successes.
func TranscodeFinished(result string, duration float64, bytes int64, frames int) {
	TranscodesInFlight.Dec()
	TranscodesTotal.WithLabelValues(result).Inc()
	TranscodeDuration.WithLabelValues(result).Observe(duration)
	if result == "ok" {
		OutputSizeBytes.Observe(float64(bytes))
		FramesSampled.Observe(float64(frames))
	}
}

// RecordStopReason records why the sampling loop stopped
func RecordStopReason(reason string) {
	StopReasonsTotal.WithLabelValues(reason).Inc()
}

// RecordAudioFallback records a silent-output fallback
func RecordAudioFallback() {
	AudioFallbacksTotal.Inc()
}

// RecordPlaybackRetry records a muted playback retry
func RecordPlaybackRetry() {
	PlaybackRetriesTotal.Inc()
}

// RecordJobCreated records a job creation
func RecordJobCreated() {
	JobsCreatedTotal.Inc()
}

// RecordJobCompleted records a job completion
func RecordJobCompleted(status, workerID string) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
	if workerID != "" {
		WorkerJobsProcessed.WithLabelValues(workerID).Inc()
	}
}

// UpdateQueueDepth updates the queue depth gauge
func UpdateQueueDepth(depth int) {
	JobsQueueDepth.Set(float64(depth))
}

// UpdateDLQDepth updates the dead letter queue gauge
func UpdateDLQDepth(depth int) {
	JobsDeadLetterDepth.Set(float64(depth))
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
