package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recorder service
type Metrics struct {
	// Session metrics
	SessionsStarted   prometheus.Counter
	DeviceFailures    prometheus.Counter
	SessionState      *prometheus.GaugeVec
	RecordingDuration prometheus.Histogram
	DeviceReleases    prometheus.Counter

	// Chunk metrics
	ChunksAccepted prometheus.Counter
	ChunksDropped  *prometheus.CounterVec
	ChunkSize      prometheus.Histogram

	// Upload metrics
	UploadRequests  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	PayloadSize     prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		DeviceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_device_failures_total",
			Help: "Total number of failed capture device acquisitions",
		}),
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "singeval_session_state",
			Help: "Current session state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "singeval_recording_duration_seconds",
			Help:    "Duration of recording periods in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		DeviceReleases: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_device_releases_total",
			Help: "Total number of capture handles released",
		}),

		// Chunk metrics
		ChunksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_chunks_accepted_total",
			Help: "Total number of audio chunks appended to a session",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singeval_chunks_dropped_total",
			Help: "Total number of audio chunks discarded",
		}, []string{"reason"}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "singeval_chunk_size_bytes",
			Help:    "Size of accepted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to ~128KB
		}),

		// Upload metrics
		UploadRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_upload_requests_total",
			Help: "Total number of evaluation uploads sent",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "singeval_upload_successes_total",
			Help: "Total number of successful evaluation uploads",
		}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singeval_upload_failures_total",
			Help: "Total number of failed evaluation uploads",
		}, []string{"op"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "singeval_upload_duration_seconds",
			Help:    "Duration of evaluation uploads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "singeval_payload_size_bytes",
			Help:    "Size of uploaded audio payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singeval_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "singeval_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singeval_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// All Record methods are safe on a nil *Metrics so components can run unmetered.

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordDeviceFailure increments the device failure counter
func (m *Metrics) RecordDeviceFailure() {
	if m == nil {
		return
	}
	m.DeviceFailures.Inc()
}

// SetSessionState marks state as the active one among states
func (m *Metrics) SetSessionState(state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordDeviceReleased records a handle release and the recording period length
func (m *Metrics) RecordDeviceReleased(durationSeconds float64) {
	if m == nil {
		return
	}
	m.DeviceReleases.Inc()
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordChunkAccepted records an appended chunk
func (m *Metrics) RecordChunkAccepted(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksAccepted.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordChunkDropped records a discarded chunk
func (m *Metrics) RecordChunkDropped(reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordUploadRequest records an upload attempt and its payload size
func (m *Metrics) RecordUploadRequest(payloadBytes int) {
	if m == nil {
		return
	}
	m.UploadRequests.Inc()
	m.PayloadSize.Observe(float64(payloadBytes))
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadFailure records a failed upload
func (m *Metrics) RecordUploadFailure(op string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(op).Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
