package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lamim/comfyremote/pkg/models"
)

var (
	// Stream metrics
	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyremote_stream_frames_total",
			Help: "Stream frames accepted by the demultiplexer, by event type",
		},
		[]string{"type"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyremote_stream_frames_dropped_total",
			Help: "Stream frames dropped before reaching a job tracker",
		},
		[]string{"reason"}, // "noise", "parse_error", "unknown_type"
	)

	// Connection metrics
	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyremote_reconnect_attempts_total",
			Help: "Reconnection attempts by outcome",
		},
		[]string{"outcome"}, // "success" or "error"
	)

	connectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comfyremote_connection_status",
			Help: "1 for the current connection status, 0 otherwise",
		},
		[]string{"status"},
	)

	// Job metrics
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyremote_jobs_finished_total",
			Help: "Tracked jobs that reached a terminal state",
		},
		[]string{"state"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyremote_job_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
	)

	// Control-plane metrics
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyremote_request_duration_seconds",
			Help:    "Control-plane request duration by operation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"op", "status"},
	)

	artifactBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comfyremote_artifact_bytes_total",
			Help: "Bytes downloaded for job artifacts",
		},
	)
)

var allStatuses = []models.ConnectionStatus{
	models.StatusDisconnected,
	models.StatusConnecting,
	models.StatusConnected,
	models.StatusReconnecting,
	models.StatusGivenUp,
}

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordFrame records an accepted stream event
func (c *Collector) RecordFrame(eventType string) {
	if c == nil {
		return
	}
	framesReceived.WithLabelValues(eventType).Inc()
}

// RecordDroppedFrame records a frame that never reached a tracker
func (c *Collector) RecordDroppedFrame(reason string) {
	if c == nil {
		return
	}
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordReconnect records one reconnection attempt
func (c *Collector) RecordReconnect(success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	reconnectAttempts.WithLabelValues(outcome).Inc()
}

// SetConnectionStatus flips the status gauge to status
func (c *Collector) SetConnectionStatus(status models.ConnectionStatus) {
	if c == nil {
		return
	}
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		connectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

// RecordJobFinished records a terminal job state and its duration
func (c *Collector) RecordJobFinished(state models.JobState, duration time.Duration) {
	if c == nil {
		return
	}
	jobsFinished.WithLabelValues(string(state)).Inc()
	jobDuration.Observe(duration.Seconds())
}

// RecordRequest records a control-plane request duration
func (c *Collector) RecordRequest(op string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	requestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

// AddArtifactBytes adds downloaded artifact bytes
func (c *Collector) AddArtifactBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	artifactBytes.Add(float64(n))
}
