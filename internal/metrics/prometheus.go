// Package metrics provides Prometheus metrics for the comment stream and the
// upload pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minitube"

// PrometheusMetrics holds the client's collectors. A nil *PrometheusMetrics
// is valid and records nothing.
type PrometheusMetrics struct {
	// CommentEvents counts live channel payloads by result
	// (applied, duplicate, malformed, stale).
	CommentEvents *prometheus.CounterVec
	// ChannelConnections counts channel open attempts by result
	// (connected, failed, skipped, reconnect).
	ChannelConnections *prometheus.CounterVec
	// CommentSubmissions counts comment posts by result (ok, failed, rejected).
	CommentSubmissions *prometheus.CounterVec
	// UploadStages counts stage entries by stage name.
	UploadStages *prometheus.CounterVec
	// UploadFailures counts failed sessions by error kind.
	UploadFailures *prometheus.CounterVec
	// UploadDuration observes completed upload wall time by mode.
	UploadDuration *prometheus.HistogramVec
	// UploadBytes counts bytes sent to storage or the API by mode.
	UploadBytes *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		CommentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "events_total",
			Help:      "Live channel payloads received, by result.",
		}, []string{"result"}),
		ChannelConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "channel_connections_total",
			Help:      "Live channel open attempts, by result.",
		}, []string{"result"}),
		CommentSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "comments",
			Name:      "submissions_total",
			Help:      "Comment submissions, by result.",
		}, []string{"result"}),
		UploadStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "stages_total",
			Help:      "Upload stage transitions, by stage entered.",
		}, []string{"stage"}),
		UploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "failures_total",
			Help:      "Failed upload sessions, by error kind.",
		}, []string{"kind"}),
		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Wall time of completed uploads, by mode.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		UploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Payload bytes transferred, by mode.",
		}, []string{"mode"}),
	}

	for _, c := range []prometheus.Collector{
		m.CommentEvents,
		m.ChannelConnections,
		m.CommentSubmissions,
		m.UploadStages,
		m.UploadFailures,
		m.UploadDuration,
		m.UploadBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return m, nil
}

// RecordCommentEvent counts a live channel payload.
func (m *PrometheusMetrics) RecordCommentEvent(result string) {
	if m == nil {
		return
	}
	m.CommentEvents.WithLabelValues(result).Inc()
}

// RecordChannel counts a live channel open attempt.
func (m *PrometheusMetrics) RecordChannel(result string) {
	if m == nil {
		return
	}
	m.ChannelConnections.WithLabelValues(result).Inc()
}

// RecordSubmission counts a comment submission.
func (m *PrometheusMetrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.CommentSubmissions.WithLabelValues(result).Inc()
}

// RecordUploadStage counts entry into an upload stage.
func (m *PrometheusMetrics) RecordUploadStage(stage string) {
	if m == nil {
		return
	}
	m.UploadStages.WithLabelValues(stage).Inc()
}

// RecordUploadFailure counts a failed upload session.
func (m *PrometheusMetrics) RecordUploadFailure(kind string) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(kind).Inc()
}

// RecordUploadDuration observes the wall time of a completed upload.
func (m *PrometheusMetrics) RecordUploadDuration(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.UploadDuration.WithLabelValues(mode).Observe(seconds)
}

// AddUploadBytes counts transferred payload bytes.
func (m *PrometheusMetrics) AddUploadBytes(mode string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.UploadBytes.WithLabelValues(mode).Add(float64(n))
}
