// Package metrics collects per-run Prometheus metrics and writes them to a
// node-exporter textfile collector file.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Archive outcomes
const (
	ArchiveDiscovered = "discovered"
	ArchiveExtracted  = "extracted"
	ArchiveFailed     = "failed"
)

// Recording outcomes
const (
	RecordingUploaded       = "uploaded"
	RecordingAlreadyPresent = "already_present"
	RecordingFailed         = "failed"
	RecordingSkipped        = "skipped"
)

// Notification outcomes
const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// RunMetrics contains Prometheus metrics for one backup run
type RunMetrics struct {
	registry *prometheus.Registry

	archivesTotal      *prometheus.CounterVec
	recordingsTotal    *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	retriesTotal       prometheus.Counter
	staleRemovedTotal  prometheus.Counter
	runDurationSeconds prometheus.Gauge
	lastSuccess        prometheus.Gauge
}

// NewRunMetrics creates and registers run metrics. A nil registry gets a
// fresh one.
func NewRunMetrics(registry *prometheus.Registry) (*RunMetrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &RunMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RunMetrics) initMetrics() {
	m.archivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotcall_archives_total",
			Help: "Archives seen in the last run by outcome",
		},
		[]string{"outcome"}, // discovered, extracted, failed
	)

	m.recordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotcall_recordings_total",
			Help: "Recordings handled in the last run by outcome",
		},
		[]string{"outcome"}, // uploaded, already_present, failed, skipped
	)

	m.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotcall_notifications_total",
			Help: "Webhook notifications in the last run by outcome",
		},
		[]string{"outcome"},
	)

	m.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dotcall_retries_attempted_total",
		Help: "Previously failed recordings retried in the last run",
	})

	m.staleRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dotcall_stale_records_removed_total",
		Help: "FAILED records removed because their file no longer exists",
	})

	m.runDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dotcall_run_duration_seconds",
		Help: "Duration of the last run",
	})

	m.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dotcall_last_success_timestamp_seconds",
		Help: "Unix time the last run completed without a fatal error",
	})
}

// Describe implements prometheus.Collector
func (m *RunMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.archivesTotal.Describe(ch)
	m.recordingsTotal.Describe(ch)
	m.notificationsTotal.Describe(ch)
	m.retriesTotal.Describe(ch)
	m.staleRemovedTotal.Describe(ch)
	m.runDurationSeconds.Describe(ch)
	m.lastSuccess.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *RunMetrics) Collect(ch chan<- prometheus.Metric) {
	m.archivesTotal.Collect(ch)
	m.recordingsTotal.Collect(ch)
	m.notificationsTotal.Collect(ch)
	m.retriesTotal.Collect(ch)
	m.staleRemovedTotal.Collect(ch)
	m.runDurationSeconds.Collect(ch)
	m.lastSuccess.Collect(ch)
}

func (m *RunMetrics) RecordArchive(outcome string) {
	m.archivesTotal.WithLabelValues(outcome).Inc()
}

func (m *RunMetrics) RecordRecording(outcome string) {
	m.recordingsTotal.WithLabelValues(outcome).Inc()
}

func (m *RunMetrics) RecordNotification(outcome string) {
	m.notificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *RunMetrics) RecordRetry() {
	m.retriesTotal.Inc()
}

func (m *RunMetrics) RecordStaleRemoved(n int) {
	m.staleRemovedTotal.Add(float64(n))
}

// RecordRun sets the run duration and, for successful runs, the last success time
func (m *RunMetrics) RecordRun(duration time.Duration, success bool, finishedAt time.Time) {
	m.runDurationSeconds.Set(duration.Seconds())
	if success {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

// Registry returns the registry the metrics are registered with
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics atomically to path. An empty path is a no-op.
func (m *RunMetrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
