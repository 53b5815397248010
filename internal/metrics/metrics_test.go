package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewRunMetrics(registry)
	require.NoError(t, err)

	m.RecordArchive(ArchiveDiscovered)
	m.RecordArchive(ArchiveDiscovered)
	m.RecordArchive(ArchiveExtracted)
	m.RecordRecording(RecordingUploaded)
	m.RecordRecording(RecordingUploaded)
	m.RecordRecording(RecordingAlreadyPresent)
	m.RecordRecording(RecordingFailed)
	m.RecordNotification(NotificationSent)
	m.RecordRetry()
	m.RecordStaleRemoved(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.archivesTotal.WithLabelValues(ArchiveDiscovered)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.archivesTotal.WithLabelValues(ArchiveExtracted)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordingsTotal.WithLabelValues(RecordingUploaded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordingsTotal.WithLabelValues(RecordingAlreadyPresent)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordingsTotal.WithLabelValues(RecordingFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notificationsTotal.WithLabelValues(NotificationSent)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retriesTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.staleRemovedTotal))
}

func TestRecordRun(t *testing.T) {
	m, err := NewRunMetrics(nil)
	require.NoError(t, err)

	finished := time.Unix(1700000000, 0)
	m.RecordRun(1500*time.Millisecond, false, finished)
	assert.Equal(t, 1.5, testutil.ToFloat64(m.runDurationSeconds))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.lastSuccess))

	m.RecordRun(2*time.Second, true, finished)
	assert.Equal(t, float64(1700000000), testutil.ToFloat64(m.lastSuccess))
}

func TestDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewRunMetrics(registry)
	require.NoError(t, err)

	_, err = NewRunMetrics(registry)
	assert.Error(t, err)
}

func TestWriteTextfile(t *testing.T) {
	m, err := NewRunMetrics(nil)
	require.NoError(t, err)
	m.RecordRecording(RecordingUploaded)
	m.RecordRun(time.Second, true, time.Now())

	path := filepath.Join(t.TempDir(), "textfile", "dotcall.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.Contains(content, `dotcall_recordings_total{outcome="uploaded"} 1`), content)
	assert.Contains(t, content, "dotcall_run_duration_seconds 1")

	assert.NoError(t, m.WriteTextfile(""))
}
