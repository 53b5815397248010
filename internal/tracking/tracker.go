// Package tracking keeps an append-only CSV audit trail of confirmed uploads
package tracking

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Header is the first row of every audit file
var Header = []string{"path", "key", "size_bytes", "uploaded_at", "already_present"}

// UploadEntry represents a single confirmed upload
type UploadEntry struct {
	Path           string
	Key            string
	SizeBytes      int64
	UploadedAt     time.Time
	AlreadyPresent bool
}

// CSVTracker defines the interface for tracking uploads to CSV files
type CSVTracker interface {
	// TrackUpload records an upload entry to the CSV file
	TrackUpload(entry UploadEntry) error
}

// AuditCSVTracker appends upload entries to a single CSV file
type AuditCSVTracker struct {
	filePath string
	mu       sync.Mutex
}

// NewAuditCSVTracker creates a new audit tracker.
// Creates the CSV file with headers if it doesn't exist
func NewAuditCSVTracker(filePath string) (*AuditCSVTracker, error) {
	tracker := &AuditCSVTracker{
		filePath: filePath,
	}

	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := tracker.writeHeader(); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check file: %w", err)
	}

	return tracker, nil
}

// TrackUpload records an upload entry to the audit file
func (t *AuditCSVTracker) TrackUpload(entry UploadEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.appendEntry(entry)
}

// Path returns the audit file location
func (t *AuditCSVTracker) Path() string {
	return t.filePath
}

func (t *AuditCSVTracker) writeHeader() error {
	file, err := os.Create(t.filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func (t *AuditCSVTracker) appendEntry(entry UploadEntry) error {
	file, err := os.OpenFile(t.filePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for append: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	record := []string{
		entry.Path,
		entry.Key,
		strconv.FormatInt(entry.SizeBytes, 10),
		entry.UploadedAt.UTC().Format(time.RFC3339),
		strconv.FormatBool(entry.AlreadyPresent),
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

// NoopTracker discards entries; used when no audit file is configured
type NoopTracker struct{}

func (NoopTracker) TrackUpload(entry UploadEntry) error { return nil }
