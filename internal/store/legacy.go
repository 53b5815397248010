package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// legacyTimeLayout is the timestamp format of the line-based upload log
const legacyTimeLayout = "2006-01-02 15:04:05"

// ImportResult counts what ImportLegacy brought in
type ImportResult struct {
	Archives  int
	Succeeded int
	Failed    int
	Skipped   int
}

type legacyUpload struct {
	status    UploadStatus
	timestamp time.Time
	message   string
}

// ImportLegacy loads the line-based state files of earlier releases. The
// extracted log holds one archive path per line. The upload log holds
// "<path> <STATUS> <YYYY-MM-DD HH:MM:SS> [error]" lines where the last line
// for a path wins. Lines without a timestamp take the import time. FAILED
// records are imported with a retry count of 1.
// Either path may be empty to skip that file.
func (s *sqliteStore) ImportLegacy(ctx context.Context, extractedLog, uploadedLog string) (ImportResult, error) {
	var result ImportResult

	archives, err := readLegacyExtracted(extractedLog)
	if err != nil {
		return result, err
	}
	uploads, skipped, err := readLegacyUploads(uploadedLog)
	if err != nil {
		return result, err
	}
	result.Skipped = skipped

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return result, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	importedAt := now.UTC().Format(timeLayout)
	for _, path := range archives {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO archives(path, extracted_at) VALUES(?, ?) ON CONFLICT(path) DO NOTHING`,
			path, importedAt)
		if err != nil {
			return result, fmt.Errorf("failed to import archive %s: %w", path, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Archives++
		}
	}

	paths := make([]string, 0, len(uploads))
	for path := range uploads {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		u := uploads[path]
		retryCount := 0
		if u.status == StatusFailed {
			retryCount = 1
		}
		updatedAt := u.timestamp
		if updatedAt.IsZero() {
			updatedAt = now
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO uploads(path, status, updated_at, error_message, retry_count)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at,
				error_message=excluded.error_message, retry_count=excluded.retry_count`,
			path, string(u.status), updatedAt.UTC().Format(timeLayout), nullString(u.message), retryCount)
		if err != nil {
			return result, fmt.Errorf("failed to import upload record %s: %w", path, err)
		}
		if u.status == StatusSuccess {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit legacy import: %w", err)
	}
	return result, nil
}

func readLegacyExtracted(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open extracted log %s: %w", path, err)
	}
	defer file.Close()

	seen := make(map[string]bool)
	var archives []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		archives = append(archives, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read extracted log %s: %w", path, err)
	}
	return archives, nil
}

func readLegacyUploads(path string) (map[string]legacyUpload, int, error) {
	uploads := make(map[string]legacyUpload)
	if path == "" {
		return uploads, 0, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return uploads, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open upload log %s: %w", path, err)
	}
	defer file.Close()

	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entryPath, entry, ok := parseLegacyUploadLine(line)
		if !ok {
			skipped++
			continue
		}
		uploads[entryPath] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read upload log %s: %w", path, err)
	}
	return uploads, skipped, nil
}

func parseLegacyUploadLine(line string) (string, legacyUpload, bool) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return "", legacyUpload{}, false
	}

	entry := legacyUpload{status: UploadStatus(fields[1])}
	if entry.status != StatusSuccess && entry.status != StatusFailed {
		return "", legacyUpload{}, false
	}

	rest := ""
	if len(fields) == 3 {
		rest = fields[2]
	}
	if len(rest) >= len(legacyTimeLayout) {
		if t, err := time.ParseInLocation(legacyTimeLayout, rest[:len(legacyTimeLayout)], time.Local); err == nil {
			entry.timestamp = t
			rest = rest[len(legacyTimeLayout):]
		}
	}
	if entry.status == StatusFailed {
		entry.message = strings.TrimSpace(rest)
	}
	return fields[0], entry, true
}
