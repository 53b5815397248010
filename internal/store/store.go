// Package store provides the durable state of extracted archives and
// recording upload outcomes, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// UploadStatus is the recorded outcome of the last upload attempt for a recording
type UploadStatus string

const (
	StatusSuccess UploadStatus = "SUCCESS"
	StatusFailed  UploadStatus = "FAILED"
)

// DefaultMaxRetries is the retry ceiling used when none is configured
const DefaultMaxRetries = 3

// ErrStoreClosed is returned by every operation after Close
var ErrStoreClosed = errors.New("state store is closed")

// ArchiveRecord is one extracted source archive
type ArchiveRecord struct {
	Path        string
	ExtractedAt time.Time
}

// UploadRecord is the upload state of one recording, keyed by filesystem path
type UploadRecord struct {
	Path         string
	Status       UploadStatus
	UpdatedAt    time.Time
	ErrorMessage string
	RetryCount   int
}

// UploadState is a snapshot of upload records partitioned for a run
type UploadState struct {
	Successful map[string]struct{}
	// Retriable holds FAILED paths below the retry ceiling, sorted
	Retriable []string
	// Exhausted holds FAILED paths at or above the retry ceiling
	Exhausted map[string]struct{}
}

// IsSuccessful reports whether path was uploaded successfully
func (s *UploadState) IsSuccessful(path string) bool {
	_, ok := s.Successful[path]
	return ok
}

// IsExhausted reports whether path has used up its retries
func (s *UploadState) IsExhausted(path string) bool {
	_, ok := s.Exhausted[path]
	return ok
}

// Stats summarizes the store contents
type Stats struct {
	Archives  int
	Succeeded int
	Failed    int
	Exhausted int
}

// StateStore is the durable record of extraction and upload progress
type StateStore interface {
	IsExtracted(ctx context.Context, path string) (bool, error)
	RecordExtracted(ctx context.Context, path string, at time.Time) error

	LoadUploadState(ctx context.Context) (*UploadState, error)
	RecordUploadOutcome(ctx context.Context, path string, status UploadStatus, errorMessage string) error
	// RecordPermanentFailure writes a FAILED outcome that is never retried automatically
	RecordPermanentFailure(ctx context.Context, path string, errorMessage string) error
	// CleanupStale deletes FAILED records whose file no longer exists and returns how many were removed
	CleanupStale(ctx context.Context) (int, error)

	GetUpload(ctx context.Context, path string) (UploadRecord, bool, error)
	ListUploads(ctx context.Context, status UploadStatus) ([]UploadRecord, error)
	ResetRetries(ctx context.Context, path string) error
	Stats(ctx context.Context) (Stats, error)
	ImportLegacy(ctx context.Context, extractedLog, uploadedLog string) (ImportResult, error)

	MaxRetries() int
	Close() error
}

// Options configures a SQLite state store
type Options struct {
	MaxRetries int
	// Now returns the current time; defaults to time.Now
	Now func() time.Time
}

type sqliteStore struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

const timeLayout = time.RFC3339Nano

// Open opens or creates the SQLite state database at path. A missing file is
// created empty; any other failure is returned.
func Open(path string, options Options) (StateStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	maxRetries := options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	s := &sqliteStore{db: db, maxRetries: maxRetries, now: now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archives (
			path TEXT PRIMARY KEY,
			extracted_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS uploads (
			path TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('SUCCESS','FAILED')),
			updated_at TEXT NOT NULL,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// check returns ErrStoreClosed after Close. Callers hold s.mu.
func (s *sqliteStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *sqliteStore) MaxRetries() int {
	return s.maxRetries
}

func (s *sqliteStore) IsExtracted(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM archives WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query archive %s: %w", path, err)
	}
	return true, nil
}

func (s *sqliteStore) RecordExtracted(ctx context.Context, path string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives(path, extracted_at) VALUES(?, ?) ON CONFLICT(path) DO NOTHING`,
		path, at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record extracted archive %s: %w", path, err)
	}
	return nil
}

func (s *sqliteStore) LoadUploadState(ctx context.Context) (*UploadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, status, retry_count FROM uploads`)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload state: %w", err)
	}
	defer rows.Close()

	state := &UploadState{
		Successful: make(map[string]struct{}),
		Exhausted:  make(map[string]struct{}),
	}
	for rows.Next() {
		var (
			path       string
			status     string
			retryCount int
		)
		if err := rows.Scan(&path, &status, &retryCount); err != nil {
			return nil, fmt.Errorf("failed to scan upload record: %w", err)
		}
		switch UploadStatus(status) {
		case StatusSuccess:
			state.Successful[path] = struct{}{}
		case StatusFailed:
			if retryCount >= s.maxRetries {
				state.Exhausted[path] = struct{}{}
			} else {
				state.Retriable = append(state.Retriable, path)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upload records: %w", err)
	}

	sort.Strings(state.Retriable)
	return state, nil
}

func (s *sqliteStore) RecordUploadOutcome(ctx context.Context, path string, status UploadStatus, errorMessage string) error {
	return s.recordOutcome(ctx, path, status, errorMessage, false)
}

func (s *sqliteStore) RecordPermanentFailure(ctx context.Context, path string, errorMessage string) error {
	return s.recordOutcome(ctx, path, StatusFailed, errorMessage, true)
}

// recordOutcome applies the upload update rule in one transaction:
// SUCCESS over SUCCESS is a no-op, SUCCESS otherwise resets the retry count,
// FAILED increments the count of a prior FAILED record or starts at 1.
func (s *sqliteStore) recordOutcome(ctx context.Context, path string, status UploadStatus, errorMessage string, permanent bool) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("invalid upload status %q", status)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		priorStatus string
		priorCount  int
		hasPrior    = true
	)
	err = tx.QueryRowContext(ctx, `SELECT status, retry_count FROM uploads WHERE path = ?`, path).Scan(&priorStatus, &priorCount)
	if errors.Is(err, sql.ErrNoRows) {
		hasPrior = false
	} else if err != nil {
		return fmt.Errorf("failed to read upload record %s: %w", path, err)
	}

	now := s.now().UTC().Format(timeLayout)

	if status == StatusSuccess {
		if hasPrior && UploadStatus(priorStatus) == StatusSuccess {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO uploads(path, status, updated_at, error_message, retry_count)
			VALUES(?, ?, ?, NULL, 0)
			ON CONFLICT(path) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at,
				error_message=NULL, retry_count=0`,
			path, string(StatusSuccess), now)
	} else {
		retryCount := 1
		if hasPrior && UploadStatus(priorStatus) == StatusFailed {
			retryCount = priorCount + 1
		}
		if permanent && retryCount < s.maxRetries {
			retryCount = s.maxRetries
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO uploads(path, status, updated_at, error_message, retry_count)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at,
				error_message=excluded.error_message, retry_count=excluded.retry_count`,
			path, string(StatusFailed), now, nullString(errorMessage), retryCount)
	}
	if err != nil {
		return fmt.Errorf("failed to write upload record %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload record %s: %w", path, err)
	}
	return nil
}

func (s *sqliteStore) CleanupStale(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT path FROM uploads WHERE status = ?`, string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to list failed uploads: %w", err)
	}
	var failed []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan failed upload: %w", err)
		}
		failed = append(failed, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate failed uploads: %w", err)
	}
	rows.Close()

	removed := 0
	for _, path := range failed {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		// The status guard keeps SUCCESS records safe even if the row changed
		res, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE path = ? AND status = ?`, path, string(StatusFailed))
		if err != nil {
			return 0, fmt.Errorf("failed to delete stale record %s: %w", path, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return removed, nil
}

func (s *sqliteStore) GetUpload(ctx context.Context, path string) (UploadRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return UploadRecord{}, false, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT path, status, updated_at, error_message, retry_count FROM uploads WHERE path = ?`, path)
	record, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadRecord{}, false, nil
	}
	if err != nil {
		return UploadRecord{}, false, fmt.Errorf("failed to read upload record %s: %w", path, err)
	}
	return record, true, nil
}

func (s *sqliteStore) ListUploads(ctx context.Context, status UploadStatus) ([]UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	query := `SELECT path, status, updated_at, error_message, retry_count FROM uploads`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var records []UploadRecord
	for rows.Next() {
		record, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upload records: %w", err)
	}
	return records, nil
}

// ResetRetries sets the retry count of a FAILED record back to zero so it is retried again
func (s *sqliteStore) ResetRetries(ctx context.Context, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET retry_count = 0, updated_at = ? WHERE path = ? AND status = ?`,
		s.now().UTC().Format(timeLayout), path, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to reset retries for %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed upload record for %s", path)
	}
	return nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archives`).Scan(&stats.Archives); err != nil {
		return Stats{}, fmt.Errorf("failed to count archives: %w", err)
	}
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM uploads`, s.maxRetries).Scan(&stats.Succeeded, &stats.Failed, &stats.Exhausted)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count uploads: %w", err)
	}
	return stats, nil
}

// Close releases the database handle. It is safe to call more than once.
func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(row rowScanner) (UploadRecord, error) {
	var (
		record    UploadRecord
		status    string
		updatedAt string
		errMsg    sql.NullString
	)
	if err := row.Scan(&record.Path, &status, &updatedAt, &errMsg, &record.RetryCount); err != nil {
		return UploadRecord{}, err
	}
	record.Status = UploadStatus(status)
	record.ErrorMessage = errMsg.String
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		record.UpdatedAt = t
	}
	return record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
