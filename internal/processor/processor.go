// Package processor orchestrates one backup run: extract new archives, upload
// their recordings, retry earlier failures and sweep stale state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/curtbushko/dotcall-backup/internal/archive"
	"github.com/curtbushko/dotcall-backup/internal/config"
	"github.com/curtbushko/dotcall-backup/internal/directory"
	"github.com/curtbushko/dotcall-backup/internal/filename"
	"github.com/curtbushko/dotcall-backup/internal/logging"
	"github.com/curtbushko/dotcall-backup/internal/metadata"
	"github.com/curtbushko/dotcall-backup/internal/metrics"
	"github.com/curtbushko/dotcall-backup/internal/storage"
	"github.com/curtbushko/dotcall-backup/internal/store"
	"github.com/curtbushko/dotcall-backup/internal/tracking"
	"github.com/curtbushko/dotcall-backup/internal/webhook"
)

// Processor runs backup passes
type Processor interface {
	// Run performs one complete pass. The returned error is non-nil only for
	// failures that abort the run, such as state store I/O errors.
	Run(ctx context.Context) (*Summary, error)
}

// Config holds configuration for the processor
type Config struct {
	SourceRoot      string
	ExtractRoot     string
	KeyPrefix       string
	Rename          bool
	DryRun          bool
	Verbose         bool
	MetricsTextfile string
}

// ConfigFromAppConfig builds a processor Config from the application config
func ConfigFromAppConfig(cfg *config.Config, dryRun, verbose bool) Config {
	return Config{
		SourceRoot:      cfg.Paths.SourceRoot,
		ExtractRoot:     cfg.Paths.ExtractRoot,
		KeyPrefix:       cfg.Storage.KeyPrefix,
		Rename:          cfg.Upload.RenameEnabled(),
		DryRun:          dryRun,
		Verbose:         verbose,
		MetricsTextfile: cfg.Metrics.Textfile,
	}
}

// Deps are the collaborators of a Processor. Store and Uploader are required.
type Deps struct {
	Store         store.StateStore
	Uploader      storage.Uploader
	Notifier      webhook.Notifier
	Tracker       tracking.CSVTracker
	Directories   directory.DirectoryManager
	Canonicalizer filename.Canonicalizer
	// Metrics is used for every run when set; otherwise each run gets a fresh set
	Metrics *metrics.RunMetrics
	Now     func() time.Time
}

// Summary reports the outcome of one run
type Summary struct {
	RunID               string
	ArchivesFound       int
	ArchivesExtracted   int
	ArchiveFailures     int
	RecordingsUploaded  int
	AlreadyPresent      int
	RecordingsFailed    int
	RecordingsSkipped   int
	RetriesAttempted    int
	NotificationsFailed int
	StaleRemoved        int
	Duration            time.Duration
}

type processorImpl struct {
	store         store.StateStore
	uploader      storage.Uploader
	notifier      webhook.Notifier
	tracker       tracking.CSVTracker
	dirs          directory.DirectoryManager
	canonicalizer filename.Canonicalizer
	metrics       *metrics.RunMetrics
	now           func() time.Time
	config        Config
}

// NewProcessor creates a new processor, filling in defaults for optional deps
func NewProcessor(deps Deps, cfg Config) (Processor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if deps.Uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = filename.DefaultKeyPrefix
	}

	p := &processorImpl{
		store:         deps.Store,
		uploader:      deps.Uploader,
		notifier:      deps.Notifier,
		tracker:       deps.Tracker,
		dirs:          deps.Directories,
		canonicalizer: deps.Canonicalizer,
		metrics:       deps.Metrics,
		now:           deps.Now,
		config:        cfg,
	}
	if p.notifier == nil {
		p.notifier = webhook.NewNotifier(config.WebhookConfig{}, nil)
	}
	if p.tracker == nil {
		p.tracker = tracking.NoopTracker{}
	}
	if p.dirs == nil {
		p.dirs = directory.NewDirectoryManager(directory.DirectoryConfig{
			SourceRoot:  cfg.SourceRoot,
			ExtractRoot: cfg.ExtractRoot,
		})
	}
	if p.canonicalizer == nil {
		p.canonicalizer = filename.NewCanonicalizer(filename.Options{
			DryRun:        cfg.DryRun,
			DisableRename: !cfg.Rename,
		})
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// run carries the per-run state through the passes
type run struct {
	summary   *Summary
	state     *store.UploadState
	attempted map[string]struct{}
	metrics   *metrics.RunMetrics
}

func (p *processorImpl) Run(ctx context.Context) (*Summary, error) {
	startTime := p.now()
	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)

	r := &run{
		summary:   &Summary{RunID: runID},
		attempted: make(map[string]struct{}),
		metrics:   p.metrics,
	}
	if r.metrics == nil {
		m, err := metrics.NewRunMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create run metrics: %w", err)
		}
		r.metrics = m
	}

	logging.InfoWithContext(ctx, "Starting backup run (source: %s, destination: %s, dry run: %t)",
		p.config.SourceRoot, p.uploader.Name(), p.config.DryRun)

	err := p.execute(ctx, r)
	p.finish(ctx, r, startTime, err)
	if err != nil {
		return r.summary, err
	}
	return r.summary, nil
}

func (p *processorImpl) execute(ctx context.Context, r *run) error {
	state, err := p.store.LoadUploadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load upload state: %w", err)
	}
	r.state = state
	logging.InfoWithContext(ctx, "Found %d successful, %d retriable and %d exhausted uploads",
		len(state.Successful), len(state.Retriable), len(state.Exhausted))

	archives, err := archive.Discover(p.config.SourceRoot)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logging.WarnWithContext(ctx, "Source root %s does not exist", p.config.SourceRoot)
		archives = nil
	}
	r.summary.ArchivesFound = len(archives)
	for range archives {
		r.metrics.RecordArchive(metrics.ArchiveDiscovered)
	}
	logging.InfoWithContext(ctx, "Found %d archives under %s", len(archives), p.config.SourceRoot)

	if len(archives) == 0 && len(state.Retriable) == 0 {
		logging.InfoWithContext(ctx, "No archives or failed recordings to process")
		return p.cleanup(ctx, r)
	}

	for _, archivePath := range archives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processArchive(ctx, r, archivePath); err != nil {
			return err
		}
	}

	if err := p.retryFailed(ctx, r); err != nil {
		return err
	}

	return p.cleanup(ctx, r)
}

// processArchive extracts an archive once and uploads its recordings.
// Archive level problems are logged and counted; only store errors are returned.
func (p *processorImpl) processArchive(ctx context.Context, r *run, archivePath string) error {
	logging.InfoWithContext(ctx, "Processing %s", archivePath)

	dir, err := p.dirs.ExtractDir(archivePath)
	if err != nil {
		p.archiveFailed(ctx, r, archivePath, err)
		return nil
	}

	extracted, err := p.store.IsExtracted(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("failed to check extraction state of %s: %w", archivePath, err)
	}

	if !extracted {
		if p.config.DryRun {
			logging.InfoWithContext(ctx, "Would extract %s to %s", archivePath, dir.FullPath)
			return nil
		}

		result, err := archive.Extract(ctx, archivePath, dir.FullPath)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.archiveFailed(ctx, r, archivePath, err)
			return nil
		}
		for _, skipped := range result.Skipped {
			logging.WarnWithContext(ctx, "Skipped unsupported entry %s in %s", skipped, archivePath)
		}
		if err := p.store.RecordExtracted(ctx, archivePath, p.now()); err != nil {
			return fmt.Errorf("failed to record extraction of %s: %w", archivePath, err)
		}
		r.summary.ArchivesExtracted++
		r.metrics.RecordArchive(metrics.ArchiveExtracted)
		logging.LogAction(ctx, "extract", archivePath, map[string]interface{}{
			"target": dir.FullPath,
			"files":  result.Files,
			"bytes":  result.Bytes,
		})
	} else {
		if info, err := os.Stat(dir.FullPath); err != nil || !info.IsDir() {
			logging.WarnWithContext(ctx, "Skipping %s (already extracted but %s is missing)", archivePath, dir.FullPath)
			return nil
		}
		if p.config.Verbose {
			logging.InfoWithContext(ctx, "Skipping extraction of %s (already extracted)", archivePath)
		}
	}

	sheet := p.loadMetadata(ctx, dir.FullPath)

	recordings, err := listRecordings(dir.FullPath)
	if err != nil {
		p.archiveFailed(ctx, r, archivePath, err)
		return nil
	}
	logging.InfoWithContext(ctx, "Found %d recordings in %s", len(recordings), dir.FullPath)

	for _, path := range recordings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.state.IsSuccessful(path) {
			if p.config.Verbose {
				logging.InfoWithContext(ctx, "Skipping %s (already uploaded)", path)
			}
			continue
		}
		if r.state.IsExhausted(path) {
			logging.WarnWithContext(ctx, "Skipping %s (retry limit of %d reached)", path, p.store.MaxRetries())
			r.summary.RecordingsSkipped++
			r.metrics.RecordRecording(metrics.RecordingSkipped)
			continue
		}
		if err := p.processRecording(ctx, r, path, sheet); err != nil {
			return err
		}
	}
	return nil
}

func (p *processorImpl) archiveFailed(ctx context.Context, r *run, archivePath string, err error) {
	logging.ErrorWithContext(ctx, "Failed to process archive %s: %v", archivePath, err)
	r.summary.ArchiveFailures++
	r.metrics.RecordArchive(metrics.ArchiveFailed)
}

// retryFailed re-attempts recordings that failed in earlier runs
func (p *processorImpl) retryFailed(ctx context.Context, r *run) error {
	var pending []string
	for _, path := range r.state.Retriable {
		if _, done := r.attempted[path]; !done {
			pending = append(pending, path)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	logging.InfoWithContext(ctx, "Retrying %d previously failed recordings", len(pending))

	for _, path := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			logging.WarnWithContext(ctx, "Failed recording %s no longer exists, skipping", path)
			continue
		}

		r.summary.RetriesAttempted++
		r.metrics.RecordRetry()
		sheet := p.loadMetadata(ctx, filepath.Dir(path))
		if err := p.processRecording(ctx, r, path, sheet); err != nil {
			return err
		}
	}
	return nil
}

// processRecording canonicalizes, uploads and records one recording. Only
// store errors and cancellation are returned.
func (p *processorImpl) processRecording(ctx context.Context, r *run, path string, sheet *metadata.Result) error {
	r.attempted[path] = struct{}{}
	name := filepath.Base(path)

	canonical, err := p.canonicalizer.Canonicalize(path, sheet.Entries)
	switch {
	case errors.Is(err, filename.ErrAnonymized):
		logging.InfoWithContext(ctx, "Skipping %s (anonymized caller)", name)
		p.skipped(r)
		return nil
	case errors.Is(err, filename.ErrNoMatch):
		logging.ErrorWithContext(ctx, "Skipping %s (invalid recording filename)", name)
		p.skipped(r)
		return nil
	case err != nil:
		return p.failed(ctx, r, path, err, false)
	}

	if canonical.Metadata == nil {
		logging.WarnWithContext(ctx, "No metadata for %s, uploading without renaming", name)
	}

	uploadPath := canonical.Path
	if canonical.Renamed {
		r.attempted[uploadPath] = struct{}{}
		logging.LogAction(ctx, "rename", path, map[string]interface{}{
			"to":      filepath.Base(uploadPath),
			"dry_run": p.config.DryRun,
		})
		if r.state.IsSuccessful(uploadPath) {
			logging.InfoWithContext(ctx, "Skipping %s (already uploaded)", uploadPath)
			return nil
		}
	}

	key, err := filename.DeriveKey(p.config.KeyPrefix, filepath.Base(uploadPath))
	if err != nil {
		return p.failed(ctx, r, uploadPath, err, true)
	}

	if p.config.DryRun {
		logging.InfoWithContext(ctx, "Would upload %s to %s", uploadPath, key)
		return nil
	}

	exists, err := p.uploader.Exists(ctx, key)
	if err != nil {
		return p.failed(ctx, r, uploadPath, err, false)
	}
	if !exists {
		if err := p.uploader.Upload(ctx, key, uploadPath); err != nil {
			return p.failed(ctx, r, uploadPath, err, false)
		}
	}

	if err := p.store.RecordUploadOutcome(ctx, uploadPath, store.StatusSuccess, ""); err != nil {
		return fmt.Errorf("failed to record upload of %s: %w", uploadPath, err)
	}

	if exists {
		r.summary.AlreadyPresent++
		r.metrics.RecordRecording(metrics.RecordingAlreadyPresent)
		logging.InfoWithContext(ctx, "Skipped uploading %s (already exists in %s)", key, p.uploader.Name())
	} else {
		r.summary.RecordingsUploaded++
		r.metrics.RecordRecording(metrics.RecordingUploaded)
		logging.LogAction(ctx, "upload", uploadPath, map[string]interface{}{
			"key": key,
		})
	}

	p.audit(ctx, uploadPath, key, exists)
	p.notify(ctx, r, key, uploadPath, canonical.Metadata)
	return nil
}

func (p *processorImpl) skipped(r *run) {
	r.summary.RecordingsSkipped++
	r.metrics.RecordRecording(metrics.RecordingSkipped)
}

// failed records a FAILED outcome. Permanent failures are never retried.
func (p *processorImpl) failed(ctx context.Context, r *run, path string, cause error, permanent bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.summary.RecordingsFailed++
	r.metrics.RecordRecording(metrics.RecordingFailed)
	logging.LogAction(ctx, "upload", path, map[string]interface{}{
		"error":     cause.Error(),
		"permanent": permanent,
	})

	if p.config.DryRun {
		return nil
	}

	var err error
	if permanent {
		err = p.store.RecordPermanentFailure(ctx, path, cause.Error())
	} else {
		err = p.store.RecordUploadOutcome(ctx, path, store.StatusFailed, cause.Error())
	}
	if err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", path, err)
	}
	return nil
}

func (p *processorImpl) audit(ctx context.Context, path, key string, alreadyPresent bool) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	err := p.tracker.TrackUpload(tracking.UploadEntry{
		Path:           path,
		Key:            key,
		SizeBytes:      size,
		UploadedAt:     p.now(),
		AlreadyPresent: alreadyPresent,
	})
	if err != nil {
		logging.WarnWithContext(ctx, "Failed to write audit entry for %s: %v", path, err)
	}
}

// notify is best effort; failures never change the recorded outcome
func (p *processorImpl) notify(ctx context.Context, r *run, key, path string, md *metadata.CallMetadata) {
	if !webhook.Enabled(p.notifier) {
		return
	}
	if md == nil {
		logging.WarnWithContext(ctx, "Not notifying for %s (no metadata)", key)
		return
	}

	err := p.notifier.Notify(ctx, webhook.Notification{
		Key:      key,
		Filename: filepath.Base(path),
		Metadata: md,
	})
	if err != nil {
		r.summary.NotificationsFailed++
		r.metrics.RecordNotification(metrics.NotificationFailed)
		logging.WarnWithContext(ctx, "Failed to notify webhook for %s: %v", key, err)
		return
	}
	r.metrics.RecordNotification(metrics.NotificationSent)
}

func (p *processorImpl) cleanup(ctx context.Context, r *run) error {
	if p.config.DryRun {
		logging.InfoWithContext(ctx, "Would remove FAILED records whose files no longer exist")
		return nil
	}
	removed, err := p.store.CleanupStale(ctx)
	if err != nil {
		return fmt.Errorf("failed to clean up stale records: %w", err)
	}
	r.summary.StaleRemoved = removed
	r.metrics.RecordStaleRemoved(removed)
	if removed > 0 {
		logging.InfoWithContext(ctx, "Removed %d stale FAILED records", removed)
	}
	return nil
}

func (p *processorImpl) finish(ctx context.Context, r *run, startTime time.Time, runErr error) {
	finished := p.now()
	s := r.summary
	s.Duration = finished.Sub(startTime)

	r.metrics.RecordRun(s.Duration, runErr == nil, finished)
	if err := r.metrics.WriteTextfile(p.config.MetricsTextfile); err != nil {
		logging.WarnWithContext(ctx, "Failed to write metrics: %v", err)
	}

	perf := logging.PerformanceMetrics{
		Operation: "backup_run",
		Duration:  s.Duration,
		Success:   runErr == nil,
		Metadata: map[string]interface{}{
			"archives":   s.ArchivesFound,
			"recordings": s.RecordingsUploaded + s.AlreadyPresent,
		},
	}
	if runErr != nil {
		perf.Error = runErr.Error()
	}
	logging.LogPerformance(perf)

	if runErr != nil {
		logging.ErrorWithContext(ctx, "Backup run aborted: %v", runErr)
	}
	logging.InfoWithContext(ctx, "Summary: Processed %d archives, Uploaded %d recordings (%d already present, %d failed, %d skipped, %d retried)",
		s.ArchivesFound, s.RecordingsUploaded, s.AlreadyPresent, s.RecordingsFailed, s.RecordingsSkipped, s.RetriesAttempted)
}

// listRecordings returns the *.wav files directly inside dir, sorted
func listRecordings(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// loadMetadata reads the sheet in dir. Problems are logged and yield an empty mapping.
func (p *processorImpl) loadMetadata(ctx context.Context, dir string) *metadata.Result {
	sheetPath, err := metadata.FindSheet(dir)
	if err != nil {
		logging.WarnWithContext(ctx, "Failed to look for a metadata sheet in %s: %v", dir, err)
		return metadata.Empty()
	}
	if sheetPath == "" {
		logging.WarnWithContext(ctx, "No metadata sheet found in %s", dir)
		return metadata.Empty()
	}

	result, err := metadata.ParseFile(sheetPath)
	if err != nil {
		logging.ErrorWithContext(ctx, "Failed to read metadata from %s: %v", sheetPath, err)
		if result == nil {
			return metadata.Empty()
		}
	}
	for _, rejected := range result.Rejected {
		logging.WarnWithContext(ctx, "Rejected metadata row %d in %s (%s): %s",
			rejected.Line, filepath.Base(sheetPath), rejected.Filename, rejected.Reason)
	}
	if err == nil {
		logging.InfoWithContext(ctx, "Read %d metadata entries from %s (%s)", len(result.Entries), sheetPath, result.Encoding)
	}
	return result
}
