// Package watch re-runs the backup when new archives land under the source root
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/curtbushko/dotcall-backup/internal/archive"
	"github.com/curtbushko/dotcall-backup/internal/logging"
)

// DefaultDebounce is the quiet period used when none is configured
const DefaultDebounce = 30 * time.Second

// RunFunc performs one backup run
type RunFunc func(ctx context.Context) error

// Config holds configuration for the watcher
type Config struct {
	// Root is watched recursively; new subdirectories are added as they appear
	Root string
	// Debounce is how long the tree must stay quiet before a run starts
	Debounce time.Duration
}

// Watcher runs a RunFunc once and again after archive activity settles.
// Runs never overlap.
type Watcher struct {
	config Config
	run    RunFunc
}

// New creates a new Watcher
func New(cfg Config, run RunFunc) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{config: cfg, run: run}
}

// Run blocks until ctx is done. Errors from individual runs are logged and do
// not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.config.Root, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.config.Root, err)
	}
	if err := addTree(watcher, w.config.Root); err != nil {
		return err
	}
	logging.InfoWithContext(ctx, "Watching %s for new archives (debounce %v)", w.config.Root, w.config.Debounce)

	w.runOnce(ctx)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(watcher, event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.config.Debounce)
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(ctx, "File watcher error: %v", err)

		case <-fire:
			timer, fire = nil, nil
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.ErrorWithContext(ctx, "Backup run failed: %v", err)
	}
}

// relevant reports whether an event should trigger a run. New directories
// are added to the watch list and count as activity.
func (w *Watcher) relevant(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addTree(watcher, event.Name); err != nil {
				logging.Warn("Failed to watch %s: %v", event.Name, err)
			}
			return true
		}
	}
	return archive.IsArchive(filepath.Base(event.Name))
}

// addTree adds root and every directory below it
func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
