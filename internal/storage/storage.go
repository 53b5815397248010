// Package storage uploads recordings to their destination: an S3-compatible
// bucket, an SFTP or FTP server, or a local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/curtbushko/dotcall-backup/internal/config"
	"github.com/curtbushko/dotcall-backup/internal/logging"
)

// ErrNotFound is returned by backends when an object does not exist
var ErrNotFound = errors.New("object not found")

// Uploader stores recordings under storage keys
type Uploader interface {
	// Exists reports whether an object is already stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Upload stores the file at localPath under key
	Upload(ctx context.Context, key, localPath string) error

	// Name identifies the destination in logs
	Name() string

	Close() error
}

// NewFromConfig builds the configured backend, verifies it is reachable and
// wraps it with retries for transient errors. Any error here is fatal for a run.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Uploader, error) {
	var (
		backend Uploader
		err     error
	)

	timeout := cfg.TimeoutDuration()
	switch cfg.Backend {
	case config.BackendS3:
		backend, err = NewS3Uploader(ctx, cfg.S3, timeout)
	case config.BackendSFTP:
		backend, err = NewSFTPUploader(ctx, cfg.SFTP, timeout)
	case config.BackendFTP:
		backend, err = NewFTPUploader(ctx, cfg.FTP, timeout)
	case config.BackendLocal:
		backend, err = NewLocalUploader(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Backend, err)
	}

	logger := logging.GetDefaultLogger()
	if logger != nil {
		logger.InfoWithContext(ctx, "Storage backend ready: %s", backend.Name())
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retries() + 1
	return WithRetry(backend, retry), nil
}

// remotePath joins a backend base path and a storage key using forward slashes
func remotePath(base, key string) string {
	key = strings.TrimPrefix(key, "/")
	if base == "" {
		return key
	}
	return path.Join(base, key)
}
