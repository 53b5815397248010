package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/curtbushko/dotcall-backup/internal/config"
)

// localUploader copies recordings into a directory tree, e.g. a mounted share
type localUploader struct {
	basePath string
}

// NewLocalUploader creates the base directory when it does not exist yet
func NewLocalUploader(cfg config.LocalConfig) (Uploader, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.BasePath, err)
	}
	return &localUploader{basePath: cfg.BasePath}, nil
}

func (u *localUploader) target(key string) string {
	return filepath.Join(u.basePath, filepath.FromSlash(remotePath("", key)))
}

func (u *localUploader) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(u.target(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", u.target(key), err)
}

func (u *localUploader) Upload(ctx context.Context, key, localPath string) error {
	target := u.target(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := io.Copy(tempFile, &contextReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	success = true
	return nil
}

func (u *localUploader) Name() string {
	return "file://" + filepath.ToSlash(u.basePath)
}

func (u *localUploader) Close() error {
	return nil
}
