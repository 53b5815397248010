// Package directory provides the extraction directory layout for dotcall-backup
package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/curtbushko/dotcall-backup/internal/archive"
	"github.com/curtbushko/dotcall-backup/internal/config"
)

// DirectoryManager defines the interface for extraction directory operations
type DirectoryManager interface {
	ExtractDir(archivePath string) (*DirectoryResult, error)
}

// DirectoryConfig holds configuration for the directory manager
type DirectoryConfig struct {
	SourceRoot  string // Root scanned for archives
	ExtractRoot string // Root under which archives are extracted
}

// DirectoryResult represents the extraction directory of one archive
type DirectoryResult struct {
	FullPath     string // <extract_root>/<relative archive path>/<stem>
	RelativePath string // Archive path relative to the source root
	Stem         string // Archive name without its suffix
	BasePath     string // Extraction root
}

type directoryManagerImpl struct {
	config DirectoryConfig
}

// NewDirectoryManager creates a new directory manager with the given configuration
func NewDirectoryManager(config DirectoryConfig) DirectoryManager {
	return &directoryManagerImpl{config: config}
}

// ExtractDir returns the directory an archive is extracted into. The relative
// part keeps the archive file name itself, so a.tar under the source root
// extracts to <extract_root>/a.tar/a. Nothing is created on disk.
func (dm *directoryManagerImpl) ExtractDir(archivePath string) (*DirectoryResult, error) {
	if archivePath == "" {
		return nil, fmt.Errorf("archive path cannot be empty")
	}
	if dm.config.ExtractRoot == "" {
		return nil, fmt.Errorf("extract root cannot be empty")
	}

	relativePath, err := filepath.Rel(dm.config.SourceRoot, archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s relative to %s: %w", archivePath, dm.config.SourceRoot, err)
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("archive %s is outside source root %s", archivePath, dm.config.SourceRoot)
	}

	stem := archive.Stem(archivePath)
	fullPath := filepath.Join(dm.config.ExtractRoot, relativePath, stem)

	return &DirectoryResult{
		FullPath:     fullPath,
		RelativePath: relativePath,
		Stem:         stem,
		BasePath:     dm.config.ExtractRoot,
	}, nil
}

// Bootstrap creates the extraction root and the directories holding the
// state database and the log file.
func Bootstrap(cfg *config.Config) error {
	dirs := []string{cfg.Paths.ExtractRoot}
	if cfg.Paths.StateDB != "" {
		dirs = append(dirs, filepath.Dir(cfg.Paths.StateDB))
	}
	if cfg.Paths.LogDir != "" {
		dirs = append(dirs, cfg.Paths.LogDir)
	}
	if cfg.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.Logging.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
