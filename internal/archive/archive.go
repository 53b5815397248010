// Package archive discovers CRM export archives and extracts their contents.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupported is returned for files without a recognized archive suffix
var ErrUnsupported = errors.New("unsupported archive format")

// Suffixes recognized as archives, longest first
var Suffixes = []string{".tar.gz", ".tar.zst", ".tgz", ".tar"}

// ExtractResult describes what Extract wrote
type ExtractResult struct {
	Files   int
	Bytes   int64
	Skipped []string
}

// IsArchive reports whether name carries an archive suffix
func IsArchive(name string) bool {
	return suffixOf(name) != ""
}

// Stem returns the base name without its archive suffix
func Stem(name string) string {
	base := filepath.Base(name)
	if suffix := suffixOf(base); suffix != "" {
		return base[:len(base)-len(suffix)]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func suffixOf(name string) string {
	lower := strings.ToLower(name)
	for _, s := range Suffixes {
		if strings.HasSuffix(lower, s) {
			return s
		}
	}
	return ""
}

// Discover walks root recursively and returns every archive path, sorted
func Discover(root string) ([]string, error) {
	var archives []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && IsArchive(d.Name()) {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Strings(archives)
	return archives, nil
}

// Extract streams the archive at archivePath into targetDir. Entries that
// would land outside targetDir fail the extraction; symlinks, hard links and
// device entries are skipped.
func Extract(ctx context.Context, archivePath, targetDir string) (*ExtractResult, error) {
	suffix := suffixOf(archivePath)
	if suffix == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, archivePath)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer file.Close()

	var reader io.Reader = file
	switch suffix {
	case ".tar.gz", ".tgz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", archivePath, err)
		}
		defer gz.Close()
		reader = gz
	case ".tar.zst":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", archivePath, err)
		}
		defer zr.Close()
		reader = zr
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory %s: %w", targetDir, err)
	}

	root, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", targetDir, err)
	}

	result := &ExtractResult{}
	tr := tar.NewReader(reader)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to read archive %s: %w", archivePath, err)
		}

		target, err := safeJoin(root, header.Name)
		if err != nil {
			return result, fmt.Errorf("archive %s: %w", archivePath, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return result, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			n, err := writeFile(target, tr, header.FileInfo().Mode().Perm())
			if err != nil {
				return result, err
			}
			result.Files++
			result.Bytes += n
		default:
			result.Skipped = append(result.Skipped, header.Name)
		}
	}

	return result, nil
}

// safeJoin resolves name under root and rejects absolute or escaping paths
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the extraction directory", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	if perm == 0 {
		perm = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return n, nil
}
