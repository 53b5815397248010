// Package filename parses call recording filenames, renames them to their
// canonical form and derives their storage keys.
package filename

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/curtbushko/dotcall-backup/internal/metadata"
)

var (
	// ErrNoMatch is returned when a filename does not follow the recording naming pattern
	ErrNoMatch = errors.New("filename does not match recording pattern")

	// ErrAnonymized is returned when a filename carries the anonymized caller marker
	ErrAnonymized = errors.New("recording is anonymized")
)

// RenameError reports a failed on-disk rename. The file should be skipped for
// this run and retried later.
type RenameError struct {
	From string
	To   string
	Err  error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("failed to rename %s to %s: %v", e.From, e.To, e.Err)
}

func (e *RenameError) Unwrap() error {
	return e.Err
}

// Parts are the components of a recording filename
// <prefix>_<YYYY-MM-DD-HH-MM-SS>_<part1>_<part2>.wav
type Parts struct {
	// Prefix includes the embedded timestamp
	Prefix    string
	Part1     string
	Part2     string
	Extension string
}

// Anonymized reports whether either part carries the anonymized caller marker
func (p Parts) Anonymized() bool {
	return isMarker(p.Part1) || isMarker(p.Part2)
}

// Canonical returns the filename with the given extension and phone number
func (p Parts) Canonical(extension, phone string) string {
	return fmt.Sprintf("%s_%s_%s%s", p.Prefix, extension, phone, p.Extension)
}

// Canonicalizer resolves the path a recording should be uploaded from
type Canonicalizer interface {
	// Canonicalize returns the path to upload, renaming the file on disk when
	// its extension/phone parts differ from the metadata entry for it.
	Canonicalize(path string, entries map[string]metadata.CallMetadata) (Result, error)
}

// Options configures a Canonicalizer
type Options struct {
	// DryRun computes the canonical path without touching the filesystem
	DryRun bool

	// DisableRename keeps every recording under its original name
	DisableRename bool
}

// Result is the outcome of canonicalizing one recording
type Result struct {
	Path     string
	Renamed  bool
	Metadata *metadata.CallMetadata
}

type canonicalizer struct {
	dryRun        bool
	disableRename bool
}

// NewCanonicalizer creates a Canonicalizer with the given options
func NewCanonicalizer(options Options) Canonicalizer {
	return &canonicalizer{
		dryRun:        options.DryRun,
		disableRename: options.DisableRename,
	}
}

var recordingPattern = regexp.MustCompile(`^(.+_\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2})_(\d+|(?i:` + metadata.AnonymizedMarker + `))_(\d+|(?i:` + metadata.AnonymizedMarker + `))(\.(?i:wav))$`)

// Parse splits a recording filename into its parts
func Parse(name string) (Parts, error) {
	m := recordingPattern.FindStringSubmatch(name)
	if m == nil {
		return Parts{}, fmt.Errorf("%w: %s", ErrNoMatch, name)
	}
	return Parts{Prefix: m[1], Part1: m[2], Part2: m[3], Extension: m[4]}, nil
}

func (c *canonicalizer) Canonicalize(path string, entries map[string]metadata.CallMetadata) (Result, error) {
	name := filepath.Base(path)

	parts, err := Parse(name)
	if err != nil {
		return Result{}, err
	}
	if parts.Anonymized() {
		return Result{}, fmt.Errorf("%w: %s", ErrAnonymized, name)
	}

	md, ok := LookupMetadata(name, entries)
	if !ok {
		return Result{Path: path}, nil
	}
	result := Result{Path: path, Metadata: &md}

	if c.disableRename || (parts.Part1 == md.Extension && parts.Part2 == md.Phone) {
		return result, nil
	}

	target := filepath.Join(filepath.Dir(path), parts.Canonical(md.Extension, md.Phone))
	if c.dryRun {
		result.Path = target
		result.Renamed = true
		return result, nil
	}

	if _, err := os.Lstat(target); err == nil {
		return Result{}, &RenameError{From: path, To: target, Err: os.ErrExist}
	}
	if err := os.Rename(path, target); err != nil {
		return Result{}, &RenameError{From: path, To: target, Err: err}
	}

	result.Path = target
	result.Renamed = true
	return result, nil
}

// LookupMetadata finds the sheet entry for a recording name. Sheets are keyed
// by the name in the export, so a recording renamed in an earlier run is
// matched by the canonical name its entry produces. Among several matches the
// lexically smallest sheet filename wins.
func LookupMetadata(name string, entries map[string]metadata.CallMetadata) (metadata.CallMetadata, bool) {
	if md, ok := entries[name]; ok {
		return md, true
	}

	var (
		found metadata.CallMetadata
		ok    bool
	)
	for sheetName, md := range entries {
		parts, err := Parse(sheetName)
		if err != nil || parts.Canonical(md.Extension, md.Phone) != name {
			continue
		}
		if !ok || sheetName < found.Filename {
			found, ok = md, true
		}
	}
	return found, ok
}

func isMarker(part string) bool {
	return strings.EqualFold(part, metadata.AnonymizedMarker)
}
