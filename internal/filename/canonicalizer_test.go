package filename

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/curtbushko/dotcall-backup/internal/metadata"
)

func writeRecording(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFF"), 0644); err != nil {
		t.Fatalf("Failed to create recording: %v", err)
	}
	return path
}

func entriesFor(name, extension, phone string) map[string]metadata.CallMetadata {
	return map[string]metadata.CallMetadata{
		name: {
			Filename:  name,
			Extension: extension,
			Phone:     phone,
			Direction: metadata.Incoming,
		},
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Parts
		expectedErr error
	}{
		{
			name:     "numeric parts",
			input:    "call_2024-01-02-03-04-05_999_000.wav",
			expected: Parts{Prefix: "call_2024-01-02-03-04-05", Part1: "999", Part2: "000", Extension: ".wav"},
		},
		{
			name:     "prefix with underscores",
			input:    "crm_export_a_2024-01-02-03-04-05_1_2.WAV",
			expected: Parts{Prefix: "crm_export_a_2024-01-02-03-04-05", Part1: "1", Part2: "2", Extension: ".WAV"},
		},
		{
			name:     "anonymized part",
			input:    "call_2024-01-02-03-04-05_Anonymous_000.wav",
			expected: Parts{Prefix: "call_2024-01-02-03-04-05", Part1: "Anonymous", Part2: "000", Extension: ".wav"},
		},
		{
			name:        "missing timestamp",
			input:       "call_999_000.wav",
			expectedErr: ErrNoMatch,
		},
		{
			name:        "non numeric part",
			input:       "call_2024-01-02-03-04-05_abc_000.wav",
			expectedErr: ErrNoMatch,
		},
		{
			name:        "wrong extension",
			input:       "call_2024-01-02-03-04-05_1_2.mp3",
			expectedErr: ErrNoMatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Parse(tt.input)
			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Errorf("Expected error %v, got %v", tt.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if parts != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, parts)
			}
		})
	}
}

func TestCanonicalizeRenames(t *testing.T) {
	dir := t.TempDir()
	name := "call_2024-01-02-03-04-05_999_000.wav"
	path := writeRecording(t, dir, name)

	c := NewCanonicalizer(Options{})
	result, err := c.Canonicalize(path, entriesFor(name, "101", "5551234"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := filepath.Join(dir, "call_2024-01-02-03-04-05_101_5551234.wav")
	if result.Path != expected {
		t.Errorf("Expected path %s, got %s", expected, result.Path)
	}
	if !result.Renamed {
		t.Error("Expected Renamed to be true")
	}
	if result.Metadata == nil || result.Metadata.Extension != "101" {
		t.Errorf("Expected metadata to be returned, got %+v", result.Metadata)
	}
	if _, err := os.Stat(expected); err != nil {
		t.Errorf("Expected renamed file on disk: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected original file to be gone, got %v", err)
	}
}

func TestCanonicalizeAlreadyCanonical(t *testing.T) {
	dir := t.TempDir()
	name := "call_2024-01-02-03-04-05_101_5551234.wav"
	path := writeRecording(t, dir, name)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	result, err := NewCanonicalizer(Options{}).Canonicalize(path, entriesFor(name, "101", "5551234"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Path != path || result.Renamed {
		t.Errorf("Expected untouched path %s, got %+v", path, result)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("Expected no filesystem write")
	}
}

func TestCanonicalizeAnonymized(t *testing.T) {
	dir := t.TempDir()
	name := "call_2024-01-02-03-04-05_anonymous_000.wav"
	path := writeRecording(t, dir, name)

	// Metadata for the file must not matter
	_, err := NewCanonicalizer(Options{}).Canonicalize(path, entriesFor(name, "101", "5551234"))
	if !errors.Is(err, ErrAnonymized) {
		t.Fatalf("Expected ErrAnonymized, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected anonymized file to be left in place: %v", err)
	}
}

func TestCanonicalizeWithoutMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir, "call_2024-01-02-03-04-05_999_000.wav")

	result, err := NewCanonicalizer(Options{}).Canonicalize(path, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Path != path || result.Renamed || result.Metadata != nil {
		t.Errorf("Expected unchanged path without metadata, got %+v", result)
	}
}

func TestCanonicalizeRenamedInEarlierRun(t *testing.T) {
	dir := t.TempDir()
	original := "call_2024-01-02-03-04-05_999_000.wav"
	canonical := "call_2024-01-02-03-04-05_101_5551234.wav"
	path := writeRecording(t, dir, canonical)

	result, err := NewCanonicalizer(Options{}).Canonicalize(path, entriesFor(original, "101", "5551234"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Path != path || result.Renamed {
		t.Errorf("Expected untouched path %s, got %+v", path, result)
	}
	if result.Metadata == nil || result.Metadata.Filename != original {
		t.Errorf("Expected metadata of %s, got %+v", original, result.Metadata)
	}
}

func TestLookupMetadata(t *testing.T) {
	entries := map[string]metadata.CallMetadata{
		"call_2024-01-02-03-04-05_999_000.wav": {Filename: "call_2024-01-02-03-04-05_999_000.wav", Extension: "101", Phone: "5551234"},
		"call_2024-01-02-03-04-05_888_000.wav": {Filename: "call_2024-01-02-03-04-05_888_000.wav", Extension: "101", Phone: "5551234"},
		"notes.wav":                            {Filename: "notes.wav", Extension: "102", Phone: "1"},
	}

	tests := []struct {
		name     string
		lookup   string
		expected string
		found    bool
	}{
		{name: "direct entry", lookup: "call_2024-01-02-03-04-05_999_000.wav", expected: "call_2024-01-02-03-04-05_999_000.wav", found: true},
		{name: "canonical name picks smallest sheet name", lookup: "call_2024-01-02-03-04-05_101_5551234.wav", expected: "call_2024-01-02-03-04-05_888_000.wav", found: true},
		{name: "other timestamp", lookup: "call_2024-01-02-03-04-06_101_5551234.wav", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, ok := LookupMetadata(tt.lookup, entries)
			if ok != tt.found {
				t.Fatalf("Expected found=%v, got %v", tt.found, ok)
			}
			if ok && md.Filename != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, md.Filename)
			}
		})
	}
}

func TestCanonicalizeNoMatch(t *testing.T) {
	_, err := NewCanonicalizer(Options{}).Canonicalize("/tmp/readme.wav", nil)
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("Expected ErrNoMatch, got %v", err)
	}
}

func TestCanonicalizeOptions(t *testing.T) {
	name := "call_2024-01-02-03-04-05_999_000.wav"

	t.Run("dry run", func(t *testing.T) {
		dir := t.TempDir()
		path := writeRecording(t, dir, name)

		result, err := NewCanonicalizer(Options{DryRun: true}).Canonicalize(path, entriesFor(name, "101", "5551234"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !result.Renamed || filepath.Base(result.Path) != "call_2024-01-02-03-04-05_101_5551234.wav" {
			t.Errorf("Expected planned rename, got %+v", result)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected original file untouched in dry run: %v", err)
		}
	})

	t.Run("rename disabled", func(t *testing.T) {
		dir := t.TempDir()
		path := writeRecording(t, dir, name)

		result, err := NewCanonicalizer(Options{DisableRename: true}).Canonicalize(path, entriesFor(name, "101", "5551234"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Path != path || result.Renamed {
			t.Errorf("Expected original path, got %+v", result)
		}
		if result.Metadata == nil {
			t.Error("Expected metadata even when rename is disabled")
		}
	})
}

func TestCanonicalizeRenameFailure(t *testing.T) {
	dir := t.TempDir()
	name := "call_2024-01-02-03-04-05_999_000.wav"
	path := writeRecording(t, dir, name)
	writeRecording(t, dir, "call_2024-01-02-03-04-05_101_5551234.wav")

	_, err := NewCanonicalizer(Options{}).Canonicalize(path, entriesFor(name, "101", "5551234"))
	var renameErr *RenameError
	if !errors.As(err, &renameErr) {
		t.Fatalf("Expected RenameError, got %v", err)
	}
	if !errors.Is(err, os.ErrExist) {
		t.Errorf("Expected wrapped os.ErrExist, got %v", renameErr.Err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected source file to remain: %v", err)
	}
}
