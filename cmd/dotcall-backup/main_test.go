// Package main provides tests for the dotcall-backup CLI application
package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/curtbushko/dotcall-backup/internal/store"
)

const recordingName = "call_2024-01-03-10-00-00_102_777.wav"

// createRootCommand creates a fresh root command instance for testing
func createRootCommand() *cobra.Command {
	return buildRootCommand()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := createRootCommand()

	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

// testConfig is a temporary install using the local storage backend
type testConfig struct {
	root        string
	path        string
	sourceRoot  string
	storageRoot string
	stateDB     string
}

func newTestConfig(t *testing.T) *testConfig {
	t.Helper()
	root := t.TempDir()
	tc := &testConfig{
		root:        root,
		path:        filepath.Join(root, "config.yaml"),
		sourceRoot:  filepath.Join(root, "crm"),
		storageRoot: filepath.Join(root, "remote"),
		stateDB:     filepath.Join(root, "logs", "state.db"),
	}

	content := fmt.Sprintf(`paths:
  source_root: %q
  extract_root: %q
  log_dir: %q
  state_db: %q
upload:
  max_retries: 2
storage:
  backend: local
  retry_attempts: 0
  local:
    base_path: %q
logging:
  console: false
`, tc.sourceRoot, filepath.Join(root, "extracted"), filepath.Join(root, "logs"), tc.stateDB, tc.storageRoot)

	if err := os.WriteFile(tc.path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return tc
}

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedOutput string
		expectError    bool
	}{
		{
			name:           "help flag shows help",
			args:           []string{"--help"},
			expectedOutput: "dotcall-backup is a CLI tool that extracts CRM call exports",
			expectError:    false,
		},
		{
			name:           "no args shows configuration detection",
			args:           []string{},
			expectedOutput: "Configuration Issue Detected",
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args...)

			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
			if !strings.Contains(output, tt.expectedOutput) {
				t.Errorf("Expected output to contain %q, got %q", tt.expectedOutput, output)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := execute(t, "version")
	if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "dotcall-backup version") {
		t.Errorf("Expected output to contain version info, got %q", output)
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := createRootCommand()

	expectedFlags := []string{"config", "env-file", "verbose", "dry-run"}
	for _, flagName := range expectedFlags {
		if cmd.PersistentFlags().Lookup(flagName) == nil {
			t.Errorf("Expected global flag %q to be defined", flagName)
		}
	}
}

func TestHelpCommand(t *testing.T) {
	output, err := execute(t, "help")
	if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}

	expectedContent := []string{
		"dotcall-backup is a CLI tool",
		"Usage:",
		"Available Commands:",
		"watch",
		"status",
		"cleanup",
		"import-legacy",
		"Flags:",
	}
	for _, content := range expectedContent {
		if !strings.Contains(output, content) {
			t.Errorf("Expected help output to contain %q, got %q", content, output)
		}
	}
}

// TestConfigCommandSections tests that all major sections are present in config help
func TestConfigCommandDescribesMissingMetadata(t *testing.T) {
	output, err := execute(t, "config")
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	expected := []string{
		"Recordings without a metadata row are uploaded under their own name and not notified",
		"retry_attempts: 3               # In-run retries for transient storage errors (0 disables)",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("Expected config help to contain %q", want)
		}
	}
}

func TestConfigCommandSections(t *testing.T) {
	output, err := execute(t, "config")
	if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}

	sections := []string{
		"Configuration File Structure",
		"PATHS CONFIGURATION:",
		"UPLOAD CONFIGURATION:",
		"STORAGE CONFIGURATION (Required):",
		"WEBHOOK CONFIGURATION (Optional):",
		"LOGGING CONFIGURATION:",
		"METRICS AND WATCH (Optional):",
		"ENVIRONMENT VARIABLES:",
		"EXAMPLE USAGE:",
		"TROUBLESHOOTING:",
	}

	lastIndex := -1
	for i, section := range sections {
		index := strings.Index(output, section)
		if index == -1 {
			t.Errorf("Section %d (%q) not found in config help", i, section)
			continue
		}
		if index <= lastIndex {
			t.Errorf("Section %d (%q) appears out of order (index %d vs previous %d)", i, section, index, lastIndex)
		}
		lastIndex = index
	}
}

// TestConfigurationDetection tests the configuration detection and helpful error messages
func TestConfigurationDetection(t *testing.T) {
	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("storage:\n  backend: tape\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	tests := []struct {
		name           string
		args           []string
		expectedOutput []string
	}{
		{
			name: "missing config file shows helpful guidance",
			args: []string{"--config", "nonexistent.yaml"},
			expectedOutput: []string{
				"Configuration Issue Detected",
				"Configuration file 'nonexistent.yaml' not found",
				"To get started:",
				"dotcall-backup config",
			},
		},
		{
			name: "invalid config shows the validation error",
			args: []string{"--config", invalid},
			expectedOutput: []string{
				"Configuration Issue Detected",
				"storage.backend must be one of",
				"To fix this:",
			},
		},
		{
			name: "missing env file is reported",
			args: []string{"--config", invalid, "--env-file", "nonexistent.env"},
			expectedOutput: []string{
				"Configuration Issue Detected",
				"Environment file error",
			},
		},
		{
			name: "subcommands share the guidance",
			args: []string{"status", "--config", "nonexistent.yaml"},
			expectedOutput: []string{
				"Configuration file 'nonexistent.yaml' not found",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args...)

			if err != errConfiguration {
				t.Errorf("Expected errConfiguration, got: %v", err)
			}
			for _, expected := range tt.expectedOutput {
				if !strings.Contains(output, expected) {
					t.Errorf("Expected output to contain %q, got %q", expected, output)
				}
			}
		})
	}
}

func TestRunUploadsRecordings(t *testing.T) {
	tc := newTestConfig(t)
	writeTar(t, filepath.Join(tc.sourceRoot, "export.tar"), map[string]string{
		recordingName: "RIFF",
	})

	output, err := execute(t, "--config", tc.path)
	if err != nil {
		t.Fatalf("Expected no error but got: %v (output %q)", err, output)
	}
	if !strings.Contains(output, "Backup Summary") {
		t.Errorf("Expected summary in output, got %q", output)
	}
	if !strings.Contains(output, "Recordings uploaded:  1") {
		t.Errorf("Expected one uploaded recording, got %q", output)
	}

	uploaded := filepath.Join(tc.storageRoot, "calls", "2024", "01", "03", recordingName)
	data, err := os.ReadFile(uploaded)
	if err != nil {
		t.Fatalf("Expected uploaded file at %s: %v", uploaded, err)
	}
	if string(data) != "RIFF" {
		t.Errorf("Expected uploaded content %q, got %q", "RIFF", string(data))
	}

	// second run finds nothing new
	output, err = execute(t, "--config", tc.path)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Recordings uploaded:  0") {
		t.Errorf("Expected no uploads on the second run, got %q", output)
	}
}

func TestDryRunUploadsNothing(t *testing.T) {
	tc := newTestConfig(t)
	writeTar(t, filepath.Join(tc.sourceRoot, "export.tar"), map[string]string{
		recordingName: "RIFF",
	})

	output, err := execute(t, "--config", tc.path, "--dry-run")
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Archives found:       1") {
		t.Errorf("Expected the archive to be found, got %q", output)
	}
	if _, err := os.Stat(filepath.Join(tc.storageRoot, "calls")); !os.IsNotExist(err) {
		t.Errorf("Expected nothing uploaded in dry run, stat returned %v", err)
	}
}

func seedStore(t *testing.T, tc *testConfig, seed func(st store.StateStore)) {
	t.Helper()
	st, err := store.Open(tc.stateDB, store.Options{MaxRetries: 2})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	seed(st)
}

func TestStatusCommand(t *testing.T) {
	tc := newTestConfig(t)
	ctx := context.Background()
	seedStore(t, tc, func(st store.StateStore) {
		if err := st.RecordUploadOutcome(ctx, "/data/ok.wav", store.StatusSuccess, ""); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
		if err := st.RecordUploadOutcome(ctx, "/data/broken.wav", store.StatusFailed, "connection reset"); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
		if err := st.RecordPermanentFailure(ctx, "/data/badname.wav", "filename does not match"); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	})

	output, err := execute(t, "status", "--config", tc.path)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	expected := []string{
		"Uploads succeeded:  1",
		"Uploads failed:     2 (1 exhausted, max retries 2)",
		"/data/broken.wav (retries 1",
		"connection reset",
		"/data/badname.wav",
		"[exhausted]",
	}
	for _, content := range expected {
		if !strings.Contains(output, content) {
			t.Errorf("Expected status output to contain %q, got %q", content, output)
		}
	}
}

func TestCleanupCommand(t *testing.T) {
	tc := newTestConfig(t)
	existing := filepath.Join(tc.root, "still-here.wav")
	if err := os.WriteFile(existing, []byte("RIFF"), 0644); err != nil {
		t.Fatalf("Failed to write recording: %v", err)
	}

	ctx := context.Background()
	seedStore(t, tc, func(st store.StateStore) {
		for _, path := range []string{existing, filepath.Join(tc.root, "gone.wav")} {
			if err := st.RecordUploadOutcome(ctx, path, store.StatusFailed, "timeout"); err != nil {
				t.Fatalf("Failed to seed: %v", err)
			}
		}
	})

	output, err := execute(t, "cleanup", "--config", tc.path, "--dry-run")
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Dry run") {
		t.Errorf("Expected dry run notice, got %q", output)
	}

	output, err = execute(t, "cleanup", "--config", tc.path)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Removed 1 stale records") {
		t.Errorf("Expected one stale record removed, got %q", output)
	}
}

func TestResetCommand(t *testing.T) {
	tc := newTestConfig(t)
	ctx := context.Background()
	seedStore(t, tc, func(st store.StateStore) {
		if err := st.RecordPermanentFailure(ctx, "/data/badname.wav", "filename does not match"); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	})

	output, err := execute(t, "reset", "--config", tc.path, "/data/badname.wav")
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Reset retries for /data/badname.wav") {
		t.Errorf("Expected reset confirmation, got %q", output)
	}

	seedStore(t, tc, func(st store.StateStore) {
		record, ok, err := st.GetUpload(ctx, "/data/badname.wav")
		if err != nil || !ok {
			t.Fatalf("Expected record, got ok=%v err=%v", ok, err)
		}
		if record.RetryCount != 0 {
			t.Errorf("Expected retry count 0, got %d", record.RetryCount)
		}
	})

	if _, err := execute(t, "reset", "--config", tc.path, "/data/unknown.wav"); err == nil {
		t.Error("Expected error for a path without a failed record")
	}
}

func TestImportLegacyCommand(t *testing.T) {
	tc := newTestConfig(t)
	extracted := filepath.Join(tc.root, "extracted_tars.log")
	uploaded := filepath.Join(tc.root, "uploaded_wavs.log")
	if err := os.WriteFile(extracted, []byte("/crm/a.tar\n/crm/b.tar\n"), 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}
	uploadLog := "/x/one.wav SUCCESS 2024-01-02 03:04:05\n" +
		"/x/two.wav FAILED 2024-01-02 03:04:06 connection reset\n" +
		"garbage\n"
	if err := os.WriteFile(uploaded, []byte(uploadLog), 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}

	if _, err := execute(t, "import-legacy", "--config", tc.path); err == nil {
		t.Error("Expected error when no legacy file is given")
	}

	output, err := execute(t, "import-legacy", "--config", tc.path, "--extracted", extracted, "--uploaded", uploaded)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "Imported 2 archives, 1 successful and 1 failed uploads (1 lines skipped)") {
		t.Errorf("Unexpected import output %q", output)
	}
}
