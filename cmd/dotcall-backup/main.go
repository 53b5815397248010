package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curtbushko/dotcall-backup/internal/config"
	"github.com/curtbushko/dotcall-backup/internal/directory"
	"github.com/curtbushko/dotcall-backup/internal/logging"
	"github.com/curtbushko/dotcall-backup/internal/processor"
	"github.com/curtbushko/dotcall-backup/internal/storage"
	"github.com/curtbushko/dotcall-backup/internal/store"
	"github.com/curtbushko/dotcall-backup/internal/tracking"
	"github.com/curtbushko/dotcall-backup/internal/watch"
	"github.com/curtbushko/dotcall-backup/internal/webhook"
)

var (
	// Version information - will be set during build
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	envFile    string
	verbose    bool
	dryRun     bool

	// import-legacy flags
	legacyExtracted string
	legacyUploaded  string
)

// errConfiguration marks a failure that has already been explained to the user
var errConfiguration = errors.New("configuration could not be loaded")

// buildRootCommand creates and configures the root command
func buildRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotcall-backup",
		Short: "Back up call recordings from CRM exports to remote storage",
		Long: `dotcall-backup is a CLI tool that extracts CRM call exports
and uploads the recordings they contain to remote storage.

This tool helps you:
- Extract new .tar, .tar.gz, .tgz and .tar.zst exports exactly once
- Rename recordings to their canonical name using the export's metadata sheet
- Upload recordings to S3, SFTP, FTP or a local directory
- Retry failed uploads on later runs up to a configurable limit
- Notify a webhook for every recording confirmed in storage`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runBackup(ctx, cfg)
			if err != nil {
				cmd.Printf("❌ Backup failed: %v\n", err)
				return err
			}
			printSummary(cmd, summary)
			return nil
		},
	}

	// Add subcommands
	rootCmd.AddCommand(createWatchCommand())
	rootCmd.AddCommand(createStatusCommand())
	rootCmd.AddCommand(createCleanupCommand())
	rootCmd.AddCommand(createResetCommand())
	rootCmd.AddCommand(createImportLegacyCommand())
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path (default: config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with environment overrides (default: .env if present)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log what would be extracted and uploaded without changing anything")

	return rootCmd
}

// loadConfiguration loads the env file and config, printing guidance when that fails
func loadConfiguration(cmd *cobra.Command) (*config.Config, error) {
	configPath := "config.yaml"
	if configFile != "" {
		configPath = configFile
	}

	envPath, optional := ".env", true
	if envFile != "" {
		envPath, optional = envFile, false
	}
	if err := config.LoadEnvFile(envPath, optional); err != nil {
		cmd.Printf("⚠️  Configuration Issue Detected\n\n")
		cmd.Printf("Environment file error: %v\n", err)
		return nil, errConfiguration
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cmd.Printf("⚠️  Configuration Issue Detected\n\n")

		if errors.Is(err, os.ErrNotExist) {
			cmd.Printf("Configuration file '%s' not found.\n\n", configPath)
			cmd.Printf("To get started:\n")
			cmd.Printf("1. Run 'dotcall-backup config' to see configuration structure\n")
			cmd.Printf("2. Create config.yaml with your paths and storage settings\n")
			cmd.Printf("3. Run 'dotcall-backup --dry-run' to check what would be uploaded\n")
			cmd.Printf("4. Run 'dotcall-backup' to start the backup\n\n")
		} else {
			cmd.Printf("Configuration error: %v\n\n", err)
			cmd.Printf("To fix this:\n")
			cmd.Printf("1. Run 'dotcall-backup config' to see the correct configuration structure\n")
			cmd.Printf("2. Check your config file for syntax errors or missing required fields\n")
			cmd.Printf("3. Ensure the storage credentials for the selected backend are provided\n\n")
		}

		cmd.Printf("For detailed help: dotcall-backup config\n")
		cmd.Printf("For general usage: dotcall-backup --help\n")
		return nil, errConfiguration
	}

	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.ConsoleLevel = "info"
	}
	return cfg, nil
}

// initRuntime creates the working directories and the default logger.
// The returned function closes the logger.
func initRuntime(cfg *config.Config) (func(), error) {
	if err := directory.Bootstrap(cfg); err != nil {
		return nil, err
	}
	if err := logging.InitializeLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return func() {
		if logger := logging.GetDefaultLogger(); logger != nil {
			logger.Close()
		}
	}, nil
}

// openStore opens the state database configured in cfg
func openStore(cfg *config.Config) (store.StateStore, error) {
	st, err := store.Open(cfg.Paths.StateDB, store.Options{MaxRetries: cfg.Upload.MaxRetries})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return st, nil
}

// runBackup wires every collaborator and performs one run
func runBackup(ctx context.Context, cfg *config.Config) (*processor.Summary, error) {
	closeLogs, err := initRuntime(cfg)
	if err != nil {
		return nil, err
	}
	defer closeLogs()

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	proc, closeUploader, err := newProcessor(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	defer closeUploader()

	return proc.Run(ctx)
}

// newProcessor builds the storage client, notifier and audit tracker for a processor
func newProcessor(ctx context.Context, cfg *config.Config, st store.StateStore) (processor.Processor, func(), error) {
	uploader, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	closeUploader := func() {
		if err := uploader.Close(); err != nil {
			logging.Warn("Failed to close storage client: %v", err)
		}
	}

	var tracker tracking.CSVTracker = tracking.NoopTracker{}
	if cfg.Upload.AuditCSV != "" {
		tracker, err = tracking.NewAuditCSVTracker(cfg.Upload.AuditCSV)
		if err != nil {
			closeUploader()
			return nil, nil, fmt.Errorf("failed to open audit CSV: %w", err)
		}
	}

	proc, err := processor.NewProcessor(processor.Deps{
		Store:    st,
		Uploader: uploader,
		Notifier: webhook.NewNotifier(cfg.Webhook, nil),
		Tracker:  tracker,
	}, processor.ConfigFromAppConfig(cfg, dryRun, verbose))
	if err != nil {
		closeUploader()
		return nil, nil, err
	}
	return proc, closeUploader, nil
}

func printSummary(cmd *cobra.Command, s *processor.Summary) {
	cmd.Printf("\nBackup Summary (run %s):\n", s.RunID)
	cmd.Printf("================\n")
	cmd.Printf("Archives found:       %d\n", s.ArchivesFound)
	cmd.Printf("Archives extracted:   %d\n", s.ArchivesExtracted)
	cmd.Printf("Recordings uploaded:  %d\n", s.RecordingsUploaded)
	cmd.Printf("Already present:      %d\n", s.AlreadyPresent)
	cmd.Printf("Recordings skipped:   %d\n", s.RecordingsSkipped)
	cmd.Printf("Retries attempted:    %d\n", s.RetriesAttempted)
	cmd.Printf("Stale records removed: %d\n", s.StaleRemoved)
	if s.RecordingsFailed > 0 || s.ArchiveFailures > 0 || s.NotificationsFailed > 0 {
		cmd.Printf("❌ Failed: %d recordings, %d archives, %d notifications\n",
			s.RecordingsFailed, s.ArchiveFailures, s.NotificationsFailed)
	}
	cmd.Printf("Duration: %v\n", s.Duration)
}

// createWatchCommand creates the watch subcommand
func createWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run continuously, starting a backup when new exports arrive",
		Long: `Run one backup immediately, then watch the source root and start another
run once new archives have stopped arriving for watch.debounce_seconds.
Runs never overlap. Stop with Ctrl+C or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			closeLogs, err := initRuntime(cfg)
			if err != nil {
				return err
			}
			defer closeLogs()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			proc, closeUploader, err := newProcessor(ctx, cfg, st)
			if err != nil {
				return err
			}
			defer closeUploader()

			w := watch.New(watch.Config{
				Root:     cfg.Paths.SourceRoot,
				Debounce: cfg.Watch.DebounceDuration(),
			}, func(ctx context.Context) error {
				_, err := proc.Run(ctx)
				return err
			})
			return w.Run(ctx)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show state database statistics and failed uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("State database: %s\n", cfg.Paths.StateDB)
			cmd.Printf("Archives extracted: %d\n", stats.Archives)
			cmd.Printf("Uploads succeeded:  %d\n", stats.Succeeded)
			cmd.Printf("Uploads failed:     %d (%d exhausted, max retries %d)\n",
				stats.Failed, stats.Exhausted, st.MaxRetries())

			failed, err := st.ListUploads(ctx, store.StatusFailed)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				return nil
			}
			cmd.Printf("\nFailed uploads:\n")
			for _, record := range failed {
				marker := ""
				if record.RetryCount >= st.MaxRetries() {
					marker = " [exhausted]"
				}
				cmd.Printf("   - %s (retries %d, %s)%s: %s\n",
					record.Path, record.RetryCount, record.UpdatedAt.Format("2006-01-02 15:04:05"), marker, record.ErrorMessage)
			}
			return nil
		},
	}
}

// createCleanupCommand creates the cleanup subcommand
func createCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove failed upload records whose file no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if dryRun {
				cmd.Printf("Dry run: skipping cleanup of %s\n", cfg.Paths.StateDB)
				return nil
			}
			removed, err := st.CleanupStale(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Removed %d stale records\n", removed)
			return nil
		},
	}
}

// createResetCommand creates the reset subcommand
func createResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <path>...",
		Short: "Re-enable retries for failed recordings",
		Long:  "Set the retry count of the given FAILED recordings back to zero so the next run retries them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, path := range args {
				if err := st.ResetRetries(cmd.Context(), path); err != nil {
					return err
				}
				cmd.Printf("Reset retries for %s\n", path)
			}
			return nil
		},
	}
}

// createImportLegacyCommand creates the import-legacy subcommand
func createImportLegacyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Import extracted_tars.log and uploaded_wavs.log into the state database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if legacyExtracted == "" && legacyUploaded == "" {
				return fmt.Errorf("at least one of --extracted or --uploaded is required")
			}
			cfg, err := loadConfiguration(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.ImportLegacy(cmd.Context(), legacyExtracted, legacyUploaded)
			if err != nil {
				return err
			}
			cmd.Printf("✅ Imported %d archives, %d successful and %d failed uploads (%d lines skipped)\n",
				result.Archives, result.Succeeded, result.Failed, result.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&legacyExtracted, "extracted", "", "path to extracted_tars.log")
	cmd.Flags().StringVar(&legacyUploaded, "uploaded", "", "path to uploaded_wavs.log")
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, commit, and build information for dotcall-backup",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dotcall-backup version %s\n", version)
			cmd.Printf("Commit: %s\n", commit)
			cmd.Printf("Build date: %s\n", buildDate)
		},
	}
}

// createConfigCommand creates the config help subcommand
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show configuration file structure and examples",
		Long:  "Display the configuration file structure, storage backends, environment variables and examples",
		Run: func(cmd *cobra.Command, args []string) {
			configHelp := `Configuration File Structure (config.yaml):

PATHS CONFIGURATION:
====================
paths:
  source_root: "/home/sftpbackup/crm"             # Where CRM exports are dropped
  extract_root: "/home/sftpbackup/crm_extracted"  # Where exports are unpacked
  log_dir: "/home/sftpbackup/logs"                # Log directory
  state_db: "/home/sftpbackup/logs/dotcall-state.db" # SQLite state (default: <log_dir>/dotcall-state.db)

UPLOAD CONFIGURATION:
=====================
upload:
  max_retries: 3                  # Runs a failed recording is retried before it is excluded
  rename: true                    # Rename recordings to their canonical name
  audit_csv: ""                   # Optional CSV with one line per confirmed upload

STORAGE CONFIGURATION (Required):
=================================
storage:
  backend: "s3"                   # s3, sftp, ftp or local
  key_prefix: "calls"             # Keys are <prefix>/<YYYY>/<MM>/<DD>/<filename>
  retry_attempts: 3               # In-run retries for transient storage errors (0 disables)
  timeout_seconds: 300
  s3:
    endpoint: "https://s3.example.com"
    bucket: "call-recordings"
    region: "us-east-1"
    access_key_id: "your_access_key"
    secret_access_key: "your_secret_key"
    use_ssl: true
  sftp:
    host: "backup.example.com"
    port: 22
    username: "backup"
    key_file: "/home/sftpbackup/.ssh/id_ed25519"  # or password
    known_hosts_file: "/home/sftpbackup/.ssh/known_hosts"
    base_path: "/recordings"
  ftp:
    host: "ftp.example.com"
    port: 21
    username: "backup"
    password: "secret"
    base_path: "/recordings"
  local:
    base_path: "/mnt/archive/recordings"

WEBHOOK CONFIGURATION (Optional):
=================================
webhook:
  enabled: false
  url: "https://crm.example.com/hooks/recording"
  token: ""                       # Static bearer token
  jwt_secret: ""                  # Or sign a short-lived HS256 token per call
  timeout_seconds: 10

LOGGING CONFIGURATION:
======================
logging:
  level: "info"                   # debug, info, warn, error
  file: "/home/sftpbackup/logs/files_logs.log"
  console: true
  console_level: "error"
  json_format: false

METRICS AND WATCH (Optional):
=============================
metrics:
  textfile: "/var/lib/node_exporter/textfile/dotcall.prom"
watch:
  debounce_seconds: 30

ENVIRONMENT VARIABLES:
======================
DOTCALL_SOURCE_ROOT, DOTCALL_EXTRACT_ROOT, DOTCALL_STATE_DB
S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY
WEBHOOK_URL, WEBHOOK_TOKEN, WEBHOOK_JWT_SECRET
Variables may also be placed in a .env file (see --env-file).

EXAMPLE USAGE:
==============
dotcall-backup --dry-run          # Show what would be extracted and uploaded
dotcall-backup                    # Run one backup
dotcall-backup watch              # Keep running and react to new exports
dotcall-backup status             # Show failed uploads
dotcall-backup reset <path>       # Retry an excluded recording again
dotcall-backup import-legacy --extracted extracted_tars.log --uploaded uploaded_wavs.log

TROUBLESHOOTING:
================
- Recordings named anonymous are skipped; sheet rows mentioning anonymous are ignored
- Recordings without a metadata row are uploaded under their own name and not notified
- A recording that failed max_retries times is excluded until reset
- Failed records for files that no longer exist are removed after every run`
			cmd.Println(strings.TrimSpace(configHelp))
		},
	}
}

func main() {
	rootCmd := buildRootCommand()

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errConfiguration) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
