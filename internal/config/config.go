// Package config provides configuration management for the dotcall-backup application
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported storage backends
const (
	BackendS3    = "s3"
	BackendSFTP  = "sftp"
	BackendFTP   = "ftp"
	BackendLocal = "local"
)

// PathsConfig holds the filesystem locations the run operates on
type PathsConfig struct {
	SourceRoot  string `yaml:"source_root" json:"source_root"`
	ExtractRoot string `yaml:"extract_root" json:"extract_root"`
	StateDB     string `yaml:"state_db" json:"state_db"`
	LogDir      string `yaml:"log_dir" json:"log_dir"`
}

// UploadConfig holds upload bookkeeping settings
type UploadConfig struct {
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
	Rename     *bool  `yaml:"rename" json:"rename"`
	AuditCSV   string `yaml:"audit_csv" json:"audit_csv"`
}

// RenameEnabled reports whether recordings should be renamed to their canonical name
func (u UploadConfig) RenameEnabled() bool {
	return u.Rename == nil || *u.Rename
}

// S3Config holds settings for an S3-compatible object store
type S3Config struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	UseSSL          *bool  `yaml:"use_ssl" json:"use_ssl"`
}

// SSLEnabled reports whether TLS should be used, defaulting to true
func (s S3Config) SSLEnabled() bool {
	return s.UseSSL == nil || *s.UseSSL
}

// SFTPConfig holds settings for an SFTP destination
type SFTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	// KnownHostsFile pins server host keys; empty disables host key checking
	KnownHostsFile string `yaml:"known_hosts_file" json:"known_hosts_file"`
	BasePath       string `yaml:"base_path" json:"base_path"`
}

// FTPConfig holds settings for an FTP destination
type FTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

// LocalConfig holds settings for a local-directory destination
type LocalConfig struct {
	BasePath string `yaml:"base_path" json:"base_path"`
}

// StorageConfig holds destination storage settings
type StorageConfig struct {
	Backend        string      `yaml:"backend" json:"backend"`
	KeyPrefix      string      `yaml:"key_prefix" json:"key_prefix"`
	RetryAttempts  *int        `yaml:"retry_attempts" json:"retry_attempts"`
	TimeoutSeconds int         `yaml:"timeout_seconds" json:"timeout_seconds"`
	S3             S3Config    `yaml:"s3" json:"s3"`
	SFTP           SFTPConfig  `yaml:"sftp" json:"sftp"`
	FTP            FTPConfig   `yaml:"ftp" json:"ftp"`
	Local          LocalConfig `yaml:"local" json:"local"`
}

// DefaultRetryAttempts is used when storage.retry_attempts is not set
const DefaultRetryAttempts = 3

// Retries returns the number of in-run retries for transient storage errors.
// An explicit 0 disables them.
func (s StorageConfig) Retries() int {
	if s.RetryAttempts == nil {
		return DefaultRetryAttempts
	}
	return *s.RetryAttempts
}

// TimeoutDuration returns the timeout as a time.Duration
func (s StorageConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// WebhookConfig holds upload notification settings
type WebhookConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	URL            string `yaml:"url" json:"url"`
	Token          string `yaml:"token" json:"-"`
	JWTSecret      string `yaml:"jwt_secret" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// TimeoutDuration returns the timeout as a time.Duration
func (w WebhookConfig) TimeoutDuration() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level"`
	File         string `yaml:"file" json:"file"`
	Console      *bool  `yaml:"console" json:"console"`
	ConsoleLevel string `yaml:"console_level" json:"console_level"`
	JSONFormat   bool   `yaml:"json_format" json:"json_format"`
}

// ConsoleEnabled reports whether console output is enabled, defaulting to true
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile" json:"textfile"`
}

// WatchConfig holds settings for the watch command
type WatchConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds" json:"debounce_seconds"`
}

// DebounceDuration returns the debounce interval as a time.Duration
func (w WatchConfig) DebounceDuration() time.Duration {
	return time.Duration(w.DebounceSeconds) * time.Second
}

// Config represents the complete application configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths" json:"paths"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Watch   WatchConfig   `yaml:"watch" json:"watch"`
}

// LoadConfig loads configuration from a YAML file with defaults and environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	if err := config.loadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	config.setDefaults()
	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are left untouched. A missing
// file is not an error when optional is true.
func LoadEnvFile(path string, optional bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && optional {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadFromFile loads configuration from a YAML file
func (c *Config) loadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// setDefaults applies default values for missing configuration
func (c *Config) setDefaults() {
	if c.Paths.SourceRoot == "" {
		c.Paths.SourceRoot = "/home/sftpbackup/crm"
	}
	if c.Paths.ExtractRoot == "" {
		c.Paths.ExtractRoot = "/home/sftpbackup/crm_extracted"
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = "/home/sftpbackup/logs"
	}
	if c.Paths.StateDB == "" {
		c.Paths.StateDB = c.Paths.LogDir + "/dotcall-state.db"
	}

	if c.Upload.MaxRetries == 0 {
		c.Upload.MaxRetries = 3
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendS3
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "calls"
	}
	if c.Storage.TimeoutSeconds == 0 {
		c.Storage.TimeoutSeconds = 300
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Storage.SFTP.Port == 0 {
		c.Storage.SFTP.Port = 22
	}
	if c.Storage.FTP.Port == 0 {
		c.Storage.FTP.Port = 21
	}

	if c.Webhook.TimeoutSeconds == 0 {
		c.Webhook.TimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = c.Paths.LogDir + "/files_logs.log"
	}
	// Errors go to the console even when the file carries everything
	if c.Logging.ConsoleLevel == "" {
		c.Logging.ConsoleLevel = "error"
	}

	if c.Watch.DebounceSeconds == 0 {
		c.Watch.DebounceSeconds = 30
	}
}

// loadFromEnvironment overrides configuration with environment variables
func (c *Config) loadFromEnvironment() {
	if val := os.Getenv("DOTCALL_SOURCE_ROOT"); val != "" {
		c.Paths.SourceRoot = val
	}
	if val := os.Getenv("DOTCALL_EXTRACT_ROOT"); val != "" {
		c.Paths.ExtractRoot = val
	}
	if val := os.Getenv("DOTCALL_STATE_DB"); val != "" {
		c.Paths.StateDB = val
	}

	if val := os.Getenv("S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}
	if val := os.Getenv("S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("S3_ACCESS_KEY_ID"); val != "" {
		c.Storage.S3.AccessKeyID = val
	}
	if val := os.Getenv("S3_SECRET_ACCESS_KEY"); val != "" {
		c.Storage.S3.SecretAccessKey = val
	}

	if val := os.Getenv("WEBHOOK_URL"); val != "" {
		c.Webhook.URL = val
	}
	if val := os.Getenv("WEBHOOK_TOKEN"); val != "" {
		c.Webhook.Token = val
	}
	if val := os.Getenv("WEBHOOK_JWT_SECRET"); val != "" {
		c.Webhook.JWTSecret = val
	}
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	if c.Paths.SourceRoot == "" {
		return fmt.Errorf("paths.source_root is required")
	}
	if c.Paths.ExtractRoot == "" {
		return fmt.Errorf("paths.extract_root is required")
	}
	if c.Paths.StateDB == "" {
		return fmt.Errorf("paths.state_db is required")
	}

	if c.Upload.MaxRetries < 1 {
		return fmt.Errorf("upload.max_retries must be >= 1")
	}

	if c.Storage.Retries() < 0 {
		return fmt.Errorf("storage.retry_attempts must be >= 0")
	}
	if c.Storage.TimeoutSeconds <= 0 {
		return fmt.Errorf("storage.timeout_seconds must be greater than 0")
	}
	if strings.Contains(c.Storage.KeyPrefix, "..") {
		return fmt.Errorf("storage.key_prefix must not contain '..'")
	}

	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.endpoint is required")
		}
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
		if c.Storage.S3.AccessKeyID == "" || c.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required")
		}
	case BackendSFTP:
		if c.Storage.SFTP.Host == "" {
			return fmt.Errorf("storage.sftp.host is required")
		}
		if c.Storage.SFTP.Password == "" && c.Storage.SFTP.KeyFile == "" {
			return fmt.Errorf("storage.sftp requires a password or key_file")
		}
	case BackendFTP:
		if c.Storage.FTP.Host == "" {
			return fmt.Errorf("storage.ftp.host is required")
		}
	case BackendLocal:
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: s3, sftp, ftp, local")
	}

	if c.Webhook.Enabled {
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required when webhook is enabled")
		}
		if c.Webhook.Token == "" && c.Webhook.JWTSecret == "" {
			return fmt.Errorf("webhook.token or webhook.jwt_secret is required when webhook is enabled")
		}
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be greater than 0")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if !validLogLevels[strings.ToLower(c.Logging.ConsoleLevel)] {
		return fmt.Errorf("logging.console_level must be one of: debug, info, warn, error")
	}

	if c.Watch.DebounceSeconds < 0 {
		return fmt.Errorf("watch.debounce_seconds must be >= 0")
	}

	return nil
}
