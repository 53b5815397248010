// Package logging provides structured logging for dotcall-backup runs
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curtbushko/dotcall-backup/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

type contextKey string

// RunIDKey is the context key for the identifier of the current run
const RunIDKey contextKey = "run_id"

// Logger defines the interface for logging operations
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugWithContext(ctx context.Context, format string, args ...interface{})
	InfoWithContext(ctx context.Context, format string, args ...interface{})
	WarnWithContext(ctx context.Context, format string, args ...interface{})
	ErrorWithContext(ctx context.Context, format string, args ...interface{})

	// LogAction records a single state-changing step on a recording or archive
	LogAction(ctx context.Context, action string, subject string, fields map[string]interface{})
	LogPerformance(metrics PerformanceMetrics)

	GetLevel() LogLevel
	SetLevel(level LogLevel)
	SetOutput(w io.Writer)
	Close() error
}

// PerformanceMetrics represents timing data for a completed operation
type PerformanceMetrics struct {
	Operation      string                 `json:"operation"`
	Duration       time.Duration          `json:"-"`
	BytesProcessed int64                  `json:"bytes_processed"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
}

// sink is a writer with its own minimum level
type sink struct {
	w     io.Writer
	level LogLevel
}

// loggerImpl implements the Logger interface
type loggerImpl struct {
	mu         sync.Mutex
	level      LogLevel
	jsonFormat bool
	sinks      []sink
	fileHandle *os.File
}

// NewLogger creates a new Logger instance with the given configuration.
// The log file receives entries at Level, the console (stderr) at ConsoleLevel.
func NewLogger(cfg config.LoggingConfig) (Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := &loggerImpl{
		level:      level,
		jsonFormat: cfg.JSONFormat,
	}

	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		logger.fileHandle = file
		logger.sinks = append(logger.sinks, sink{w: file, level: level})
	}

	if cfg.ConsoleEnabled() {
		consoleLevel := ErrorLevel
		if cfg.ConsoleLevel != "" {
			consoleLevel, err = parseLogLevel(cfg.ConsoleLevel)
			if err != nil {
				logger.Close()
				return nil, fmt.Errorf("invalid console log level: %w", err)
			}
		}
		logger.sinks = append(logger.sinks, sink{w: os.Stderr, level: consoleLevel})
	}

	return logger, nil
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	return parseLogLevel(level)
}

func parseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *loggerImpl) log(level LogLevel, ctx context.Context, format string, args ...interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     strings.ToUpper(level.String()),
		Message:   fmt.Sprintf(format, args...),
	}

	if ctx != nil {
		if runID, ok := ctx.Value(RunIDKey).(string); ok {
			entry.RunID = runID
		}
	}

	var output string
	if l.jsonFormat {
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		timestamp := entry.Timestamp.Format("2006-01-02T15:04:05Z")
		if entry.RunID != "" {
			output = fmt.Sprintf("%s [%s] [%s] %s\n", timestamp, entry.Level, entry.RunID, entry.Message)
		} else {
			output = fmt.Sprintf("%s [%s] %s\n", timestamp, entry.Level, entry.Message)
		}
	}

	l.write(level, output)
}

func (l *loggerImpl) logFields(level LogLevel, ctx context.Context, message string, fields map[string]interface{}) {
	now := time.Now().UTC()
	runID := ""
	if ctx != nil {
		runID, _ = ctx.Value(RunIDKey).(string)
	}

	var output string
	if l.jsonFormat {
		entryMap := map[string]interface{}{
			"timestamp": now,
			"level":     strings.ToUpper(level.String()),
			"message":   message,
		}
		if runID != "" {
			entryMap["run_id"] = runID
		}
		for key, value := range fields {
			entryMap[key] = value
		}
		data, _ := json.Marshal(entryMap)
		output = string(data) + "\n"
	} else {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var pairs []string
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, fields[key]))
		}
		fieldStr := ""
		if len(pairs) > 0 {
			fieldStr = " " + strings.Join(pairs, " ")
		}
		prefix := fmt.Sprintf("%s [%s]", now.Format("2006-01-02T15:04:05Z"), strings.ToUpper(level.String()))
		if runID != "" {
			prefix += " [" + runID + "]"
		}
		output = fmt.Sprintf("%s %s%s\n", prefix, message, fieldStr)
	}

	l.write(level, output)
}

// write sends output to every sink whose threshold admits the level
func (l *loggerImpl) write(level LogLevel, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.sinks {
		if level >= s.level {
			s.w.Write([]byte(output))
		}
	}
}

// Debug logs a debug message
func (l *loggerImpl) Debug(format string, args ...interface{}) {
	l.log(DebugLevel, nil, format, args...)
}

// Info logs an info message
func (l *loggerImpl) Info(format string, args ...interface{}) {
	l.log(InfoLevel, nil, format, args...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(format string, args ...interface{}) {
	l.log(WarnLevel, nil, format, args...)
}

// Error logs an error message
func (l *loggerImpl) Error(format string, args ...interface{}) {
	l.log(ErrorLevel, nil, format, args...)
}

func (l *loggerImpl) DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(DebugLevel, ctx, format, args...)
}

func (l *loggerImpl) InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(InfoLevel, ctx, format, args...)
}

func (l *loggerImpl) WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(WarnLevel, ctx, format, args...)
}

func (l *loggerImpl) ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(ErrorLevel, ctx, format, args...)
}

// LogAction logs a state-changing step with its fields
func (l *loggerImpl) LogAction(ctx context.Context, action string, subject string, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"action":  action,
		"subject": subject,
	}
	for key, value := range fields {
		merged[key] = value
	}

	level := InfoLevel
	if _, failed := fields["error"]; failed {
		level = ErrorLevel
	}
	l.logFields(level, ctx, fmt.Sprintf("Action: %s", action), merged)
}

// LogPerformance logs performance metrics
func (l *loggerImpl) LogPerformance(metrics PerformanceMetrics) {
	fields := map[string]interface{}{
		"operation":       metrics.Operation,
		"duration_ms":     metrics.Duration.Milliseconds(),
		"bytes_processed": metrics.BytesProcessed,
		"success":         metrics.Success,
	}
	if metrics.Error != "" {
		fields["error"] = metrics.Error
	}
	for key, value := range metrics.Metadata {
		fields[key] = value
	}

	message := fmt.Sprintf("Performance: %s completed in %v", metrics.Operation, metrics.Duration)
	l.logFields(InfoLevel, nil, message, fields)
}

// GetLevel returns the current log level
func (l *loggerImpl) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel sets the log level of the logger and its file sink
func (l *loggerImpl) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	for i := range l.sinks {
		if l.fileHandle != nil && l.sinks[i].w == io.Writer(l.fileHandle) {
			l.sinks[i].level = level
		}
	}
}

// SetOutput replaces all sinks with a single writer at the logger level (mainly for testing)
func (l *loggerImpl) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = []sink{{w: w, level: l.level}}
}

// Close closes the logger and any open file handles
func (l *loggerImpl) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileHandle != nil {
		err := l.fileHandle.Close()
		l.fileHandle = nil
		return err
	}
	return nil
}

var defaultLogger Logger

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger Logger) {
	defaultLogger = logger
}

// GetDefaultLogger returns the global default logger
func GetDefaultLogger() Logger {
	return defaultLogger
}

// InitializeLogging initializes the global logger with the provided configuration
func InitializeLogging(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	SetDefaultLogger(logger)
	return nil
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(format, args...)
	}
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(format, args...)
	}
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(format, args...)
	}
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(format, args...)
	}
}

// InfoWithContext logs an info message with context using the default logger
func InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.InfoWithContext(ctx, format, args...)
	}
}

// WarnWithContext logs a warning message with context using the default logger
func WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.WarnWithContext(ctx, format, args...)
	}
}

// ErrorWithContext logs an error message with context using the default logger
func ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.ErrorWithContext(ctx, format, args...)
	}
}

// LogAction logs an action using the default logger
func LogAction(ctx context.Context, action string, subject string, fields map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.LogAction(ctx, action, subject, fields)
	}
}

// LogPerformance logs performance metrics using the default logger
func LogPerformance(metrics PerformanceMetrics) {
	if defaultLogger != nil {
		defaultLogger.LogPerformance(metrics)
	}
}

// WithRunID returns a context carrying the run identifier
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID extracts the run identifier from a context
func GetRunID(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDKey).(string)
	return runID, ok
}

// GenerateRunID returns a new random run identifier
func GenerateRunID() string {
	return "run-" + uuid.NewString()
}
