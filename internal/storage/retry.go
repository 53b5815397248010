package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/curtbushko/dotcall-backup/internal/logging"
)

// ErrorType represents different categories of errors for retry logic
type ErrorType string

const (
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeServer    ErrorType = "server"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeClient    ErrorType = "client"
	ErrorTypeCanceled  ErrorType = "canceled"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// StatusError carries a protocol status code from a backend
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// RetryConfig holds configuration for retrying storage operations
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent int
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 25,
	}
}

// transientErrorPatterns are substrings of errors worth retrying
var transientErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"timeout",
	"temporary",
	"broken pipe",
	"no route to host",
	"unexpected eof",
	"ssh: handshake failed",
	"resource temporarily unavailable",
	"slowdown",
}

// ClassifyError classifies an error into an ErrorType for retry logic
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return ErrorTypeTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatusCode(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(errMsg, pattern) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "forbidden") ||
		strings.Contains(errMsg, "access denied") {
		return ErrorTypeAuth
	}

	return ErrorTypeUnknown
}

// ClassifyStatusCode classifies HTTP and FTP status codes into error types
func ClassifyStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode >= 400 && statusCode < 500:
		// FTP 4xx replies are transient negative completions
		if statusCode >= 421 && statusCode <= 452 && statusCode != 429 {
			return ErrorTypeServer
		}
		return ErrorTypeClient
	case statusCode >= 500 && statusCode < 600:
		// FTP 5xx replies are permanent; only HTTP 5xx are retried
		if statusCode >= 530 {
			return ErrorTypeClient
		}
		return ErrorTypeServer
	default:
		return ErrorTypeUnknown
	}
}

// IsTransient reports whether an error is worth retrying
func IsTransient(err error) bool {
	switch ClassifyError(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// Do runs op until it succeeds, returns a non-transient error, or the attempts
// are used up. The delay grows exponentially with jitter.
func Do(ctx context.Context, cfg RetryConfig, op func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == attempts-1 {
			break
		}

		delay := backoff(cfg, attempt, random)
		logging.WarnWithContext(ctx, "Retrying storage operation in %v after error: %v (attempt %d/%d)",
			delay, lastErr, attempt+1, attempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoff(cfg RetryConfig, attempt int, random *rand.Rand) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1.0 {
		multiplier = 2.0
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && time.Duration(delay) > cfg.MaxDelay {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterPercent > 0 {
		jitterRange := delay * float64(cfg.JitterPercent) / 100.0
		delay += (random.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(base) * 0.1
		}
	}
	return time.Duration(delay)
}

type retryingUploader struct {
	backend Uploader
	config  RetryConfig
}

// WithRetry wraps an Uploader so Exists and Upload are retried on transient errors
func WithRetry(backend Uploader, cfg RetryConfig) Uploader {
	return &retryingUploader{backend: backend, config: cfg}
}

func (r *retryingUploader) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := Do(ctx, r.config, func() error {
		var err error
		exists, err = r.backend.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (r *retryingUploader) Upload(ctx context.Context, key, localPath string) error {
	return Do(ctx, r.config, func() error {
		return r.backend.Upload(ctx, key, localPath)
	})
}

func (r *retryingUploader) Name() string {
	return r.backend.Name()
}

func (r *retryingUploader) Close() error {
	return r.backend.Close()
}
