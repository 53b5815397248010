package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/curtbushko/dotcall-backup/internal/config"
)

const recordingContentType = "audio/wav"

// s3Uploader stores recordings in an S3-compatible bucket
type s3Uploader struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
}

// NewS3Uploader connects to the configured bucket. A missing bucket is an error.
func NewS3Uploader(ctx context.Context, cfg config.S3Config, timeout time.Duration) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	endpoint, secure := normalizeEndpoint(cfg.Endpoint, cfg.SSLEnabled())
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	u := &s3Uploader{client: client, bucket: cfg.Bucket, timeout: timeout}

	checkCtx, cancel := u.withTimeout(ctx)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, wrapS3Error(err))
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	return u, nil
}

// normalizeEndpoint strips a URL scheme from the endpoint. An explicit
// scheme overrides the use_ssl setting.
func normalizeEndpoint(endpoint string, useSSL bool) (string, bool) {
	if endpoint == "" {
		return "s3.amazonaws.com", true
	}
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return strings.TrimSuffix(endpoint, "/"), useSSL
}

func (u *s3Uploader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, u.timeout)
}

func (u *s3Uploader) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()

	_, err := u.client.StatObject(ctx, u.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat s3://%s/%s: %w", u.bucket, key, wrapS3Error(err))
}

func (u *s3Uploader) Upload(ctx context.Context, key, localPath string) error {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()

	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: recordingContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, u.bucket, key, wrapS3Error(err))
	}
	return nil
}

func (u *s3Uploader) Name() string {
	return fmt.Sprintf("s3://%s", u.bucket)
}

func (u *s3Uploader) Close() error {
	return nil
}

// wrapS3Error attaches the HTTP status of an S3 error response so the retry
// classifier can see it.
func wrapS3Error(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return err
	}
	return fmt.Errorf("%w (%s)", &StatusError{StatusCode: resp.StatusCode, Message: resp.Code}, err.Error())
}
