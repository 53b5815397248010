// Package webhook notifies an external endpoint about recordings that were
// confirmed in storage.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/curtbushko/dotcall-backup/internal/config"
	"github.com/curtbushko/dotcall-backup/internal/metadata"
)

const (
	// TokenIssuer is the iss claim of minted bearer tokens
	TokenIssuer = "dotcall-backup"

	tokenLifetime    = 5 * time.Minute
	maxErrorBodySize = 1024
)

// ErrNoMetadata is returned when a notification has no call metadata
var ErrNoMetadata = errors.New("notification requires call metadata")

// Notification describes one confirmed upload
type Notification struct {
	Key      string
	Filename string
	Metadata *metadata.CallMetadata
}

// Payload is the JSON body posted to the webhook
type Payload struct {
	Key  string `json:"key"`
	Info string `json:"info"`
}

// Notifier sends upload notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// StatusError is returned for non-2xx webhook responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

type httpNotifier struct {
	url       string
	token     string
	jwtSecret []byte
	client    *http.Client
	now       func() time.Time
}

// NewNotifier returns a Notifier for the configured endpoint. When the
// webhook is disabled it returns a Notifier that does nothing.
func NewNotifier(cfg config.WebhookConfig, httpClient *http.Client) Notifier {
	if !cfg.Enabled || cfg.URL == "" {
		return noopNotifier{}
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.TimeoutDuration(),
		}
	}

	n := &httpNotifier{
		url:    cfg.URL,
		token:  cfg.Token,
		client: httpClient,
		now:    time.Now,
	}
	if cfg.JWTSecret != "" {
		n.jwtSecret = []byte(cfg.JWTSecret)
	}
	return n
}

// BuildPayload renders the notification body
func BuildPayload(n Notification) (Payload, error) {
	if n.Metadata == nil {
		return Payload{}, ErrNoMetadata
	}
	m := n.Metadata
	info := strings.Join([]string{
		n.Filename,
		m.Timestamp,
		m.Extension,
		fmt.Sprintf("%q", norm.NFC.String(m.UserName)),
		string(m.Direction),
		m.OriginatingParty,
		m.DestinationParty,
	}, ", ")
	return Payload{Key: n.Key, Info: info}, nil
}

func (h *httpNotifier) bearer(key string) (string, error) {
	if h.jwtSecret == nil {
		return h.token, nil
	}
	now := h.now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

func (h *httpNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := BuildPayload(n)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := h.bearer(n.Key)
	if err != nil {
		return fmt.Errorf("failed to sign webhook token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, n Notification) error {
	return nil
}

// Enabled reports whether a Notifier actually sends anything
func Enabled(n Notifier) bool {
	_, noop := n.(noopNotifier)
	return n != nil && !noop
}
