package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// WebhookConfig contains webhook action configuration
type WebhookConfig struct {
	URL        string
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per attempt
	Client     *http.Client
}

// WebhookAction POSTs every event as JSON
type WebhookAction struct {
	cfg    WebhookConfig
	client *http.Client
}

// statusError is a non-2xx webhook response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewWebhookAction validates the endpoint
func NewWebhookAction(cfg WebhookConfig) (*WebhookAction, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errs.Configf("invalid webhook url %q", cfg.URL)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &WebhookAction{cfg: cfg, client: client}, nil
}

func (a *WebhookAction) Name() string { return "webhook" }

// Handle delivers the event, retrying transient failures with exponential
// backoff until the retries or the context run out
func (a *WebhookAction) Handle(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * a.cfg.Backoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("webhook gave up after %d attempts: %w", attempt, ctx.Err())
			}
		}

		lastErr = a.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	return fmt.Errorf("webhook failed: %w", lastErr)
}

func (a *WebhookAction) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PCM-Capture-Service/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// isRetryable treats 5xx, 429 and transport errors as transient
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	return true
}
