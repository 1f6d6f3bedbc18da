// Package notify delivers remediation notifications to a Slack-compatible
// webhook. Delivery is fire-and-forget for the pipeline: a failed send
// downgrades the orchestration result, it never rolls anything back.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// Message is one remediation notification.
type Message struct {
	AnomalyID        string
	Service          string
	ResourceID       string
	IssueType        costmodel.IssueType
	PRURL            string
	EstimatedSavings float64
	RiskLevel        costmodel.RiskLevel
}

// Text renders the single-line notification body.
func (m Message) Text() string {
	return fmt.Sprintf("[costwatch] %s remediation for %s/%s: estimated savings $%.2f/month (risk: %s) %s",
		m.IssueType, m.Service, m.ResourceID, m.EstimatedSavings, m.RiskLevel, m.PRURL)
}

// Notifier delivers remediation notifications.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Nop discards notifications. Used when notify.enabled is false.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// webhookPayload is the Slack-compatible request body.
type webhookPayload struct {
	Text string `json:"text"`
}

// Webhook posts messages to an incoming-webhook URL.
type Webhook struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewWebhook creates a webhook notifier from config.
func NewWebhook(cfg config.NotifyConfig, logger *zap.Logger) (*Webhook, error) {
	if !cfg.WebhookURL.IsSet() {
		return nil, fmt.Errorf("webhook URL required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Webhook{
		url:        cfg.WebhookURL.Value(),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     logger.Named("notify"),
	}, nil
}

// New returns the configured notifier: a webhook when enabled, Nop otherwise.
func New(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewWebhook(cfg, logger)
}

// Send posts the message, retrying transport errors, 429s, and 5xx responses
// a small bounded number of times.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(webhookPayload{Text: msg.Text()})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := w.post(ctx, payload)
		if err == nil {
			w.logger.Debug("notification delivered",
				zap.String("anomaly_id", msg.AnomalyID),
				zap.Int("attempt", attempt+1))
			return nil
		}

		lastErr = err
		if !retryable {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (w *Webhook) post(ctx context.Context, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	default:
		return false, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
}
