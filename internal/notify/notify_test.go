package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

func testMessage() Message {
	return Message{
		AnomalyID:        "a1b2c3d4e5f60718",
		Service:          "AmazonEC2",
		ResourceID:       "i-0abc123",
		IssueType:        costmodel.IssueWastePattern,
		PRURL:            "https://github.com/acme/infra/pull/42",
		EstimatedSavings: 70,
		RiskLevel:        costmodel.RiskMedium,
	}
}

func newTestWebhook(t *testing.T, url string) *Webhook {
	t.Helper()
	w, err := NewWebhook(config.NotifyConfig{
		Enabled:    true,
		WebhookURL: config.Secret(url),
	}, nil)
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	w.backoff = time.Millisecond
	return w
}

func TestMessage_Text(t *testing.T) {
	text := testMessage().Text()

	for _, want := range []string{
		"[costwatch]",
		"waste_pattern",
		"AmazonEC2/i-0abc123",
		"$70.00/month",
		"risk: medium",
		"https://github.com/acme/infra/pull/42",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() = %q, missing %q", text, want)
		}
	}
}

func TestWebhook_Send(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, server.URL)
	if err := webhook.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !strings.Contains(got.Text, "AmazonEC2/i-0abc123") {
		t.Errorf("payload text = %q", got.Text)
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, server.URL)
	if err := webhook.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if requestCount != 2 {
		t.Errorf("request count = %d, want 2", requestCount)
	}
}

func TestWebhook_PermanentErrorNotRetried(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, server.URL)
	err := webhook.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("Send() = nil, want error for 404")
	}
	if requestCount != 1 {
		t.Errorf("request count = %d, want 1", requestCount)
	}
}

func TestWebhook_RetryExhaustion(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	webhook := newTestWebhook(t, server.URL)
	err := webhook.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("Send() = nil, want error after exhaustion")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error = %v", err)
	}
	if requestCount != defaultMaxRetries+1 {
		t.Errorf("request count = %d, want %d", requestCount, defaultMaxRetries+1)
	}
}

func TestNew_DisabledReturnsNop(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := n.(Nop); !ok {
		t.Fatalf("New() type = %T, want Nop", n)
	}
	if err := n.Send(context.Background(), testMessage()); err != nil {
		t.Errorf("Nop.Send() error = %v", err)
	}
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	if _, err := NewWebhook(config.NotifyConfig{Enabled: true}, nil); err == nil {
		t.Fatal("expected error for missing webhook URL")
	}
}
