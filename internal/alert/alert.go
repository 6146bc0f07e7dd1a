package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

// Alert is an operator notification. Delivery is best effort.
type Alert struct {
	Title      string         `json:"title"`
	Severity   string         `json:"severity"`
	Provider   string         `json:"provider,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

const SeverityCritical = "critical"

// LogAlerter writes alerts to the structured log. It is the fallback when no
// alert endpoint is configured.
type LogAlerter struct{}

func (LogAlerter) Send(ctx context.Context, a Alert) error {
	logging.FromContext(ctx).Error("operator alert",
		"title", a.Title,
		"severity", a.Severity,
		"provider", a.Provider,
		"event_type", a.EventType,
		"event_id", a.EventID,
		"attempts", a.Attempts,
		"last_error", a.LastError,
	)
	return nil
}

// HTTPAlerter posts alerts as JSON to an incoming-webhook URL (Slack-style
// relays, paging bridges). Every alert is also logged.
type HTTPAlerter struct {
	url        string
	httpClient *http.Client
}

func NewHTTPAlerter(url string, timeout time.Duration) *HTTPAlerter {
	return &HTTPAlerter{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPAlerter) Send(ctx context.Context, a Alert) error {
	_ = LogAlerter{}.Send(ctx, a)

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("Send: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("Send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("Send: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// New picks the HTTP alerter when url is set, the log alerter otherwise.
func New(url string, timeout time.Duration) Sender {
	if url == "" {
		slog.Warn("no alert endpoint configured, alerts go to the log only")
		return LogAlerter{}
	}
	return NewHTTPAlerter(url, timeout)
}
