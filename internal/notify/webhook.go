package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"finquest/internal/core"
	"finquest/internal/log"
)

// Sink delivers a notification to the external channel. The dispatcher only
// guarantees at-most-once submission; presentation is the sink's problem.
type Sink interface {
	Send(ctx context.Context, n core.Notification) error
}

// WebhookSink posts notifications as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Send(ctx context.Context, n core.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// LogSink records notifications in the log instead of delivering them.
// Used when no webhook endpoint is configured.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent(log.ComponentDispatch)}
}

func (s *LogSink) Send(ctx context.Context, n core.Notification) error {
	s.logger.InfoContext(ctx, "notification (no sink configured)",
		log.FieldUserID, n.UserID,
		"title", n.Title,
		"type", n.Type)
	return nil
}
