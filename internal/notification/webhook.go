package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetRetryCount(2)
	client.SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{url: url, client: client}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"id":       alert.ID,
		"level":    string(alert.Level),
		"stream":   alert.Stream,
		"title":    alert.Title,
		"subtitle": alert.Subtitle,
		"message":  alert.Message,
		"ts":       alert.TS.UTC().Format(time.RFC3339),
		"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}

	log.Printf("[webhook] sent alert to %s: %s", w.url, alert.Title)
	return nil
}

func (w *WebhookNotifier) Name() string { return "webhook" }
