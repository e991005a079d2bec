// Package alert delivers job failure notifications. Delivery is best
// effort: a failed notification is logged and never blocks the watcher
// or the pipeline.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event is the payload delivered to a sink when a job needs attention.
type Event struct {
	JobID   uuid.UUID `json:"jobId"`
	JobName string    `json:"jobName"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	Restart bool      `json:"restart"`
	At      time.Time `json:"at"`
}

// Sink receives alert events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// WebhookSink posts events as JSON to a configured webhook URL.
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

func (s *WebhookSink) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards all events. Used when no webhook is configured.
type NopSink struct{}

func (NopSink) Notify(context.Context, Event) error { return nil }

var (
	_ Sink = (*WebhookSink)(nil)
	_ Sink = NopSink{}
)
