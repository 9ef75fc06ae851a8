package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/msageha/signoff/internal/events"
)

// WebhookPayload is the JSON body POSTed for every event.
type WebhookPayload struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
	StepNumber *int      `json:"step_number,omitempty"`
	StepStatus string    `json:"step_status,omitempty"`
	CommentID  string    `json:"comment_id,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
}

type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, e events.Event) error {
	p := WebhookPayload{
		Type:       string(e.Type),
		RequestID:  e.RequestID,
		Status:     e.Status,
		Actor:      e.Actor,
		At:         e.Timestamp,
		StepStatus: e.StepStatus,
		CommentID:  e.CommentID,
		Recipients: e.Recipients,
	}
	if e.StepNumber >= 0 && e.Type == events.EventStepDecided {
		n := e.StepNumber
		p.StepNumber = &n
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signoff-Event", string(e.Type))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
