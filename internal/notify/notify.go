// Package notify tells people outside the stream that a run needs review or has
// finished. Channels are fixed variants chosen by configuration.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/config"
)

// Kind is the reason for a notification.
type Kind string

const (
	KindReviewReady Kind = "review_ready"
	KindCompleted   Kind = "run_completed"
	KindFailed      Kind = "run_failed"
	KindCancelled   Kind = "run_cancelled"
)

// Channel names accepted in notify.channels.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
)

// Event is the payload sent to every channel.
type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier delivers events. Delivery failures are returned, never retried.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// New builds the notifier for the configured channels. No channels yields a no-op notifier.
func New(cfg config.NotifyConfig, log *slog.Logger) (Notifier, error) {
	if log == nil {
		log = slog.Default()
	}
	var out multi
	for _, ch := range cfg.Channels {
		switch ch {
		case ChannelLog:
			out = append(out, &logNotifier{log: log})
		case ChannelWebhook:
			if cfg.WebhookURL == "" {
				return nil, errors.New("webhook channel requires a webhook URL")
			}
			out = append(out, NewWebhook(cfg.WebhookURL, nil))
		default:
			return nil, fmt.Errorf("unknown notification channel %q", ch)
		}
	}
	return out, nil
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type logNotifier struct {
	log *slog.Logger
}

func (l *logNotifier) Notify(_ context.Context, e Event) error {
	l.log.Info("run notification", "kind", e.Kind, "run_id", e.RunID, "project_id", e.ProjectID,
		"status", e.Status, "message", e.Message)
	return nil
}

// Webhook posts events as JSON.
type Webhook struct {
	url  string
	http *http.Client
}

// NewWebhook returns a webhook notifier. client may be nil.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, http: client}
}

func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
