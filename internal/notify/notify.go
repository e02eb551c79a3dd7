// Package notify is the outbound notification port and its adapters.
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
	"sync"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	ApprovalRequested   Kind = "approval_requested"
	DeploymentStarted   Kind = "deployment_started"
	DeploymentSucceeded Kind = "deployment_succeeded"
	DeploymentFailed    Kind = "deployment_failed"
	PipelineHalted      Kind = "pipeline_halted"
	OperatorAlert       Kind = "operator_alert"
)

// Notification is a message request. Payload is opaque structured data; the
// receiving transport decides how to render it.
type Notification struct {
	Channel string         `json:"channel"`
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Kind == OperatorAlert || n.Kind == DeploymentFailed {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", string(n.Kind), "channel", n.Channel}
	for k, v := range n.Payload {
		attrs = append(attrs, k, v)
	}
	logger.Log(ctx, level, "notification", attrs...)
	return nil
}

// Webhook posts notifications as JSON to a chat incoming-webhook URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a Webhook with a bounded HTTP timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s notification: %w", n.Kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s notification: status %d", n.Kind, resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier. All are attempted; the
// errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	// Err, when set, is returned from every Notify after recording.
	Err error
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Kinds returns the kinds of the recorded notifications in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.sent))
	for i, n := range r.sent {
		kinds[i] = n.Kind
	}
	return kinds
}

// Count returns how many notifications of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, n := range r.sent {
		if n.Kind == k {
			c++
		}
	}
	return c
}
