// Package notify delivers escalation notifications from the outbox table.
// Escalations only enqueue rows; delivery happens here, out of band, so a
// failing channel never rolls back or blocks an escalation.
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
	"strings"
	"time"

	"readyline/internal/config"
	"readyline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// LogSender writes notifications to the log. It is the fallback when no
// webhook accepts a channel.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", n.ID,
		"recipient", n.Recipient,
		"channel", n.Channel,
		"priority", n.Priority,
		"subject", n.Subject)
	return nil
}

type Webhook struct {
	cfg      config.WebhookConfig
	client   *http.Client
	channels map[string]struct{}
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	w := &Webhook{cfg: cfg, client: &http.Client{Timeout: timeout}}
	for _, c := range cfg.Channels {
		if c = strings.TrimSpace(c); c != "" {
			if w.channels == nil {
				w.channels = map[string]struct{}{}
			}
			w.channels[c] = struct{}{}
		}
	}
	return w
}

// Accepts reports whether the hook subscribes to channel. A hook with no
// channels takes everything.
func (w *Webhook) Accepts(channel string) bool {
	if len(w.channels) == 0 {
		return true
	}
	_, ok := w.channels[channel]
	return ok
}

type webhookBody struct {
	ID           string            `json:"id"`
	OrgID        string            `json:"org_id"`
	EscalationID string            `json:"escalation_id,omitempty"`
	Recipient    string            `json:"recipient"`
	Channel      string            `json:"channel"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	Priority     string            `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	Attempt      int               `json:"attempt"`
}

func (w *Webhook) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(webhookBody{
		ID:           n.ID,
		OrgID:        n.OrgID,
		EscalationID: n.EscalationID,
		Recipient:    n.Recipient,
		Channel:      n.Channel,
		Subject:      n.Subject,
		Body:         n.Body,
		Priority:     n.Priority,
		Metadata:     n.Metadata,
		CreatedAt:    n.CreatedAt,
		Attempt:      n.Attempts + 1,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Readyline-Delivery", n.ID)
	req.Header.Set("X-Readyline-Channel", n.Channel)
	req.Header.Set("X-Readyline-Priority", n.Priority)
	req.Header.Set("X-Readyline-Org", n.OrgID)
	if strings.TrimSpace(w.cfg.Secret) != "" {
		req.Header.Set("X-Readyline-Secret", w.cfg.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.cfg.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Router sends each notification to every webhook that accepts its channel
// and falls back when none does.
type Router struct {
	Hooks    []*Webhook
	Fallback Sender
}

func NewRouter(cfg config.Notifications, logger *slog.Logger) Router {
	r := Router{Fallback: LogSender{Logger: logger}}
	for _, h := range cfg.Webhooks {
		if !h.IsEnabled() || strings.TrimSpace(h.URL) == "" {
			continue
		}
		r.Hooks = append(r.Hooks, NewWebhook(h))
	}
	return r
}

func (r Router) Send(ctx context.Context, n domain.Notification) error {
	var errs []error
	matched := false
	for _, h := range r.Hooks {
		if !h.Accepts(n.Channel) {
			continue
		}
		matched = true
		if err := h.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if !matched && r.Fallback != nil {
		return r.Fallback.Send(ctx, n)
	}
	return errors.Join(errs...)
}
