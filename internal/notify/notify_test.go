package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/domain"
)

func TestWebhookSend(t *testing.T) {
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	n := domain.Notification{ID: "n-1", OrgID: "acme", Recipient: "lead@acme.test", Channel: "email", Subject: "[L1] unit", Priority: "normal", Attempts: 2}
	require.NoError(t, hook.Send(context.Background(), n))

	assert.Equal(t, "n-1", headers.Get("X-Readyline-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Readyline-Secret"))
	assert.Equal(t, "acme", headers.Get("X-Readyline-Org"))
	assert.Equal(t, "lead@acme.test", got.Recipient)
	assert.Equal(t, 3, got.Attempt)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(config.WebhookConfig{URL: srv.URL}).Send(context.Background(), domain.Notification{ID: "n-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n.ID)
	return s.err
}

func TestRouterChannels(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	disabled := false
	fallback := &recordingSender{}
	r := NewRouter(config.Notifications{Webhooks: []config.WebhookConfig{
		{URL: srv.URL, Channels: []string{"slack"}},
		{URL: srv.URL, Enabled: &disabled},
	}}, nil)
	r.Fallback = fallback
	require.Len(t, r.Hooks, 1)

	require.NoError(t, r.Send(context.Background(), domain.Notification{ID: "a", Channel: "slack"}))
	require.NoError(t, r.Send(context.Background(), domain.Notification{ID: "b", Channel: "email"}))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []string{"b"}, fallback.sent)
}

type memOutbox struct {
	mu    sync.Mutex
	rows  map[string]*domain.Notification
	order []string
}

func newOutbox(ids ...string) *memOutbox {
	o := &memOutbox{rows: map[string]*domain.Notification{}}
	for _, id := range ids {
		o.rows[id] = &domain.Notification{ID: id, Channel: "email", Status: domain.NotificationPending}
		o.order = append(o.order, id)
	}
	return o
}

func (o *memOutbox) PendingNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var res []domain.Notification
	for _, id := range o.order {
		if n := o.rows[id]; n.Status == domain.NotificationPending {
			res = append(res, *n)
		}
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (o *memOutbox) RecordDelivery(_ context.Context, id string, deliveryErr error, maxAttempts int, _ string) (domain.NotificationStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.rows[id]
	n.Attempts++
	switch {
	case deliveryErr == nil:
		n.Status = domain.NotificationSent
	case n.Attempts >= maxAttempts:
		n.Status = domain.NotificationFailed
		n.LastError = deliveryErr.Error()
	default:
		n.LastError = deliveryErr.Error()
	}
	return n.Status, nil
}

func TestDispatchOnceDelivers(t *testing.T) {
	outbox := newOutbox("a", "b", "c")
	sender := &recordingSender{}
	d := NewDispatcher(outbox, sender, config.Notifications{BatchSize: 10, MaxAttempts: 3, Concurrency: 2}, nil)

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Sent: 3}, res)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sender.sent)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{}, res, "nothing left pending")
}

func TestDispatchOnceGivesUpAfterMaxAttempts(t *testing.T) {
	outbox := newOutbox("a")
	sender := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(outbox, sender, config.Notifications{BatchSize: 10, MaxAttempts: 2, Concurrency: 1}, nil)

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Retried: 1}, res)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Failed: 1}, res)
	assert.Equal(t, domain.NotificationFailed, outbox.rows["a"].Status)
	assert.Equal(t, "smtp down", outbox.rows["a"].LastError)
}
