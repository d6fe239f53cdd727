package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/metrics"
)

// Outbox is the part of the repository the dispatcher needs.
type Outbox interface {
	PendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	RecordDelivery(ctx context.Context, id string, deliveryErr error, maxAttempts int, now string) (domain.NotificationStatus, error)
}

type Dispatcher struct {
	Outbox      Outbox
	Sender      Sender
	BatchSize   int
	MaxAttempts int
	Concurrency int
	Limiter     *rate.Limiter
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewDispatcher(outbox Outbox, sender Sender, cfg config.Notifications, logger *slog.Logger) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Concurrency
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		Outbox:      outbox,
		Sender:      sender,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Concurrency: cfg.Concurrency,
		Limiter:     rate.NewLimiter(limit, burst),
		Logger:      logger,
		Now:         time.Now,
	}
}

type DispatchResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) stamp() string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// DispatchOnce delivers one batch of pending notifications. Delivery errors
// are recorded on the row; only storage errors are returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	pending, err := d.Outbox.PendingNotifications(ctx, d.BatchSize)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		return res, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for _, n := range pending {
		g.Go(func() error {
			if d.Limiter != nil {
				if err := d.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			sendErr := d.Sender.Send(gctx, n)
			st, err := d.Outbox.RecordDelivery(gctx, n.ID, sendErr, d.MaxAttempts, d.stamp())
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case st == domain.NotificationSent:
				res.Sent++
				metrics.Delivery("sent")
			case st == domain.NotificationFailed:
				res.Failed++
				metrics.Delivery("failed")
				d.log().Warn("notification abandoned", "id", n.ID, "recipient", n.Recipient, "attempts", n.Attempts+1, "err", sendErr)
			default:
				res.Retried++
				metrics.Delivery("retry")
				d.log().Debug("notification delivery failed", "id", n.ID, "err", sendErr)
			}
			return nil
		})
	}
	err = g.Wait()
	return res, err
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log().Error("notification dispatch failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
