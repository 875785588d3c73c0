package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealflow/internal/metrics"
	"dealflow/internal/repo"
)

// Relay drains unpublished outbox rows to a Bus. Delivery is at-least-once:
// rows are marked published only after the bus accepted them.
type Relay struct {
	Repo      repo.Repo
	Bus       Bus
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run polls until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger().Info("event relay started", "interval", interval.String(), "batch_size", r.BatchSize)
	for {
		if _, err := r.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger().Error("event relay batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger().Info("event relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch in id order and returns how many events were published.
// Delivery stops at the first failure so ordering per tenant is preserved; the rest is retried next tick.
func (r Relay) DrainOnce(ctx context.Context) (int, error) {
	start := time.Now()
	evts, err := r.Repo.UnpublishedEvents(ctx, r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished events: %w", err)
	}
	if len(evts) == 0 {
		return 0, nil
	}
	defer func() { metrics.RelayBatchDuration.Observe(time.Since(start).Seconds()) }()

	delivered := make([]int64, 0, len(evts))
	var deliverErr error
	for _, evt := range evts {
		msg, err := NewMessage(evt)
		if err != nil {
			deliverErr = fmt.Errorf("encode event %d: %w", evt.ID, err)
			break
		}
		if err := r.Bus.Emit(ctx, msg); err != nil {
			deliverErr = fmt.Errorf("deliver event %d (%s): %w", evt.ID, evt.Type, err)
			break
		}
		metrics.EventsDelivered.WithLabelValues(evt.Type).Inc()
		delivered = append(delivered, evt.ID)
	}
	if deliverErr != nil {
		metrics.EventsFailed.Add(float64(len(evts) - len(delivered)))
	}
	if err := r.Repo.MarkEventsPublished(ctx, delivered, repo.FormatTime(r.now())); err != nil {
		return 0, fmt.Errorf("mark events published: %w", err)
	}
	if len(delivered) > 0 {
		r.logger().Debug("event relay delivered batch", "count", len(delivered))
	}
	return len(delivered), deliverErr
}
