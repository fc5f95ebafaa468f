package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
)

// OutboxRelay delivers events enqueued in the same transaction as the state
// change that produced them. Delivery is at least once.
type OutboxRelay struct {
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewOutboxRelay(
	outbox ports.OutboxRepository,
	publisher ports.EventPublisher,
	m *metrics.Metrics,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		outbox:    outbox,
		publisher: publisher,
		metrics:   m,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (r *OutboxRelay) Start(ctx context.Context) error {
	return runEvery(ctx, "outbox relay", r.interval, r.logger, r.RunOnce)
}

// RunOnce publishes one batch. The batch is sent in a single call first; if
// that fails each message is retried alone so one bad event cannot hold back
// unrelated negotiations. Once a message fails, later messages with the same
// correlation id stay queued to keep per-negotiation order.
func (r *OutboxRelay) RunOnce(ctx context.Context) error {
	msgs, err := r.outbox.FetchPendingEvents(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("fetch pending events: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]int64, len(msgs))
	events := make([]domain.Event, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		events[i] = m.Event
	}
	err = r.publisher.Publish(ctx, events...)
	if err == nil {
		return r.delivered(ctx, ids)
	}
	r.logger.Warn("batch publish failed, falling back to single events", "count", len(msgs), "error", err)

	blocked := make(map[string]bool)
	var ok []int64
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if blocked[m.Event.CorrelationID] {
			continue
		}
		if err := r.publisher.Publish(ctx, m.Event); err != nil {
			blocked[m.Event.CorrelationID] = true
			r.metrics.IncEventsFailed()
			r.logger.Error("event delivery failed",
				"outbox_id", m.ID, "event_id", m.Event.ID, "type", m.Event.Type, "attempts", m.Attempts+1, "error", err)
			if markErr := r.outbox.MarkEventFailed(ctx, m.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to record delivery failure", "outbox_id", m.ID, "error", markErr)
			}
			continue
		}
		ok = append(ok, m.ID)
	}
	if len(ok) == 0 {
		return nil
	}
	return r.delivered(ctx, ok)
}

func (r *OutboxRelay) delivered(ctx context.Context, ids []int64) error {
	if err := r.outbox.MarkEventsDelivered(ctx, ids); err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	r.metrics.AddEventsPublished(len(ids))
	return nil
}
