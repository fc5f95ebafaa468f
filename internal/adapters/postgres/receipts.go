package postgres

import (
	"context"
	"fmt"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/jackc/pgx/v5"
)

// AppendReceipt inserts only. The table trigger rejects UPDATE and DELETE.
func (s *Store) AppendReceipt(ctx context.Context, r audit.Receipt) error {
	query := `INSERT INTO audit_receipts (transaction_id, hash, correlation_id, entity_type, entity_id, action, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.q.Exec(ctx, query,
		r.TransactionID,
		r.Hash,
		r.Payload.CorrelationID,
		r.Payload.EntityType,
		r.Payload.EntityID,
		r.Payload.Action,
		r.Payload,
	)
	if err != nil {
		return mapWriteError(err, "receipt", r.TransactionID.String())
	}
	return nil
}

// FindReceiptsByCorrelationID returns receipts in recording order.
func (s *Store) FindReceiptsByCorrelationID(ctx context.Context, correlationID string) ([]audit.Receipt, error) {
	query := `SELECT transaction_id, hash, payload FROM audit_receipts WHERE correlation_id = $1 ORDER BY seq`

	rows, err := s.q.Query(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query receipts by correlation_id: %w", err)
	}
	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Receipt, error) {
		var r audit.Receipt
		err := row.Scan(&r.TransactionID, &r.Hash, &r.Payload)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipts: %w", err)
	}
	for i := range receipts {
		receipts[i].Payload.OccurredAt = receipts[i].Payload.OccurredAt.UTC()
	}
	return receipts, nil
}

// EnqueueEvents writes the batch in one round trip.
func (s *Store) EnqueueEvents(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	query := `INSERT INTO outbox_events (event_id, event_type, entity_id, correlation_id, occurred_at, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, e := range events {
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		batch.Queue(query, e.ID, e.Type, e.EntityID, e.CorrelationID, e.OccurredAt, attrs)
	}
	if err := s.q.SendBatch(ctx, batch).Close(); err != nil {
		return mapWriteError(err, "event", events[0].ID.String())
	}
	return nil
}

func (s *Store) FetchPendingEvents(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	query := `
		SELECT id, event_id, event_type, entity_id, correlation_id, occurred_at, attributes,
			attempts, last_error, created_at
		FROM outbox_events
		WHERE delivered_at IS NULL
		ORDER BY id
		LIMIT $1`

	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ports.OutboxMessage, error) {
		var m ports.OutboxMessage
		err := row.Scan(
			&m.ID,
			&m.Event.ID,
			&m.Event.Type,
			&m.Event.EntityID,
			&m.Event.CorrelationID,
			&m.Event.OccurredAt,
			&m.Event.Attributes,
			&m.Attempts,
			&m.LastError,
			&m.CreatedAt,
		)
		if len(m.Event.Attributes) == 0 {
			m.Event.Attributes = nil
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return msgs, nil
}

func (s *Store) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `UPDATE outbox_events SET delivered_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events delivered: %w", err)
	}
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.q.Exec(ctx, `UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE id = $2`, cause, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %d failed: %w", id, err)
	}
	return nil
}
