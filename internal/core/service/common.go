package service

import (
	"context"
	"strconv"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/DanielPopoola/charterdesk/internal/core/service")

// RetryOnConflict runs op and, if it lost an optimistic-concurrency race,
// runs it exactly once more so it re-reads the winner's state.
func RetryOnConflict[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	v, err := op(ctx)
	if domain.IsKind(err, domain.KindConflict) && ctx.Err() == nil {
		return op(ctx)
	}
	return v, err
}

// appendReceipt hashes p, stores the receipt and returns the hash so the
// caller can persist it on the entity.
func appendReceipt(ctx context.Context, repo ports.Repository, p audit.Payload) (string, error) {
	r, err := audit.Generate(p)
	if err != nil {
		return "", err
	}
	if err := repo.AppendReceipt(ctx, r); err != nil {
		return "", err
	}
	return r.Hash, nil
}

func requestPayload(r *domain.Request, action string, from domain.RequestStatus, actorID string, now time.Time) audit.Payload {
	attrs := map[string]string{
		"broker_id": r.BrokerID,
		"pax":       strconv.Itoa(r.Pax),
		"legs":      strconv.Itoa(len(r.Legs)),
	}
	if r.CancelReason != nil {
		attrs["cancel_reason"] = *r.CancelReason
	}
	return audit.Payload{
		EntityType:    "request",
		EntityID:      r.ID.String(),
		CorrelationID: r.ID.String(),
		Action:        action,
		FromStatus:    string(from),
		ToStatus:      string(r.Status),
		ActorID:       actorID,
		Attributes:    attrs,
		OccurredAt:    now,
	}
}

func quotePayload(q *domain.Quote, action string, from domain.QuoteStatus, actorID string, now time.Time) audit.Payload {
	amount := q.Price.AmountMinor
	p := audit.Payload{
		EntityType:    "quote",
		EntityID:      q.ID.String(),
		CorrelationID: q.RequestID.String(),
		Action:        action,
		FromStatus:    string(from),
		ToStatus:      string(q.Status),
		ActorID:       actorID,
		AmountMinor:   &amount,
		Currency:      q.Price.Currency,
		Attributes: map[string]string{
			"operator_id":  q.OperatorID,
			"aircraft_ref": q.AircraftRef,
			"valid_until":  q.ValidUntil.UTC().Format(time.RFC3339),
		},
		OccurredAt: now,
	}
	if q.RejectionReason != nil {
		p.Reason = *q.RejectionReason
	}
	return p
}

func dealPayload(d *domain.Deal, action string, from domain.DealStatus, actorID string, now time.Time) audit.Payload {
	amount := d.Price.AmountMinor
	return audit.Payload{
		EntityType:    "deal",
		EntityID:      d.ID.String(),
		CorrelationID: d.RequestID.String(),
		Action:        action,
		FromStatus:    string(from),
		ToStatus:      string(d.Status),
		ActorID:       actorID,
		AmountMinor:   &amount,
		Currency:      d.Price.Currency,
		Attributes: map[string]string{
			"quote_id":    d.QuoteID.String(),
			"hold_id":     d.HoldID.String(),
			"operator_id": d.OperatorID,
		},
		OccurredAt: now,
	}
}

// holdPayload describes a hold transition or money-movement attempt. For
// failed and blocked attempts ToStatus is the unchanged current status.
func holdPayload(h *domain.EscrowHold, action string, from domain.HoldStatus, actorID string, outcome audit.Outcome, reason string, attrs map[string]string, now time.Time) audit.Payload {
	amount := h.Amount.AmountMinor
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["payer_id"] = h.PayerID
	attrs["payee_id"] = h.PayeeID
	attrs["deal_id"] = h.DealID.String()
	return audit.Payload{
		EntityType:    "escrow_hold",
		EntityID:      h.ID.String(),
		CorrelationID: h.RequestID.String(),
		Action:        action,
		FromStatus:    string(from),
		ToStatus:      string(h.Status),
		ActorID:       actorID,
		Outcome:       outcome,
		Reason:        reason,
		AmountMinor:   &amount,
		Currency:      h.Amount.Currency,
		Attributes:    attrs,
		OccurredAt:    now,
	}
}
