package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRequestPublished EventType = "request.published"
	EventRequestCancelled EventType = "request.cancelled"
	EventQuoteSubmitted   EventType = "quote.submitted"
	EventQuoteAccepted    EventType = "quote.accepted"
	EventDealBooked       EventType = "deal.booked"
	EventDealFlown        EventType = "deal.flown"
	EventDealReconciled   EventType = "deal.reconciled"
	EventHoldOpened       EventType = "hold.opened"
	EventHoldReleased     EventType = "hold.released"
	EventHoldRefunded     EventType = "hold.refunded"
	EventHoldDisputed     EventType = "hold.disputed"
)

// Event is a domain event. CorrelationID is the request the negotiation
// hangs off, so consumers can partition by it.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Type          EventType         `json:"type"`
	EntityID      string            `json:"entity_id"`
	CorrelationID string            `json:"correlation_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

func NewEvent(t EventType, entityID, correlationID uuid.UUID, at time.Time, attrs map[string]string) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		EntityID:      entityID.String(),
		CorrelationID: correlationID.String(),
		OccurredAt:    at,
		Attributes:    attrs,
	}
}
