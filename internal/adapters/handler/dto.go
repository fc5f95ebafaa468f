package handler

import (
	"net/http"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/google/uuid"
)

type RequestView struct {
	ID           uuid.UUID            `json:"id"`
	BrokerID     string               `json:"broker_id"`
	Legs         []domain.Leg         `json:"legs"`
	Pax          int                  `json:"pax"`
	Budget       domain.BudgetBand    `json:"budget"`
	Urgency      domain.Urgency       `json:"urgency"`
	Status       domain.RequestStatus `json:"status"`
	ExpiresAt    time.Time            `json:"expires_at"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	PublishedAt  *time.Time           `json:"published_at,omitempty"`
	BookedAt     *time.Time           `json:"booked_at,omitempty"`
	CancelledAt  *time.Time           `json:"cancelled_at,omitempty"`
	CancelReason *string              `json:"cancel_reason,omitempty"`
	Version      int64                `json:"version"`
	ReceiptHash  string               `json:"last_receipt_hash,omitempty"`
}

func toRequestView(r *domain.Request) RequestView {
	return RequestView{
		ID:           r.ID,
		BrokerID:     r.BrokerID,
		Legs:         r.Legs,
		Pax:          r.Pax,
		Budget:       r.Budget,
		Urgency:      r.Urgency,
		Status:       r.Status,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		PublishedAt:  r.PublishedAt,
		BookedAt:     r.BookedAt,
		CancelledAt:  r.CancelledAt,
		CancelReason: r.CancelReason,
		Version:      r.Version,
		ReceiptHash:  r.LastReceiptHash,
	}
}

type QuoteView struct {
	ID              uuid.UUID          `json:"id"`
	RequestID       uuid.UUID          `json:"request_id"`
	OperatorID      string             `json:"operator_id"`
	Price           domain.Money       `json:"price"`
	ValidFrom       time.Time          `json:"valid_from"`
	ValidUntil      time.Time          `json:"valid_until"`
	AircraftRef     string             `json:"aircraft_ref"`
	Notes           string             `json:"notes,omitempty"`
	Status          domain.QuoteStatus `json:"status"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	AcceptedAt      *time.Time         `json:"accepted_at,omitempty"`
	RejectedAt      *time.Time         `json:"rejected_at,omitempty"`
	RejectionReason *string            `json:"rejection_reason,omitempty"`
	Version         int64              `json:"version"`
}

func toQuoteView(q *domain.Quote) QuoteView {
	return QuoteView{
		ID:              q.ID,
		RequestID:       q.RequestID,
		OperatorID:      q.OperatorID,
		Price:           q.Price,
		ValidFrom:       q.ValidFrom,
		ValidUntil:      q.ValidUntil,
		AircraftRef:     q.AircraftRef,
		Notes:           q.Notes,
		Status:          q.Status,
		SubmittedAt:     q.SubmittedAt,
		AcceptedAt:      q.AcceptedAt,
		RejectedAt:      q.RejectedAt,
		RejectionReason: q.RejectionReason,
		Version:         q.Version,
	}
}

type DealView struct {
	ID           uuid.UUID         `json:"id"`
	RequestID    uuid.UUID         `json:"request_id"`
	QuoteID      uuid.UUID         `json:"quote_id"`
	HoldID       uuid.UUID         `json:"hold_id"`
	BrokerID     string            `json:"broker_id"`
	OperatorID   string            `json:"operator_id"`
	Price        domain.Money      `json:"price"`
	Status       domain.DealStatus `json:"status"`
	BookedAt     time.Time         `json:"booked_at"`
	FlownAt      *time.Time        `json:"flown_at,omitempty"`
	ReconciledAt *time.Time        `json:"reconciled_at,omitempty"`
	CancelledAt  *time.Time        `json:"cancelled_at,omitempty"`
	Version      int64             `json:"version"`
}

func toDealView(d *domain.Deal) DealView {
	return DealView{
		ID:           d.ID,
		RequestID:    d.RequestID,
		QuoteID:      d.QuoteID,
		HoldID:       d.HoldID,
		BrokerID:     d.BrokerID,
		OperatorID:   d.OperatorID,
		Price:        d.Price,
		Status:       d.Status,
		BookedAt:     d.BookedAt,
		FlownAt:      d.FlownAt,
		ReconciledAt: d.ReconciledAt,
		CancelledAt:  d.CancelledAt,
		Version:      d.Version,
	}
}

type HoldView struct {
	ID                   uuid.UUID                `json:"id"`
	DealID               uuid.UUID                `json:"deal_id"`
	RequestID            uuid.UUID                `json:"request_id"`
	PayerID              string                   `json:"payer_id"`
	PayeeID              string                   `json:"payee_id"`
	Amount               domain.Money             `json:"amount"`
	Status               domain.HoldStatus        `json:"status"`
	Conditions           domain.ReleaseConditions `json:"conditions"`
	Outstanding          []domain.Condition       `json:"outstanding_conditions"`
	PendingAuthorization *domain.Authorization    `json:"pending_authorization,omitempty"`
	InFlight             *domain.Transfer         `json:"transfer_in_flight,omitempty"`
	BlockReason          *string                  `json:"block_reason,omitempty"`
	DisputeReason        *string                  `json:"dispute_reason,omitempty"`
	DisputeEvidence      []string                 `json:"dispute_evidence,omitempty"`
	ResolutionNote       *string                  `json:"resolution_note,omitempty"`
	RailReference        *string                  `json:"rail_reference,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
	Version              int64                    `json:"version"`
}

func toHoldView(h *domain.EscrowHold, now time.Time) HoldView {
	outstanding := h.Conditions.Outstanding(now)
	if outstanding == nil {
		outstanding = []domain.Condition{}
	}
	return HoldView{
		ID:                   h.ID,
		DealID:               h.DealID,
		RequestID:            h.RequestID,
		PayerID:              h.PayerID,
		PayeeID:              h.PayeeID,
		Amount:               h.Amount,
		Status:               h.Status,
		Conditions:           h.Conditions,
		Outstanding:          outstanding,
		PendingAuthorization: h.PendingAuthorization,
		InFlight:             h.InFlight,
		BlockReason:          h.BlockReason,
		DisputeReason:        h.DisputeReason,
		DisputeEvidence:      h.DisputeEvidence,
		ResolutionNote:       h.ResolutionNote,
		RailReference:        h.RailReference,
		CreatedAt:            h.CreatedAt,
		UpdatedAt:            h.UpdatedAt,
		Version:              h.Version,
	}
}

type OutcomeView struct {
	Outcome  service.OutcomeKind        `json:"outcome"`
	Hold     HoldView                   `json:"hold"`
	Decision *domain.ComplianceDecision `json:"decision,omitempty"`
}

func toOutcomeView(o *service.EscrowOutcome, now time.Time) OutcomeView {
	return OutcomeView{Outcome: o.Kind, Hold: toHoldView(o.Hold, now), Decision: o.Decision}
}

// outcomeStatus is 202 while the release is not yet final.
func outcomeStatus(kind service.OutcomeKind) int {
	switch kind {
	case service.OutcomeAwaitingSecondAuthorization, service.OutcomeTransferPending:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
