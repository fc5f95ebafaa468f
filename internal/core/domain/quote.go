package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type QuoteStatus string

const (
	QuotePending  QuoteStatus = "PENDING"
	QuoteAccepted QuoteStatus = "ACCEPTED"
	QuoteRejected QuoteStatus = "REJECTED"
)

// QuoteTerms are the operator supplied fields of a quote.
type QuoteTerms struct {
	Price       Money
	ValidFrom   time.Time
	ValidUntil  time.Time
	AircraftRef string
	Notes       string
}

// Quote is one operator's binding offer on a request.
type Quote struct {
	ID          uuid.UUID
	RequestID   uuid.UUID
	OperatorID  string
	Price       Money
	ValidFrom   time.Time
	ValidUntil  time.Time
	AircraftRef string
	Notes       string
	Status      QuoteStatus

	SubmittedAt     time.Time
	AcceptedAt      *time.Time
	RejectedAt      *time.Time
	RejectionReason *string

	Version         int64
	LastReceiptHash string
}

func NewQuote(id, requestID uuid.UUID, operatorID string, terms QuoteTerms, now time.Time) (*Quote, error) {
	if operatorID == "" {
		return nil, NewMissingRequiredFieldError("operator_id")
	}
	if err := terms.Price.Validate(); err != nil {
		return nil, err
	}
	if terms.AircraftRef == "" {
		return nil, NewMissingRequiredFieldError("aircraft reference")
	}
	validFrom := terms.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if terms.ValidUntil.IsZero() {
		return nil, NewMissingRequiredFieldError("valid_until")
	}
	if !terms.ValidUntil.After(validFrom) {
		return nil, NewValidationError(ErrCodeInvalidInput, "quote validity window is inverted")
	}
	if !terms.ValidUntil.After(now) {
		return nil, NewValidationError(ErrCodeInvalidInput, "quote validity has already ended")
	}

	return &Quote{
		ID:          id,
		RequestID:   requestID,
		OperatorID:  operatorID,
		Price:       terms.Price,
		ValidFrom:   validFrom,
		ValidUntil:  terms.ValidUntil,
		AircraftRef: terms.AircraftRef,
		Notes:       terms.Notes,
		Status:      QuotePending,
		SubmittedAt: now,
	}, nil
}

func (q *Quote) IsValidAt(now time.Time) bool {
	return !now.Before(q.ValidFrom) && now.Before(q.ValidUntil)
}

// Accept moves a pending, currently valid quote to Accepted.
func (q *Quote) Accept(now time.Time) error {
	if q.Status != QuotePending {
		return NewInvalidTransitionError("quote", q.Status, QuoteAccepted)
	}
	if !q.IsValidAt(now) {
		return NewStateError(ErrCodeQuoteExpired, fmt.Sprintf("quote %s is valid from %s until %s",
			q.ID, q.ValidFrom.Format(time.RFC3339), q.ValidUntil.Format(time.RFC3339)))
	}
	q.Status = QuoteAccepted
	q.AcceptedAt = &now
	return nil
}

func (q *Quote) Reject(reason string, now time.Time) error {
	if q.Status != QuotePending {
		return NewInvalidTransitionError("quote", q.Status, QuoteRejected)
	}
	q.Status = QuoteRejected
	q.RejectedAt = &now
	q.RejectionReason = &reason
	return nil
}
