package domain

import (
	"time"

	"github.com/google/uuid"
)

type DealStatus string

const (
	DealBooked     DealStatus = "BOOKED"
	DealFlown      DealStatus = "FLOWN"
	DealReconciled DealStatus = "RECONCILED"
	DealCancelled  DealStatus = "CANCELLED"
)

// Deal binds an accepted quote to its request and escrow hold.
type Deal struct {
	ID         uuid.UUID
	RequestID  uuid.UUID
	QuoteID    uuid.UUID
	HoldID     uuid.UUID
	BrokerID   string
	OperatorID string
	Price      Money
	Status     DealStatus

	BookedAt     time.Time
	FlownAt      *time.Time
	ReconciledAt *time.Time
	CancelledAt  *time.Time

	Version         int64
	LastReceiptHash string
}

func NewDeal(id uuid.UUID, req *Request, quote *Quote, holdID uuid.UUID, now time.Time) *Deal {
	return &Deal{
		ID:         id,
		RequestID:  req.ID,
		QuoteID:    quote.ID,
		HoldID:     holdID,
		BrokerID:   req.BrokerID,
		OperatorID: quote.OperatorID,
		Price:      quote.Price,
		Status:     DealBooked,
		BookedAt:   now,
	}
}

func (d *Deal) MarkFlown(now time.Time) error {
	if d.Status != DealBooked {
		return NewInvalidTransitionError("deal", d.Status, DealFlown)
	}
	d.Status = DealFlown
	d.FlownAt = &now
	return nil
}

func (d *Deal) Reconcile(now time.Time) error {
	if d.Status != DealFlown {
		return NewInvalidTransitionError("deal", d.Status, DealReconciled)
	}
	d.Status = DealReconciled
	d.ReconciledAt = &now
	return nil
}

func (d *Deal) Cancel(now time.Time) error {
	if d.Status == DealReconciled || d.Status == DealCancelled {
		return NewInvalidTransitionError("deal", d.Status, DealCancelled)
	}
	d.Status = DealCancelled
	d.CancelledAt = &now
	return nil
}
