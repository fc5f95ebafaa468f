package domain

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RequestStatus represents where a request for quote is in its lifecycle
type RequestStatus string

const (
	RequestDraft      RequestStatus = "DRAFT"
	RequestSent       RequestStatus = "SENT"
	RequestQuoting    RequestStatus = "QUOTING"
	RequestDecision   RequestStatus = "DECISION"
	RequestBooked     RequestStatus = "BOOKED"
	RequestFlown      RequestStatus = "FLOWN"
	RequestReconciled RequestStatus = "RECONCILED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

type Urgency string

const (
	UrgencyStandard  Urgency = "STANDARD"
	UrgencyPriority  Urgency = "PRIORITY"
	UrgencyImmediate Urgency = "IMMEDIATE"
)

var airportPattern = regexp.MustCompile(`^[A-Z0-9]{3,4}$`)

// Leg is one flight segment. Origin and Destination are ICAO (or IATA) codes.
type Leg struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	DepartureAt time.Time `json:"departure_at"`
}

// BudgetBand is the broker's indicative price range, in minor units.
type BudgetBand struct {
	MinMinor int64  `json:"min_minor"`
	MaxMinor int64  `json:"max_minor"`
	Currency string `json:"currency"`
}

// Request is a broker's need for a charter flight.
type Request struct {
	ID       uuid.UUID
	BrokerID string
	Legs     []Leg
	Pax      int
	Budget   BudgetBand
	Urgency  Urgency
	Status   RequestStatus

	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PublishedAt  *time.Time
	BookedAt     *time.Time
	CancelledAt  *time.Time
	CancelReason *string

	Version         int64
	LastReceiptHash string
}

// NewRequestInput carries the broker supplied fields of a new request.
type NewRequestInput struct {
	BrokerID  string
	Legs      []Leg
	Pax       int
	Budget    BudgetBand
	Urgency   Urgency
	ExpiresAt time.Time
}

// NewRequest validates in and returns a Draft request. A zero ExpiresAt
// defaults to the first departure.
func NewRequest(id uuid.UUID, in NewRequestInput, now time.Time) (*Request, error) {
	if in.BrokerID == "" {
		return nil, NewMissingRequiredFieldError("broker_id")
	}
	if len(in.Legs) == 0 {
		return nil, NewMissingRequiredFieldError("route")
	}
	for i, leg := range in.Legs {
		if leg.Origin == "" || leg.Destination == "" {
			return nil, NewMissingRequiredFieldError(fmt.Sprintf("legs[%d] origin and destination", i))
		}
		if !airportPattern.MatchString(leg.Origin) || !airportPattern.MatchString(leg.Destination) {
			return nil, NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("legs[%d] airport codes must be ICAO or IATA", i))
		}
		if leg.Origin == leg.Destination {
			return nil, NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("legs[%d] origin equals destination", i))
		}
		if leg.DepartureAt.IsZero() {
			return nil, NewMissingRequiredFieldError(fmt.Sprintf("legs[%d] departure date", i))
		}
		if i > 0 && leg.DepartureAt.Before(in.Legs[i-1].DepartureAt) {
			return nil, NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("legs[%d] departs before the previous leg", i))
		}
	}
	if in.Pax <= 0 {
		return nil, NewMissingRequiredFieldError("pax")
	}
	if in.Budget.MaxMinor > 0 && in.Budget.MinMinor > in.Budget.MaxMinor {
		return nil, NewValidationError(ErrCodeInvalidInput, "budget minimum exceeds maximum")
	}
	if in.Budget.MinMinor < 0 {
		return nil, NewInvalidAmountError(in.Budget.MinMinor)
	}

	urgency := in.Urgency
	if urgency == "" {
		urgency = UrgencyStandard
	}
	if !slices.Contains([]Urgency{UrgencyStandard, UrgencyPriority, UrgencyImmediate}, urgency) {
		return nil, NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("unknown urgency %q", urgency))
	}

	expiresAt := in.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = in.Legs[0].DepartureAt
	}
	if !expiresAt.After(now) {
		return nil, NewValidationError(ErrCodeInvalidInput, "request expiry must be in the future")
	}

	return &Request{
		ID:        id,
		BrokerID:  in.BrokerID,
		Legs:      slices.Clone(in.Legs),
		Pax:       in.Pax,
		Budget:    in.Budget,
		Urgency:   urgency,
		Status:    RequestDraft,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestDraft:    {RequestSent, RequestCancelled},
	RequestSent:     {RequestQuoting, RequestCancelled},
	RequestQuoting:  {RequestDecision, RequestCancelled},
	RequestDecision: {RequestBooked, RequestCancelled},
	RequestBooked:   {RequestFlown, RequestCancelled},
	RequestFlown:    {RequestReconciled, RequestCancelled},
}

// CanTransitionTo returns nil if the request may move to target.
// Reconciled and Cancelled are terminal.
func (r *Request) CanTransitionTo(target RequestStatus) error {
	if slices.Contains(requestTransitions[r.Status], target) {
		return nil
	}
	return NewInvalidTransitionError("request", r.Status, target)
}

func (r *Request) IsTerminal() bool {
	return r.Status == RequestReconciled || r.Status == RequestCancelled
}

func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EnsureAcceptingQuotes returns a StateError unless operators may still quote.
func (r *Request) EnsureAcceptingQuotes(now time.Time) error {
	if r.Status != RequestSent && r.Status != RequestQuoting {
		return NewStateError(ErrCodeRequestClosed, fmt.Sprintf("request %s is %s and no longer accepts quotes", r.ID, r.Status))
	}
	if r.IsExpired(now) {
		return NewStateError(ErrCodeRequestExpired, fmt.Sprintf("request %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

func (r *Request) transition(target RequestStatus, now time.Time) error {
	if err := r.CanTransitionTo(target); err != nil {
		return err
	}
	r.Status = target
	r.UpdatedAt = now
	return nil
}

func (r *Request) Publish(now time.Time) error {
	if r.IsExpired(now) {
		return NewStateError(ErrCodeRequestExpired, fmt.Sprintf("request %s expired before it was published", r.ID))
	}
	if err := r.transition(RequestSent, now); err != nil {
		return err
	}
	r.PublishedAt = &now
	return nil
}

func (r *Request) StartQuoting(now time.Time) error {
	return r.transition(RequestQuoting, now)
}

func (r *Request) Decide(now time.Time) error {
	return r.transition(RequestDecision, now)
}

func (r *Request) Book(now time.Time) error {
	if err := r.transition(RequestBooked, now); err != nil {
		return err
	}
	r.BookedAt = &now
	return nil
}

func (r *Request) MarkFlown(now time.Time) error {
	return r.transition(RequestFlown, now)
}

func (r *Request) Reconcile(now time.Time) error {
	return r.transition(RequestReconciled, now)
}

func (r *Request) Cancel(reason string, now time.Time) error {
	if reason == "" {
		return NewMissingRequiredFieldError("cancellation reason")
	}
	if err := r.transition(RequestCancelled, now); err != nil {
		return err
	}
	r.CancelledAt = &now
	r.CancelReason = &reason
	return nil
}
