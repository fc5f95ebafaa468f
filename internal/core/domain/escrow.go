package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// HoldStatus represents the custody state of escrowed funds
type HoldStatus string

const (
	HoldInitiated HoldStatus = "INITIATED"
	HoldHeld      HoldStatus = "HELD"
	HoldReleased  HoldStatus = "RELEASED"
	HoldRefunded  HoldStatus = "REFUNDED"
	HoldDisputed  HoldStatus = "DISPUTED"
)

// DisputeReasonRailFailure marks holds moved to Disputed because the rail could not settle a transfer.
const DisputeReasonRailFailure = "RAIL_FAILURE_PENDING_REVIEW"

// Condition is one item of the release checklist.
type Condition string

const (
	ConditionFlightCompleted       Condition = "FLIGHT_COMPLETED"
	ConditionDisputeWindowElapsed  Condition = "DISPUTE_WINDOW_ELAPSED"
	ConditionPayeeConfirmed        Condition = "PAYEE_CONFIRMED"
	ConditionDocumentationAttached Condition = "DOCUMENTATION_ATTACHED"
)

// ReleaseConditions is the checklist that must be complete before release.
type ReleaseConditions struct {
	FlightCompletedAt       *time.Time `json:"flight_completed_at,omitempty"`
	DisputeWindowEndsAt     *time.Time `json:"dispute_window_ends_at,omitempty"`
	PayeeConfirmedAt        *time.Time `json:"payee_confirmed_at,omitempty"`
	PayeeConfirmedBy        string     `json:"payee_confirmed_by,omitempty"`
	DocumentationAttachedAt *time.Time `json:"documentation_attached_at,omitempty"`
	DocumentationRefs       []string   `json:"documentation_refs,omitempty"`
}

// Outstanding lists the conditions not yet met at now.
func (c ReleaseConditions) Outstanding(now time.Time) []Condition {
	var missing []Condition
	if c.FlightCompletedAt == nil {
		missing = append(missing, ConditionFlightCompleted)
	}
	if c.DisputeWindowEndsAt == nil || now.Before(*c.DisputeWindowEndsAt) {
		missing = append(missing, ConditionDisputeWindowElapsed)
	}
	if c.PayeeConfirmedAt == nil {
		missing = append(missing, ConditionPayeeConfirmed)
	}
	if c.DocumentationAttachedAt == nil {
		missing = append(missing, ConditionDocumentationAttached)
	}
	return missing
}

// Authorization is the first half of a dual-control release.
type Authorization struct {
	ActorID      string    `json:"actor_id"`
	AuthorizedAt time.Time `json:"authorized_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *Authorization) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Transfer is a rail call that has been started but not settled.
type Transfer struct {
	Kind           TransferKind `json:"kind"`
	Attempt        int          `json:"attempt"`
	IdempotencyKey string       `json:"idempotency_key"`
	ActorID        string       `json:"actor_id"`
	StartedAt      time.Time    `json:"started_at"`
	RailReference  string       `json:"rail_reference,omitempty"`
}

// EscrowHold is the custody record for one deal. Amount is fixed at
// creation; only status, checklist, authorization and audit state change.
type EscrowHold struct {
	ID        uuid.UUID
	DealID    uuid.UUID
	RequestID uuid.UUID
	PayerID   string
	PayeeID   string
	Amount    Money
	Status    HoldStatus

	Conditions           ReleaseConditions
	PendingAuthorization *Authorization
	InFlight             *Transfer
	TransferAttempts     int
	BlockReason          *string
	DisputeReason        *string
	DisputeEvidence      []string
	ResolutionNote       *string
	RailReference        *string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	HeldAt     *time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
	DisputedAt *time.Time

	Version         int64
	LastReceiptHash string
}

func NewHold(id uuid.UUID, deal *Deal, now time.Time) *EscrowHold {
	return &EscrowHold{
		ID:        id,
		DealID:    deal.ID,
		RequestID: deal.RequestID,
		PayerID:   deal.BrokerID,
		PayeeID:   deal.OperatorID,
		Amount:    deal.Price,
		Status:    HoldInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

var holdTransitions = map[HoldStatus][]HoldStatus{
	HoldInitiated: {HoldHeld},
	HoldHeld:      {HoldReleased, HoldRefunded, HoldDisputed},
	HoldDisputed:  {HoldReleased, HoldRefunded},
}

func (h *EscrowHold) CanTransitionTo(target HoldStatus) error {
	if slices.Contains(holdTransitions[h.Status], target) {
		return nil
	}
	return NewInvalidTransitionError("escrow hold", h.Status, target)
}

func (h *EscrowHold) IsSettled() bool {
	return h.Status == HoldReleased || h.Status == HoldRefunded
}

func (h *EscrowHold) transition(target HoldStatus, now time.Time) error {
	if err := h.CanTransitionTo(target); err != nil {
		return err
	}
	h.Status = target
	h.UpdatedAt = now
	return nil
}

// Open moves the hold to Held once funds are in custody.
func (h *EscrowHold) Open(now time.Time) error {
	if err := h.Amount.Validate(); err != nil {
		return err
	}
	if err := h.transition(HoldHeld, now); err != nil {
		return err
	}
	h.HeldAt = &now
	return nil
}

// RequiresDualControl reports whether the amount is strictly above threshold.
func (h *EscrowHold) RequiresDualControl(thresholdMinor int64) bool {
	return thresholdMinor > 0 && h.Amount.AmountMinor > thresholdMinor
}

// Authorize records actorID's approval. It returns true when a distinct
// actor already holds an unexpired authorization, i.e. the transfer may proceed.
func (h *EscrowHold) Authorize(actorID string, now time.Time, ttl time.Duration) bool {
	if pa := h.PendingAuthorization; pa != nil && !pa.Expired(now) {
		return pa.ActorID != actorID
	}
	h.PendingAuthorization = &Authorization{
		ActorID:      actorID,
		AuthorizedAt: now,
		ExpiresAt:    now.Add(ttl),
	}
	h.UpdatedAt = now
	return false
}

// ExpireAuthorization drops a stale pending authorization. It reports whether one was dropped.
func (h *EscrowHold) ExpireAuthorization(now time.Time) bool {
	if h.PendingAuthorization == nil || !h.PendingAuthorization.Expired(now) {
		return false
	}
	h.PendingAuthorization = nil
	h.UpdatedAt = now
	return true
}

// EnsureNoTransferInFlight returns a StateError while a rail call is unsettled.
func (h *EscrowHold) EnsureNoTransferInFlight() error {
	if h.InFlight != nil {
		return NewStateError(ErrCodeTransferInFlight,
			fmt.Sprintf("hold %s has a %s transfer in flight (%s)", h.ID, h.InFlight.Kind, h.InFlight.IdempotencyKey))
	}
	return nil
}

// BeginTransfer allocates the next attempt and its rail idempotency key.
func (h *EscrowHold) BeginTransfer(kind TransferKind, actorID string, now time.Time) (Transfer, error) {
	if err := h.EnsureNoTransferInFlight(); err != nil {
		return Transfer{}, err
	}
	target := HoldReleased
	if kind == TransferRefund {
		target = HoldRefunded
	}
	if err := h.CanTransitionTo(target); err != nil {
		return Transfer{}, err
	}
	h.TransferAttempts++
	t := Transfer{
		Kind:           kind,
		Attempt:        h.TransferAttempts,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", h.ID, kind, h.TransferAttempts),
		ActorID:        actorID,
		StartedAt:      now,
	}
	h.InFlight = &t
	h.BlockReason = nil
	h.UpdatedAt = now
	return t, nil
}

// MarkTransferPending keeps the transfer in flight with the rail's reference.
func (h *EscrowHold) MarkTransferPending(reference string, now time.Time) {
	if h.InFlight != nil {
		t := *h.InFlight
		t.RailReference = reference
		h.InFlight = &t
	}
	h.UpdatedAt = now
}

// CompleteTransfer settles the in-flight transfer as Released or Refunded.
func (h *EscrowHold) CompleteTransfer(reference string, now time.Time) error {
	if h.InFlight == nil {
		return NewStateError(ErrCodeInvalidTransition, fmt.Sprintf("hold %s has no transfer in flight", h.ID))
	}
	target := HoldReleased
	if h.InFlight.Kind == TransferRefund {
		target = HoldRefunded
	}
	if err := h.transition(target, now); err != nil {
		return err
	}
	if target == HoldReleased {
		h.ReleasedAt = &now
	} else {
		h.RefundedAt = &now
	}
	h.RailReference = &reference
	h.InFlight = nil
	h.PendingAuthorization = nil
	h.BlockReason = nil
	return nil
}

// FailTransfer records a rail failure. A Held hold moves to Disputed pending
// review; a Disputed hold stays Disputed with the reason updated.
func (h *EscrowHold) FailTransfer(now time.Time) error {
	h.InFlight = nil
	h.PendingAuthorization = nil
	reason := DisputeReasonRailFailure
	h.DisputeReason = &reason
	h.UpdatedAt = now
	if h.Status == HoldDisputed {
		return nil
	}
	if err := h.transition(HoldDisputed, now); err != nil {
		return err
	}
	h.DisputedAt = &now
	return nil
}

func (h *EscrowHold) Dispute(reason string, evidence []string, now time.Time) error {
	if reason == "" {
		return NewMissingRequiredFieldError("dispute reason")
	}
	if h.Status != HoldHeld {
		return NewInvalidTransitionError("escrow hold", h.Status, HoldDisputed)
	}
	if err := h.EnsureNoTransferInFlight(); err != nil {
		return err
	}
	if err := h.transition(HoldDisputed, now); err != nil {
		return err
	}
	h.DisputeReason = &reason
	h.DisputeEvidence = slices.Clone(evidence)
	h.DisputedAt = &now
	h.PendingAuthorization = nil
	return nil
}

// Block records why the gate denied a money movement. Status is unchanged.
func (h *EscrowHold) Block(reason string, now time.Time) {
	h.BlockReason = &reason
	h.UpdatedAt = now
}

// CompleteFlight ticks the flight condition and starts the dispute window.
func (h *EscrowHold) CompleteFlight(now time.Time, disputeWindow time.Duration) {
	ends := now.Add(disputeWindow)
	h.Conditions.FlightCompletedAt = &now
	h.Conditions.DisputeWindowEndsAt = &ends
	h.UpdatedAt = now
}

// Confirm ticks a manually confirmed condition.
func (h *EscrowHold) Confirm(cond Condition, actor Actor, refs []string, now time.Time) error {
	if h.Status != HoldHeld {
		return NewStateError(ErrCodeInvalidTransition, fmt.Sprintf("conditions can only change while the hold is HELD, hold %s is %s", h.ID, h.Status))
	}
	switch cond {
	case ConditionPayeeConfirmed:
		if actor.ID != h.PayeeID && !actor.IsAdmin() {
			return NewForbiddenError("only the payee or an admin can confirm the payee condition")
		}
		h.Conditions.PayeeConfirmedAt = &now
		h.Conditions.PayeeConfirmedBy = actor.ID
	case ConditionDocumentationAttached:
		if len(refs) == 0 {
			return NewMissingRequiredFieldError("documentation references")
		}
		h.Conditions.DocumentationAttachedAt = &now
		h.Conditions.DocumentationRefs = append(slices.Clone(h.Conditions.DocumentationRefs), refs...)
	case ConditionFlightCompleted, ConditionDisputeWindowElapsed:
		return NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("%s is derived from the flight and cannot be confirmed manually", cond))
	default:
		return NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("unknown condition %q", cond))
	}
	h.UpdatedAt = now
	return nil
}
