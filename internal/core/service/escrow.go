package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ComplianceGate answers whether a party may receive funds.
type ComplianceGate interface {
	CanReceiveFunds(ctx context.Context, partyID string) (domain.ComplianceDecision, error)
}

// OutcomeKind is the result of a release, refund or dispute resolution.
type OutcomeKind string

const (
	OutcomeReleased                    OutcomeKind = "RELEASED"
	OutcomeRefunded                    OutcomeKind = "REFUNDED"
	OutcomeAwaitingSecondAuthorization OutcomeKind = "AWAITING_SECOND_AUTHORIZATION"
	OutcomeComplianceBlocked           OutcomeKind = "COMPLIANCE_BLOCKED"
	OutcomeTransferPending             OutcomeKind = "TRANSFER_PENDING"
	OutcomeRailFailed                  OutcomeKind = "RAIL_FAILED"
)

// EscrowOutcome is returned by money movements. A compliance block is an
// outcome, not an error: the hold keeps its status and records BlockReason.
type EscrowOutcome struct {
	Kind     OutcomeKind                `json:"kind"`
	Hold     *domain.EscrowHold         `json:"-"`
	Decision *domain.ComplianceDecision `json:"decision,omitempty"`
}

// DisputeResolution is the direction an administrator settles a dispute in.
type DisputeResolution string

const (
	ResolveRelease DisputeResolution = "RELEASE"
	ResolveRefund  DisputeResolution = "REFUND"
)

type EscrowService struct {
	repo     ports.Repository
	gate     ComplianceGate
	rail     ports.PaymentRail
	notifier ports.Notifier
	cfg      config.EscrowConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewEscrowService(
	repo ports.Repository,
	gate ComplianceGate,
	rail ports.PaymentRail,
	notifier ports.Notifier,
	cfg config.EscrowConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EscrowService {
	return &EscrowService{
		repo:     repo,
		gate:     gate,
		rail:     rail,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// OpenHold moves an Initiated hold to Held. Calling it on a hold that is
// already past Initiated returns the hold unchanged.
func (s *EscrowService) OpenHold(ctx context.Context, holdID uuid.UUID) (*domain.EscrowHold, error) {
	var hold *domain.EscrowHold
	opened := false
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		hold = h
		if h.Status != domain.HoldInitiated {
			return nil
		}

		now := s.now()
		from := h.Status
		if err := h.Open(now); err != nil {
			return err
		}
		hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.opened", from, domain.SystemActor.ID, audit.OutcomeApplied, "", nil, now))
		if err != nil {
			return err
		}
		h.LastReceiptHash = hash
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		opened = true
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventHoldOpened, h.ID, h.RequestID, now, map[string]string{
			"amount_minor": strconv.FormatInt(h.Amount.AmountMinor, 10),
			"currency":     h.Amount.Currency,
		}))
	})
	if err != nil {
		return nil, err
	}
	if opened {
		s.metrics.IncTransition("escrow_hold", string(domain.HoldHeld))
		s.logger.Info("escrow hold opened", "hold_id", hold.ID, "amount", hold.Amount.String())
	}
	return hold, nil
}

// ConfirmCondition ticks payee confirmation or documentation on the checklist.
func (s *EscrowService) ConfirmCondition(ctx context.Context, holdID uuid.UUID, cond domain.Condition, refs []string, actor domain.Actor) (*domain.EscrowHold, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var hold *domain.EscrowHold
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := h.Confirm(cond, actor, refs, now); err != nil {
			return err
		}
		attrs := map[string]string{"condition": string(cond)}
		if len(refs) > 0 {
			attrs["documentation_refs"] = strings.Join(refs, ",")
		}
		hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.condition_confirmed", h.Status, actor.ID, audit.OutcomeApplied, "", attrs, now))
		if err != nil {
			return err
		}
		h.LastReceiptHash = hash
		hold = h
		return tx.UpdateHold(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// markFlightCompleted runs inside the caller's transaction. An unopened hold
// fails the flight so the condition is never lost; holds already past Held
// no longer depend on the checklist.
func (s *EscrowService) markFlightCompleted(ctx context.Context, tx ports.Repository, holdID uuid.UUID, actorID string, now time.Time) error {
	h, err := tx.FindHoldByID(ctx, holdID)
	if err != nil {
		return err
	}
	if h.Status == domain.HoldInitiated {
		return domain.NewStateError(domain.ErrCodeInvalidTransition,
			fmt.Sprintf("escrow hold %s is not open yet, retry the acceptance before marking the flight", h.ID))
	}
	if h.Status != domain.HoldHeld {
		return nil
	}
	h.CompleteFlight(now, s.cfg.DisputeWindow)
	hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.condition_confirmed", h.Status, actorID, audit.OutcomeApplied, "",
		map[string]string{
			"condition":              string(domain.ConditionFlightCompleted),
			"dispute_window_ends_at": h.Conditions.DisputeWindowEndsAt.UTC().Format(time.RFC3339),
		}, now))
	if err != nil {
		return err
	}
	h.LastReceiptHash = hash
	return tx.UpdateHold(ctx, h)
}

// Release pays the operator once every condition is met and the gate clears
// the payee. Above the dual-control threshold the first call only records an
// authorization and a second call by a different actor moves the funds.
func (s *EscrowService) Release(ctx context.Context, holdID uuid.UUID, actor domain.Actor) (*EscrowOutcome, error) {
	ctx, span := tracer.Start(ctx, "escrow.Release", trace.WithAttributes(attribute.String("hold.id", holdID.String())))
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	current, err := s.repo.FindHoldByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if actor.ID == current.PayeeID {
		return nil, domain.NewForbiddenError("the payee cannot release funds to itself")
	}
	decision, err := s.gate.CanReceiveFunds(ctx, current.PayeeID)
	if err != nil {
		return nil, fmt.Errorf("compliance check for payee %s: %w", current.PayeeID, err)
	}

	var (
		outcome  *EscrowOutcome
		transfer domain.Transfer
		snapshot domain.EscrowHold
	)
	err = s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		now := s.now()
		if h.Status == domain.HoldDisputed {
			return domain.NewStateError(domain.ErrCodeInvalidTransition, fmt.Sprintf("hold %s is disputed, an admin must resolve it", h.ID))
		}
		if h.Status != domain.HoldHeld {
			return domain.NewInvalidTransitionError("escrow hold", h.Status, domain.HoldReleased)
		}
		if err := h.EnsureNoTransferInFlight(); err != nil {
			return err
		}
		// A compliance denial is reported ahead of the checklist.
		if !decision.Allowed {
			blocked, err := s.block(ctx, tx, h, "hold.release", "payee", decision, actor.ID, now)
			outcome = blocked
			return err
		}

		if missing := h.Conditions.Outstanding(now); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, c := range missing {
				names[i] = string(c)
			}
			return domain.NewStateError(domain.ErrCodeConditionsNotMet,
				fmt.Sprintf("hold %s cannot be released, outstanding conditions: %s", h.ID, strings.Join(names, ", ")))
		}

		if h.RequiresDualControl(s.cfg.DualControlThreshold) && !h.Authorize(actor.ID, now, s.cfg.AuthorizationTTL) {
			hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.release_authorized", h.Status, actor.ID, audit.OutcomeApplied, "",
				map[string]string{
					"authorized_by": h.PendingAuthorization.ActorID,
					"expires_at":    h.PendingAuthorization.ExpiresAt.UTC().Format(time.RFC3339),
				}, now))
			if err != nil {
				return err
			}
			h.LastReceiptHash = hash
			if err := tx.UpdateHold(ctx, h); err != nil {
				return err
			}
			outcome = &EscrowOutcome{Kind: OutcomeAwaitingSecondAuthorization, Hold: h}
			return nil
		}

		transfer, err = h.BeginTransfer(domain.TransferRelease, actor.ID, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		snapshot = *h
		return nil
	})
	if err != nil {
		s.observeError("release", err)
		span.RecordError(err)
		return nil, err
	}
	if outcome != nil {
		s.metrics.IncEscrowOutcome("release", string(outcome.Kind))
		span.SetAttributes(attribute.String("escrow.outcome", string(outcome.Kind)))
		return outcome, nil
	}

	res, railErr := s.callRail(ctx, &snapshot, transfer, "")
	return s.settle(ctx, holdID, transfer, res, railErr)
}

// Refund returns the funds to the broker once the gate clears the payer.
func (s *EscrowService) Refund(ctx context.Context, holdID uuid.UUID, reason string, actor domain.Actor) (*EscrowOutcome, error) {
	ctx, span := tracer.Start(ctx, "escrow.Refund", trace.WithAttributes(attribute.String("hold.id", holdID.String())))
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, domain.NewMissingRequiredFieldError("refund reason")
	}
	current, err := s.repo.FindHoldByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	decision, err := s.gate.CanReceiveFunds(ctx, current.PayerID)
	if err != nil {
		return nil, fmt.Errorf("compliance check for payer %s: %w", current.PayerID, err)
	}

	return s.startTransfer(ctx, span, holdID, domain.HoldHeld, domain.TransferRefund, "refund", "payer", decision, reason, actor, nil)
}

// ResolveDispute settles a Disputed hold. Only admins may resolve, and they
// must leave a note; the receiving party still has to pass the gate.
func (s *EscrowService) ResolveDispute(ctx context.Context, holdID uuid.UUID, resolution DisputeResolution, note string, actor domain.Actor) (*EscrowOutcome, error) {
	ctx, span := tracer.Start(ctx, "escrow.ResolveDispute", trace.WithAttributes(
		attribute.String("hold.id", holdID.String()),
		attribute.String("escrow.resolution", string(resolution)),
	))
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, domain.NewForbiddenError("only an admin can resolve a dispute")
	}
	if note == "" {
		return nil, domain.NewMissingRequiredFieldError("resolution note")
	}

	current, err := s.repo.FindHoldByID(ctx, holdID)
	if err != nil {
		return nil, err
	}

	kind, role, party := domain.TransferRelease, "payee", current.PayeeID
	switch resolution {
	case ResolveRelease:
	case ResolveRefund:
		kind, role, party = domain.TransferRefund, "payer", current.PayerID
	default:
		return nil, domain.NewValidationError(domain.ErrCodeInvalidInput, fmt.Sprintf("resolution must be %s or %s", ResolveRelease, ResolveRefund))
	}
	decision, err := s.gate.CanReceiveFunds(ctx, party)
	if err != nil {
		return nil, fmt.Errorf("compliance check for %s %s: %w", role, party, err)
	}

	return s.startTransfer(ctx, span, holdID, domain.HoldDisputed, kind, "resolve_dispute", role, decision, note, actor, func(h *domain.EscrowHold) {
		h.ResolutionNote = &note
	})
}

func (s *EscrowService) startTransfer(
	ctx context.Context,
	span trace.Span,
	holdID uuid.UUID,
	required domain.HoldStatus,
	kind domain.TransferKind,
	operation, role string,
	decision domain.ComplianceDecision,
	reason string,
	actor domain.Actor,
	prepare func(*domain.EscrowHold),
) (*EscrowOutcome, error) {
	var (
		outcome  *EscrowOutcome
		transfer domain.Transfer
		snapshot domain.EscrowHold
	)
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		now := s.now()
		if h.Status != required {
			return domain.NewStateError(domain.ErrCodeInvalidTransition,
				fmt.Sprintf("hold %s is %s, %s needs %s", h.ID, h.Status, operation, required))
		}
		if err := h.EnsureNoTransferInFlight(); err != nil {
			return err
		}
		if !decision.Allowed {
			blocked, err := s.block(ctx, tx, h, "hold."+operation, role, decision, actor.ID, now)
			outcome = blocked
			return err
		}
		if prepare != nil {
			prepare(h)
		}
		transfer, err = h.BeginTransfer(kind, actor.ID, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		snapshot = *h
		return nil
	})
	if err != nil {
		s.observeError(operation, err)
		span.RecordError(err)
		return nil, err
	}
	if outcome != nil {
		s.metrics.IncEscrowOutcome(operation, string(outcome.Kind))
		return outcome, nil
	}

	res, railErr := s.callRail(ctx, &snapshot, transfer, reason)
	return s.settle(ctx, holdID, transfer, res, railErr)
}

// block records a compliance denial on the hold without changing its status.
func (s *EscrowService) block(ctx context.Context, tx ports.Repository, h *domain.EscrowHold, action, role string, decision domain.ComplianceDecision, actorID string, now time.Time) (*EscrowOutcome, error) {
	h.Block(fmt.Sprintf("%s %s: %s", role, decision.Reason, decision.Detail), now)
	hash, err := appendReceipt(ctx, tx, holdPayload(h, action, h.Status, actorID, audit.OutcomeBlocked, string(decision.Reason),
		map[string]string{"party_role": role, "detail": decision.Detail}, now))
	if err != nil {
		return nil, err
	}
	h.LastReceiptHash = hash
	if err := tx.UpdateHold(ctx, h); err != nil {
		return nil, err
	}
	s.logger.Warn("money movement blocked by compliance",
		"hold_id", h.ID, "party_role", role, "reason", decision.Reason, "detail", decision.Detail)
	return &EscrowOutcome{Kind: OutcomeComplianceBlocked, Hold: h, Decision: &decision}, nil
}

func (s *EscrowService) callRail(ctx context.Context, h *domain.EscrowHold, t domain.Transfer, reason string) (*domain.RailResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveRailLatency(string(t.Kind), time.Since(start)) }()

	if t.Kind == domain.TransferRefund {
		return s.rail.Refund(ctx, domain.RailRefundRequest{
			HoldID:      h.ID.String(),
			Payer:       h.PayerID,
			AmountMinor: h.Amount.AmountMinor,
			Currency:    h.Amount.Currency,
			Reason:      reason,
		}, t.IdempotencyKey)
	}
	return s.rail.Transfer(ctx, domain.RailTransferRequest{
		HoldID:      h.ID.String(),
		Beneficiary: h.PayeeID,
		AmountMinor: h.Amount.AmountMinor,
		Currency:    h.Amount.Currency,
		Reference:   h.DealID.String(),
	}, t.IdempotencyKey)
}

// settle applies the rail's answer for transfer t. A caller that gave up
// (cancelled context) leaves the transfer in flight for the reconciler.
func (s *EscrowService) settle(ctx context.Context, holdID uuid.UUID, t domain.Transfer, res *domain.RailResult, railErr error) (*EscrowOutcome, error) {
	if railErr != nil && ctx.Err() != nil {
		s.logger.Warn("rail call abandoned, leaving transfer for reconciliation",
			"hold_id", holdID, "idempotency_key", t.IdempotencyKey, "error", railErr)
		return nil, domain.NewExternalRailError(domain.ErrCodeRailFailure, railErr)
	}
	ctx = context.WithoutCancel(ctx)

	var (
		outcome  EscrowOutcome
		disputed bool
		cause    string
	)
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		outcome = EscrowOutcome{Hold: h}
		if h.InFlight == nil || h.InFlight.IdempotencyKey != t.IdempotencyKey {
			outcome.Kind = outcomeForStatus(h)
			return nil
		}

		now := s.now()
		from := h.Status
		action := "hold.released"
		if t.Kind == domain.TransferRefund {
			action = "hold.refunded"
		}
		attrs := func() map[string]string {
			m := map[string]string{
				"idempotency_key": t.IdempotencyKey,
				"attempt":         strconv.Itoa(t.Attempt),
			}
			if res != nil && res.Reference != "" {
				m["rail_reference"] = res.Reference
			}
			return m
		}

		switch {
		case railErr != nil || res == nil || res.Status == domain.RailFailed:
			cause = railFailureCause(res, railErr)
			if _, err := appendReceipt(ctx, tx, holdPayload(h, action, from, t.ActorID, audit.OutcomeFailed, cause, attrs(), now)); err != nil {
				return err
			}
			if err := h.FailTransfer(now); err != nil {
				return err
			}
			hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.disputed", from, t.ActorID, audit.OutcomeApplied, domain.DisputeReasonRailFailure, attrs(), now))
			if err != nil {
				return err
			}
			h.LastReceiptHash = hash
			if err := tx.UpdateHold(ctx, h); err != nil {
				return err
			}
			outcome.Kind = OutcomeRailFailed
			disputed = true
			return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventHoldDisputed, h.ID, h.RequestID, now,
				map[string]string{"reason": domain.DisputeReasonRailFailure}))

		case res.Status == domain.RailPending:
			h.MarkTransferPending(res.Reference, now)
			outcome.Kind = OutcomeTransferPending
			return tx.UpdateHold(ctx, h)

		default:
			if err := h.CompleteTransfer(res.Reference, now); err != nil {
				return err
			}
			hash, err := appendReceipt(ctx, tx, holdPayload(h, action, from, t.ActorID, audit.OutcomeApplied, "", attrs(), now))
			if err != nil {
				return err
			}
			h.LastReceiptHash = hash
			if err := tx.UpdateHold(ctx, h); err != nil {
				return err
			}
			event := domain.EventHoldReleased
			outcome.Kind = OutcomeReleased
			if t.Kind == domain.TransferRefund {
				event = domain.EventHoldRefunded
				outcome.Kind = OutcomeRefunded
			}
			return tx.EnqueueEvents(ctx, domain.NewEvent(event, h.ID, h.RequestID, now, map[string]string{
				"amount_minor":   strconv.FormatInt(h.Amount.AmountMinor, 10),
				"currency":       h.Amount.Currency,
				"rail_reference": res.Reference,
			}))
		}
	})
	if err != nil {
		s.logger.Error("failed to record rail outcome", "hold_id", holdID, "idempotency_key", t.IdempotencyKey, "error", err)
		return nil, err
	}

	operation := string(t.Kind)
	s.metrics.IncEscrowOutcome(operation, string(outcome.Kind))
	if outcome.Hold.IsSettled() {
		s.metrics.IncTransition("escrow_hold", string(outcome.Hold.Status))
	}

	if disputed {
		s.logger.Error("rail failure, hold moved to review",
			"hold_id", holdID, "idempotency_key", t.IdempotencyKey, "cause", cause)
		s.notifyAdmin(ctx, outcome.Hold, "rail failure: "+cause)
		if railErr != nil {
			return &outcome, domain.NewExternalRailError(domain.ErrCodeRailFailure, railErr)
		}
		return &outcome, domain.NewExternalRailError(domain.ErrCodeRailRejected, errors.New(cause))
	}
	s.logger.Info("rail outcome recorded", "hold_id", holdID, "outcome", outcome.Kind, "idempotency_key", t.IdempotencyKey)
	return &outcome, nil
}

func railFailureCause(res *domain.RailResult, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res == nil:
		return "rail returned no result"
	case res.FailureCode != "":
		return "rail rejected transfer: " + res.FailureCode
	default:
		return "rail rejected transfer"
	}
}

func outcomeForStatus(h *domain.EscrowHold) OutcomeKind {
	switch {
	case h.Status == domain.HoldReleased:
		return OutcomeReleased
	case h.Status == domain.HoldRefunded:
		return OutcomeRefunded
	case h.InFlight != nil:
		return OutcomeTransferPending
	default:
		return OutcomeRailFailed
	}
}

// Dispute freezes a Held hold for administrative review.
func (s *EscrowService) Dispute(ctx context.Context, holdID uuid.UUID, reason string, evidence []string, actor domain.Actor) (*domain.EscrowHold, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var hold *domain.EscrowHold
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		h, err := tx.FindHoldByID(ctx, holdID)
		if err != nil {
			return err
		}
		now := s.now()
		from := h.Status
		if err := h.Dispute(reason, evidence, now); err != nil {
			return err
		}
		attrs := map[string]string{}
		if len(evidence) > 0 {
			attrs["evidence"] = strings.Join(evidence, ",")
		}
		hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.disputed", from, actor.ID, audit.OutcomeApplied, reason, attrs, now))
		if err != nil {
			return err
		}
		h.LastReceiptHash = hash
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		hold = h
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventHoldDisputed, h.ID, h.RequestID, now, map[string]string{"reason": reason}))
	})
	if err != nil {
		s.observeError("dispute", err)
		return nil, err
	}
	s.metrics.IncTransition("escrow_hold", string(domain.HoldDisputed))
	s.logger.Info("escrow hold disputed", "hold_id", holdID, "actor_id", actor.ID, "reason", reason)
	s.notifyAdmin(ctx, hold, reason)
	return hold, nil
}

func (s *EscrowService) notifyAdmin(ctx context.Context, h *domain.EscrowHold, reason string) {
	err := s.notifier.Notify(ctx, ports.Notification{
		Recipient: s.cfg.AdminRecipient,
		Topic:     string(domain.EventHoldDisputed),
		SubjectID: h.ID.String(),
		Message:   fmt.Sprintf("escrow hold %s (%s) needs review: %s", h.ID, h.Amount, reason),
	})
	if err != nil {
		s.logger.Warn("admin notification failed", "hold_id", h.ID, "error", err)
	}
}

// ExpireAuthorizations clears dual-control authorizations older than the
// configured TTL. It returns how many were cleared.
func (s *EscrowService) ExpireAuthorizations(ctx context.Context, limit int) (int, error) {
	holds, err := s.repo.FindHoldsWithExpiredAuthorization(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("find expired authorizations: %w", err)
	}
	expired := 0
	for _, candidate := range holds {
		err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
			h, err := tx.FindHoldByID(ctx, candidate.ID)
			if err != nil {
				return err
			}
			now := s.now()
			authorizedBy := ""
			if h.PendingAuthorization != nil {
				authorizedBy = h.PendingAuthorization.ActorID
			}
			if !h.ExpireAuthorization(now) {
				return nil
			}
			hash, err := appendReceipt(ctx, tx, holdPayload(h, "hold.authorization_expired", h.Status, domain.SystemActor.ID, audit.OutcomeApplied, "",
				map[string]string{"authorized_by": authorizedBy}, now))
			if err != nil {
				return err
			}
			h.LastReceiptHash = hash
			if err := tx.UpdateHold(ctx, h); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			s.logger.Error("failed to expire authorization", "hold_id", candidate.ID, "error", err)
		}
	}
	return expired, nil
}

// SettleInFlight asks the rail about transfers that have been in flight
// longer than staleAfter and applies the answer. A transfer the rail has no
// record of is re-sent with its original idempotency key.
func (s *EscrowService) SettleInFlight(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	holds, err := s.repo.FindHoldsWithTransferInFlight(ctx, s.now().Add(-staleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("find in-flight transfers: %w", err)
	}
	settled := 0
	for _, h := range holds {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		t := *h.InFlight
		res, err := s.rail.Status(ctx, t.IdempotencyKey)
		if err != nil {
			s.logger.Warn("rail status lookup failed, re-sending transfer",
				"hold_id", h.ID, "idempotency_key", t.IdempotencyKey, "error", err)
			res, err = s.callRail(ctx, h, t, "reconciliation")
		}
		outcome, err := s.settle(ctx, h.ID, t, res, err)
		if err != nil && outcome == nil {
			s.logger.Error("reconciliation failed", "hold_id", h.ID, "error", err)
			continue
		}
		if outcome.Kind != OutcomeTransferPending {
			settled++
		}
	}
	return settled, nil
}

func (s *EscrowService) observeError(operation string, err error) {
	if domain.IsKind(err, domain.KindConflict) {
		s.metrics.IncConflict(operation)
	}
}
