package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
)

type ConfirmConditionInput struct {
	Condition string   `json:"condition" validate:"required,oneof=PAYEE_CONFIRMED DOCUMENTATION_ATTACHED"`
	Refs      []string `json:"refs" validate:"dive,required"`
}

type RefundInput struct {
	Reason string `json:"reason" validate:"required"`
}

type DisputeInput struct {
	Reason   string   `json:"reason" validate:"required"`
	Evidence []string `json:"evidence" validate:"dive,required"`
}

type ResolveDisputeInput struct {
	Resolution string `json:"resolution" validate:"required,oneof=RELEASE REFUND"`
	Note       string `json:"note" validate:"required"`
}

var (
	moneyRoles   = []domain.Role{domain.RoleFinance}
	disputeRoles = []domain.Role{domain.RoleBroker, domain.RoleOperator, domain.RoleFinance}
)

func (h *Handler) HandleGetHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	hold, err := h.svc.Queries.GetHold(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toHoldView(hold, time.Now()))
}

func (h *Handler) HandleConfirmCondition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in ConfirmConditionInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	actor := mustActor(r)
	hold, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.EscrowHold, error) {
		return h.svc.Escrow.ConfirmCondition(ctx, id, domain.Condition(in.Condition), in.Refs, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toHoldView(hold, time.Now()))
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, moneyRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	out, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*service.EscrowOutcome, error) {
		return h.svc.Escrow.Release(ctx, id, actor)
	})
	h.respondWithOutcome(w, out, err)
}

func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, moneyRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in RefundInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	out, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*service.EscrowOutcome, error) {
		return h.svc.Escrow.Refund(ctx, id, in.Reason, actor)
	})
	h.respondWithOutcome(w, out, err)
}

func (h *Handler) HandleDispute(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, disputeRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in DisputeInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	hold, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.EscrowHold, error) {
		return h.svc.Escrow.Dispute(ctx, id, in.Reason, in.Evidence, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toHoldView(hold, time.Now()))
}

func (h *Handler) HandleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in ResolveDisputeInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	actor := mustActor(r)
	out, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*service.EscrowOutcome, error) {
		return h.svc.Escrow.ResolveDispute(ctx, id, service.DisputeResolution(in.Resolution), in.Note, actor)
	})
	h.respondWithOutcome(w, out, err)
}

// respondWithOutcome writes a money-movement result. A rail failure comes
// back as an ExternalRail error and is written as 502.
func (h *Handler) respondWithOutcome(w http.ResponseWriter, out *service.EscrowOutcome, err error) {
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, outcomeStatus(out.Kind), toOutcomeView(out, time.Now()))
}
