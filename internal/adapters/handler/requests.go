package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/google/uuid"
)

type LegInput struct {
	Origin      string    `json:"origin" validate:"required"`
	Destination string    `json:"destination" validate:"required"`
	DepartureAt time.Time `json:"departure_at" validate:"required"`
}

type CreateRequestInput struct {
	Legs      []LegInput `json:"legs" validate:"required,min=1,dive"`
	Pax       int        `json:"pax" validate:"required,gt=0"`
	BudgetMin int64      `json:"budget_min_minor" validate:"gte=0"`
	BudgetMax int64      `json:"budget_max_minor" validate:"gte=0"`
	Currency  string     `json:"currency" validate:"omitempty,len=3"`
	Urgency   string     `json:"urgency" validate:"omitempty,oneof=STANDARD PRIORITY IMMEDIATE"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type CancelInput struct {
	Reason string `json:"reason" validate:"required"`
}

type SubmitQuoteInput struct {
	AmountMinor int64      `json:"amount_minor" validate:"required,gt=0"`
	Currency    string     `json:"currency" validate:"required,len=3"`
	ValidFrom   *time.Time `json:"valid_from"`
	ValidUntil  time.Time  `json:"valid_until" validate:"required"`
	AircraftRef string     `json:"aircraft_ref" validate:"required"`
	Notes       string     `json:"notes"`
}

type RejectQuoteInput struct {
	Reason string `json:"reason"`
}

func (h *Handler) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, domain.RoleBroker); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	var in CreateRequestInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	legs := make([]domain.Leg, len(in.Legs))
	for i, l := range in.Legs {
		legs[i] = domain.Leg{Origin: l.Origin, Destination: l.Destination, DepartureAt: l.DepartureAt}
	}
	input := domain.NewRequestInput{
		BrokerID: actor.ID,
		Legs:     legs,
		Pax:      in.Pax,
		Budget:   domain.BudgetBand{MinMinor: in.BudgetMin, MaxMinor: in.BudgetMax, Currency: in.Currency},
		Urgency:  domain.Urgency(in.Urgency),
	}
	if in.ExpiresAt != nil {
		input.ExpiresAt = *in.ExpiresAt
	}

	req, err := h.svc.Deals.CreateRequest(r.Context(), input)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toRequestView(req))
}

func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	req, err := h.svc.Queries.GetRequest(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	if err := h.requireRequestOwner(r.Context(), mustActor(r), id); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	req, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Request, error) {
		return h.svc.Deals.Publish(ctx, id)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in CancelInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	actor := mustActor(r)
	req, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Request, error) {
		return h.svc.Deals.CancelRequest(ctx, id, actor, in.Reason)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) HandleListQuotes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	quotes, err := h.svc.Queries.ListQuotes(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	views := make([]QuoteView, len(quotes))
	for i, q := range quotes {
		views[i] = toQuoteView(q)
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, domain.RoleOperator); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in SubmitQuoteInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	terms := domain.QuoteTerms{
		Price:       domain.Money{AmountMinor: in.AmountMinor, Currency: in.Currency},
		ValidUntil:  in.ValidUntil,
		AircraftRef: in.AircraftRef,
		Notes:       in.Notes,
	}
	if in.ValidFrom != nil {
		terms.ValidFrom = *in.ValidFrom
	}

	q, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Quote, error) {
		return h.svc.Deals.SubmitQuote(ctx, id, actor.ID, terms)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toQuoteView(q))
}

func (h *Handler) HandleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, domain.RoleBroker); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	deal, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Deal, error) {
		return h.svc.Deals.AcceptQuote(ctx, id, actor.ID)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toDealView(deal))
}

func (h *Handler) HandleRejectQuote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in RejectQuoteInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	quote, err := h.svc.Queries.GetQuote(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	actor := mustActor(r)
	if err := h.requireRequestOwner(r.Context(), actor, quote.RequestID); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	q, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Quote, error) {
		return h.svc.Deals.RejectQuote(ctx, id, actor, in.Reason)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toQuoteView(q))
}

func (h *Handler) HandleGetDeal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	deal, err := h.svc.Queries.GetDeal(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDealView(deal))
}

func (h *Handler) HandleMarkFlown(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	actor := mustActor(r)
	if !actor.IsAdmin() {
		deal, err := h.svc.Queries.GetDeal(r.Context(), id)
		if err != nil {
			respondWithError(w, h.logger, err)
			return
		}
		if actor.Role != domain.RoleOperator || actor.ID != deal.OperatorID {
			respondWithError(w, h.logger, domain.NewForbiddenError(fmt.Sprintf("only the operator of deal %s or an admin can mark it flown", id)))
			return
		}
	}

	deal, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Deal, error) {
		return h.svc.Deals.MarkFlown(ctx, id, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDealView(deal))
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, domain.RoleFinance); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	deal, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.Deal, error) {
		return h.svc.Deals.Reconcile(ctx, id, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDealView(deal))
}

func (h *Handler) HandleExportEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	bundle, err := h.svc.Evidence.ExportBundle(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bundle)
}

func (h *Handler) HandleVerifyDeal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	v, err := h.svc.Evidence.VerifyDeal(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) requireRequestOwner(ctx context.Context, actor domain.Actor, requestID uuid.UUID) error {
	if actor.IsAdmin() {
		return nil
	}
	req, err := h.svc.Queries.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if actor.Role != domain.RoleBroker || actor.ID != req.BrokerID {
		return domain.NewForbiddenError(fmt.Sprintf("request %s belongs to another broker", requestID))
	}
	return nil
}
