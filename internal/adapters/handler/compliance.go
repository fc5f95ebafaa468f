package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/go-chi/chi/v5"
)

var complianceRoles = []domain.Role{domain.RoleCompliance}

type RegisterPartyInput struct {
	ID        string   `json:"id" validate:"required"`
	LegalName string   `json:"legal_name" validate:"required"`
	Aliases   []string `json:"aliases" validate:"dive,required"`
	Kind      string   `json:"kind" validate:"required,oneof=INDIVIDUAL COMPANY"`
	Country   string   `json:"country" validate:"omitempty,len=2"`
	BirthDate string   `json:"birth_date"`
}

type SubmitKYCInput struct {
	Status    string     `json:"status" validate:"required,oneof=PENDING VERIFIED REJECTED"`
	ExpiresAt *time.Time `json:"expires_at"`
	Note      string     `json:"note"`
}

type ResolveScreeningInput struct {
	Status string `json:"status" validate:"required,oneof=CLEARED CONFIRMED"`
	Note   string `json:"note" validate:"required"`
}

type LoadWatchlistInput struct {
	Entities []screening.Entity `json:"entities" validate:"required,min=1"`
}

func (h *Handler) HandleRegisterParty(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, complianceRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in RegisterPartyInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	rec, err := h.svc.Compliance.RegisterParty(r.Context(), domain.Party{
		ID:        in.ID,
		LegalName: in.LegalName,
		Aliases:   in.Aliases,
		Kind:      domain.PartyKind(in.Kind),
		Country:   in.Country,
		BirthDate: in.BirthDate,
	}, actor)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rec)
}

func (h *Handler) HandleGetCompliance(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Compliance.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		*domain.ComplianceRecord
		Decision domain.ComplianceDecision `json:"decision"`
	}{rec, rec.Evaluate(time.Now())})
}

func (h *Handler) HandleSubmitKYC(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, complianceRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in SubmitKYCInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	partyID := chi.URLParam(r, "id")
	update := service.KYCUpdate{Status: domain.KYCStatus(in.Status), ExpiresAt: in.ExpiresAt, Note: in.Note}
	rec, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.ComplianceRecord, error) {
		return h.svc.Compliance.SubmitKYC(ctx, partyID, update, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleScreenParty(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, complianceRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	partyID := chi.URLParam(r, "id")
	rec, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.ComplianceRecord, error) {
		return h.svc.Compliance.ScreenParty(ctx, partyID, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleResolveScreening(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, complianceRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	resultID, err := pathID(r, "resultID")
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in ResolveScreeningInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	partyID := chi.URLParam(r, "id")
	rec, err := service.RetryOnConflict(r.Context(), func(ctx context.Context) (*domain.ComplianceRecord, error) {
		return h.svc.Compliance.ResolveScreeningMatch(ctx, partyID, resultID, domain.ScreeningStatus(in.Status), in.Note, actor)
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleLoadWatchlist(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := requireRole(actor, complianceRoles...); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	var in LoadWatchlistInput
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	n, err := h.svc.Compliance.LoadWatchlist(r.Context(), in.Entities, actor)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"loaded": n})
}
