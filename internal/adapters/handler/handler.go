package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type DealCommands interface {
	CreateRequest(ctx context.Context, in domain.NewRequestInput) (*domain.Request, error)
	Publish(ctx context.Context, requestID uuid.UUID) (*domain.Request, error)
	CancelRequest(ctx context.Context, requestID uuid.UUID, actor domain.Actor, reason string) (*domain.Request, error)
	SubmitQuote(ctx context.Context, requestID uuid.UUID, operatorID string, terms domain.QuoteTerms) (*domain.Quote, error)
	AcceptQuote(ctx context.Context, quoteID uuid.UUID, brokerID string) (*domain.Deal, error)
	RejectQuote(ctx context.Context, quoteID uuid.UUID, actor domain.Actor, reason string) (*domain.Quote, error)
	MarkFlown(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error)
	Reconcile(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error)
}

type EscrowCommands interface {
	ConfirmCondition(ctx context.Context, holdID uuid.UUID, cond domain.Condition, refs []string, actor domain.Actor) (*domain.EscrowHold, error)
	Release(ctx context.Context, holdID uuid.UUID, actor domain.Actor) (*service.EscrowOutcome, error)
	Refund(ctx context.Context, holdID uuid.UUID, reason string, actor domain.Actor) (*service.EscrowOutcome, error)
	Dispute(ctx context.Context, holdID uuid.UUID, reason string, evidence []string, actor domain.Actor) (*domain.EscrowHold, error)
	ResolveDispute(ctx context.Context, holdID uuid.UUID, resolution service.DisputeResolution, note string, actor domain.Actor) (*service.EscrowOutcome, error)
}

type ComplianceCommands interface {
	RegisterParty(ctx context.Context, party domain.Party, actor domain.Actor) (*domain.ComplianceRecord, error)
	GetRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error)
	SubmitKYC(ctx context.Context, partyID string, update service.KYCUpdate, actor domain.Actor) (*domain.ComplianceRecord, error)
	ScreenParty(ctx context.Context, partyID string, actor domain.Actor) (*domain.ComplianceRecord, error)
	ResolveScreeningMatch(ctx context.Context, partyID string, resultID uuid.UUID, resolution domain.ScreeningStatus, note string, actor domain.Actor) (*domain.ComplianceRecord, error)
	LoadWatchlist(ctx context.Context, entities []screening.Entity, actor domain.Actor) (int, error)
}

type EvidenceQueries interface {
	ExportBundle(ctx context.Context, dealID uuid.UUID) (audit.Bundle, error)
	VerifyDeal(ctx context.Context, dealID uuid.UUID) (service.DealVerification, error)
}

type Queries interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	ListQuotes(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error)
	GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error)
	GetDeal(ctx context.Context, id uuid.UUID) (*domain.Deal, error)
	GetHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error)
}

// Services bundles what the HTTP surface calls into.
type Services struct {
	Deals      DealCommands
	Escrow     EscrowCommands
	Compliance ComplianceCommands
	Evidence   EvidenceQueries
	Queries    Queries
}

type Handler struct {
	svc      Services
	auth     *Authenticator
	validate *validator.Validate
	logger   *slog.Logger
	timeout  time.Duration
}

func NewHandler(svc Services, auth *Authenticator, timeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		auth:     auth,
		validate: validator.New(),
		logger:   logger,
		timeout:  timeout,
	}
}

// Routes builds the router. metrics may be nil.
func (h *Handler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recovery(h.logger))
	r.Use(RequestLogger(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(Timeout(h.timeout))
		r.Use(h.auth.Middleware)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.HandleCreateRequest)
			r.Get("/{id}", h.HandleGetRequest)
			r.Post("/{id}/publish", h.HandlePublish)
			r.Post("/{id}/cancel", h.HandleCancelRequest)
			r.Get("/{id}/quotes", h.HandleListQuotes)
			r.Post("/{id}/quotes", h.HandleSubmitQuote)
		})
		r.Post("/quotes/{id}/accept", h.HandleAcceptQuote)
		r.Post("/quotes/{id}/reject", h.HandleRejectQuote)

		r.Route("/deals/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetDeal)
			r.Post("/flown", h.HandleMarkFlown)
			r.Post("/reconcile", h.HandleReconcile)
			r.Get("/evidence", h.HandleExportEvidence)
			r.Get("/verification", h.HandleVerifyDeal)
		})

		r.Route("/holds/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetHold)
			r.Post("/conditions", h.HandleConfirmCondition)
			r.Post("/release", h.HandleRelease)
			r.Post("/refund", h.HandleRefund)
			r.Post("/dispute", h.HandleDispute)
			r.Post("/resolve", h.HandleResolveDispute)
		})

		r.Post("/parties", h.HandleRegisterParty)
		r.Route("/parties/{id}", func(r chi.Router) {
			r.Get("/compliance", h.HandleGetCompliance)
			r.Post("/kyc", h.HandleSubmitKYC)
			r.Post("/screen", h.HandleScreenParty)
			r.Post("/screenings/{resultID}/resolve", h.HandleResolveScreening)
		})
		r.Post("/watchlist", h.HandleLoadWatchlist)
	})

	return r
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return invalidInput("could not read request body")
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return invalidInput("malformed JSON body: " + err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return invalidInput(err.Error())
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, invalidInput(name + " must be a UUID")
	}
	return id, nil
}

// mustActor returns the authenticated actor. The auth middleware guarantees one.
func mustActor(r *http.Request) domain.Actor {
	actor, _ := actorFrom(r.Context())
	return actor
}
