package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDeals struct {
	createRequestFn func(ctx context.Context, in domain.NewRequestInput) (*domain.Request, error)
	publishFn       func(ctx context.Context, requestID uuid.UUID) (*domain.Request, error)
	cancelFn        func(ctx context.Context, requestID uuid.UUID, actor domain.Actor, reason string) (*domain.Request, error)
	submitQuoteFn   func(ctx context.Context, requestID uuid.UUID, operatorID string, terms domain.QuoteTerms) (*domain.Quote, error)
	acceptQuoteFn   func(ctx context.Context, quoteID uuid.UUID, brokerID string) (*domain.Deal, error)
	rejectQuoteFn   func(ctx context.Context, quoteID uuid.UUID, actor domain.Actor, reason string) (*domain.Quote, error)
	markFlownFn     func(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error)
	reconcileFn     func(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error)
}

func (m *mockDeals) CreateRequest(ctx context.Context, in domain.NewRequestInput) (*domain.Request, error) {
	return m.createRequestFn(ctx, in)
}

func (m *mockDeals) Publish(ctx context.Context, requestID uuid.UUID) (*domain.Request, error) {
	return m.publishFn(ctx, requestID)
}

func (m *mockDeals) CancelRequest(ctx context.Context, requestID uuid.UUID, actor domain.Actor, reason string) (*domain.Request, error) {
	return m.cancelFn(ctx, requestID, actor, reason)
}

func (m *mockDeals) SubmitQuote(ctx context.Context, requestID uuid.UUID, operatorID string, terms domain.QuoteTerms) (*domain.Quote, error) {
	return m.submitQuoteFn(ctx, requestID, operatorID, terms)
}

func (m *mockDeals) AcceptQuote(ctx context.Context, quoteID uuid.UUID, brokerID string) (*domain.Deal, error) {
	return m.acceptQuoteFn(ctx, quoteID, brokerID)
}

func (m *mockDeals) RejectQuote(ctx context.Context, quoteID uuid.UUID, actor domain.Actor, reason string) (*domain.Quote, error) {
	return m.rejectQuoteFn(ctx, quoteID, actor, reason)
}

func (m *mockDeals) MarkFlown(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error) {
	return m.markFlownFn(ctx, dealID, actor)
}

func (m *mockDeals) Reconcile(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error) {
	return m.reconcileFn(ctx, dealID, actor)
}

type mockEscrow struct {
	confirmFn func(ctx context.Context, holdID uuid.UUID, cond domain.Condition, refs []string, actor domain.Actor) (*domain.EscrowHold, error)
	releaseFn func(ctx context.Context, holdID uuid.UUID, actor domain.Actor) (*service.EscrowOutcome, error)
	refundFn  func(ctx context.Context, holdID uuid.UUID, reason string, actor domain.Actor) (*service.EscrowOutcome, error)
	disputeFn func(ctx context.Context, holdID uuid.UUID, reason string, evidence []string, actor domain.Actor) (*domain.EscrowHold, error)
	resolveFn func(ctx context.Context, holdID uuid.UUID, resolution service.DisputeResolution, note string, actor domain.Actor) (*service.EscrowOutcome, error)
}

func (m *mockEscrow) ConfirmCondition(ctx context.Context, holdID uuid.UUID, cond domain.Condition, refs []string, actor domain.Actor) (*domain.EscrowHold, error) {
	return m.confirmFn(ctx, holdID, cond, refs, actor)
}

func (m *mockEscrow) Release(ctx context.Context, holdID uuid.UUID, actor domain.Actor) (*service.EscrowOutcome, error) {
	return m.releaseFn(ctx, holdID, actor)
}

func (m *mockEscrow) Refund(ctx context.Context, holdID uuid.UUID, reason string, actor domain.Actor) (*service.EscrowOutcome, error) {
	return m.refundFn(ctx, holdID, reason, actor)
}

func (m *mockEscrow) Dispute(ctx context.Context, holdID uuid.UUID, reason string, evidence []string, actor domain.Actor) (*domain.EscrowHold, error) {
	return m.disputeFn(ctx, holdID, reason, evidence, actor)
}

func (m *mockEscrow) ResolveDispute(ctx context.Context, holdID uuid.UUID, resolution service.DisputeResolution, note string, actor domain.Actor) (*service.EscrowOutcome, error) {
	return m.resolveFn(ctx, holdID, resolution, note, actor)
}

type mockCompliance struct {
	registerFn  func(ctx context.Context, party domain.Party, actor domain.Actor) (*domain.ComplianceRecord, error)
	getRecordFn func(ctx context.Context, partyID string) (*domain.ComplianceRecord, error)
	kycFn       func(ctx context.Context, partyID string, update service.KYCUpdate, actor domain.Actor) (*domain.ComplianceRecord, error)
	screenFn    func(ctx context.Context, partyID string, actor domain.Actor) (*domain.ComplianceRecord, error)
	resolveFn   func(ctx context.Context, partyID string, resultID uuid.UUID, resolution domain.ScreeningStatus, note string, actor domain.Actor) (*domain.ComplianceRecord, error)
	watchlistFn func(ctx context.Context, entities []screening.Entity, actor domain.Actor) (int, error)
}

func (m *mockCompliance) RegisterParty(ctx context.Context, party domain.Party, actor domain.Actor) (*domain.ComplianceRecord, error) {
	return m.registerFn(ctx, party, actor)
}

func (m *mockCompliance) GetRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error) {
	return m.getRecordFn(ctx, partyID)
}

func (m *mockCompliance) SubmitKYC(ctx context.Context, partyID string, update service.KYCUpdate, actor domain.Actor) (*domain.ComplianceRecord, error) {
	return m.kycFn(ctx, partyID, update, actor)
}

func (m *mockCompliance) ScreenParty(ctx context.Context, partyID string, actor domain.Actor) (*domain.ComplianceRecord, error) {
	return m.screenFn(ctx, partyID, actor)
}

func (m *mockCompliance) ResolveScreeningMatch(ctx context.Context, partyID string, resultID uuid.UUID, resolution domain.ScreeningStatus, note string, actor domain.Actor) (*domain.ComplianceRecord, error) {
	return m.resolveFn(ctx, partyID, resultID, resolution, note, actor)
}

func (m *mockCompliance) LoadWatchlist(ctx context.Context, entities []screening.Entity, actor domain.Actor) (int, error) {
	return m.watchlistFn(ctx, entities, actor)
}

type mockEvidence struct {
	exportFn func(ctx context.Context, dealID uuid.UUID) (audit.Bundle, error)
	verifyFn func(ctx context.Context, dealID uuid.UUID) (service.DealVerification, error)
}

func (m *mockEvidence) ExportBundle(ctx context.Context, dealID uuid.UUID) (audit.Bundle, error) {
	return m.exportFn(ctx, dealID)
}

func (m *mockEvidence) VerifyDeal(ctx context.Context, dealID uuid.UUID) (service.DealVerification, error) {
	return m.verifyFn(ctx, dealID)
}

type mockQueries struct {
	getRequestFn func(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	listQuotesFn func(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error)
	getQuoteFn   func(ctx context.Context, id uuid.UUID) (*domain.Quote, error)
	getDealFn    func(ctx context.Context, id uuid.UUID) (*domain.Deal, error)
	getHoldFn    func(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error)
}

func (m *mockQueries) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return m.getRequestFn(ctx, id)
}

func (m *mockQueries) ListQuotes(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error) {
	return m.listQuotesFn(ctx, requestID)
}

func (m *mockQueries) GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	return m.getQuoteFn(ctx, id)
}

func (m *mockQueries) GetDeal(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	return m.getDealFn(ctx, id)
}

func (m *mockQueries) GetHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	return m.getHoldFn(ctx, id)
}

var (
	broker            = domain.Actor{ID: "broker-1", Role: domain.RoleBroker}
	operator          = domain.Actor{ID: "op-1", Role: domain.RoleOperator}
	finance           = domain.Actor{ID: "fin-1", Role: domain.RoleFinance}
	complianceOfficer = domain.Actor{ID: "co-1", Role: domain.RoleCompliance}
)

type testServer struct {
	deals      *mockDeals
	escrow     *mockEscrow
	compliance *mockCompliance
	evidence   *mockEvidence
	queries    *mockQueries
	auth       *Authenticator
	router     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		deals:      &mockDeals{},
		escrow:     &mockEscrow{},
		compliance: &mockCompliance{},
		evidence:   &mockEvidence{},
		queries:    &mockQueries{},
		auth:       NewAuthenticator(config.AuthConfig{JWTSecret: "test-secret-0123456789", Issuer: "charterdesk"}, logger),
	}
	h := NewHandler(Services{
		Deals:      ts.deals,
		Escrow:     ts.escrow,
		Compliance: ts.compliance,
		Evidence:   ts.evidence,
		Queries:    ts.queries,
	}, ts.auth, 5*time.Second, logger)
	ts.router = h.Routes(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	}))
	return ts
}

func (ts *testServer) do(t *testing.T, actor *domain.Actor, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != nil {
		token, err := ts.auth.IssueToken(*actor, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func dataMap(t *testing.T, resp APIResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func sampleHold(status domain.HoldStatus) *domain.EscrowHold {
	return &domain.EscrowHold{
		ID:        uuid.New(),
		DealID:    uuid.New(),
		RequestID: uuid.New(),
		PayerID:   broker.ID,
		PayeeID:   operator.ID,
		Amount:    domain.Money{AmountMinor: 25_000_000, Currency: "USD"},
		Status:    status,
		Version:   3,
	}
}

func TestHealthzAndMetrics_NoAuth(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = ts.do(t, nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestAuth_RejectsMissingAndForgedTokens(t *testing.T) {
	ts := newTestServer(t)
	id := uuid.New()

	rec, resp := ts.do(t, nil, http.MethodGet, "/requests/"+id.String(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", resp.Error.Code)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: domain.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "charterdesk",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, err := forged.SignedString([]byte("some-other-secret-value"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/requests/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RejectsUnknownRole(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, &domain.Actor{ID: "x", Role: "pilot"}, http.MethodGet, "/requests/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreateRequest_UsesActorAsBroker(t *testing.T) {
	ts := newTestServer(t)
	departure := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)

	var got domain.NewRequestInput
	ts.deals.createRequestFn = func(_ context.Context, in domain.NewRequestInput) (*domain.Request, error) {
		got = in
		return &domain.Request{ID: uuid.New(), BrokerID: in.BrokerID, Legs: in.Legs, Pax: in.Pax, Status: domain.RequestDraft}, nil
	}

	rec, resp := ts.do(t, &broker, http.MethodPost, "/requests", CreateRequestInput{
		Legs: []LegInput{{Origin: "KTEB", Destination: "EGGW", DepartureAt: departure}},
		Pax:  6,
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, broker.ID, got.BrokerID)
	assert.Equal(t, "KTEB", got.Legs[0].Origin)
	data := dataMap(t, resp)
	assert.Equal(t, "DRAFT", data["status"])
	assert.Equal(t, broker.ID, data["broker_id"])
}

func TestHandleCreateRequest_Errors(t *testing.T) {
	departure := time.Now().Add(72 * time.Hour)
	valid := CreateRequestInput{Legs: []LegInput{{Origin: "KTEB", Destination: "EGGW", DepartureAt: departure}}, Pax: 2}

	tests := []struct {
		name       string
		actor      domain.Actor
		body       any
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{name: "operator cannot create", actor: operator, body: valid, wantStatus: http.StatusForbidden, wantCode: domain.ErrCodeForbidden},
		{name: "missing legs", actor: broker, body: CreateRequestInput{Pax: 2}, wantStatus: http.StatusBadRequest, wantCode: domain.ErrCodeInvalidInput},
		{name: "malformed json", actor: broker, body: "not-an-object", wantStatus: http.StatusBadRequest, wantCode: domain.ErrCodeInvalidInput},
		{
			name: "domain validation", actor: broker, body: valid,
			serviceErr: domain.NewValidationError(domain.ErrCodeInvalidInput, "legs[0] airport codes must be ICAO or IATA"),
			wantStatus: http.StatusBadRequest, wantCode: domain.ErrCodeInvalidInput,
		},
		{name: "unexpected error", actor: broker, body: valid, serviceErr: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.deals.createRequestFn = func(context.Context, domain.NewRequestInput) (*domain.Request, error) {
				if tt.serviceErr != nil {
					return nil, tt.serviceErr
				}
				return &domain.Request{ID: uuid.New()}, nil
			}
			actor := tt.actor
			rec, resp := ts.do(t, &actor, http.MethodPost, "/requests", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotContains(t, resp.Error.Message, "db down")
		})
	}
}

func TestHandlePublish_OnlyOwningBroker(t *testing.T) {
	ts := newTestServer(t)
	reqID := uuid.New()
	ts.queries.getRequestFn = func(context.Context, uuid.UUID) (*domain.Request, error) {
		return &domain.Request{ID: reqID, BrokerID: "broker-2"}, nil
	}
	ts.deals.publishFn = func(context.Context, uuid.UUID) (*domain.Request, error) {
		t.Error("publish must not be called for another broker's request")
		return nil, nil
	}

	rec, resp := ts.do(t, &broker, http.MethodPost, "/requests/"+reqID.String()+"/publish", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ErrCodeForbidden, resp.Error.Code)
}

func TestHandleSubmitQuote_UsesActorAsOperator(t *testing.T) {
	ts := newTestServer(t)
	reqID := uuid.New()
	validUntil := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)

	ts.deals.submitQuoteFn = func(_ context.Context, requestID uuid.UUID, operatorID string, terms domain.QuoteTerms) (*domain.Quote, error) {
		assert.Equal(t, reqID, requestID)
		assert.Equal(t, operator.ID, operatorID)
		assert.Equal(t, int64(4_500_000), terms.Price.AmountMinor)
		return &domain.Quote{ID: uuid.New(), RequestID: requestID, OperatorID: operatorID, Price: terms.Price, Status: domain.QuotePending}, nil
	}

	rec, resp := ts.do(t, &operator, http.MethodPost, "/requests/"+reqID.String()+"/quotes", SubmitQuoteInput{
		AmountMinor: 4_500_000,
		Currency:    "USD",
		ValidUntil:  validUntil,
		AircraftRef: "N650GD",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", dataMap(t, resp)["status"])
}

func TestHandleAcceptQuote_RetriesOnceOnConflict(t *testing.T) {
	ts := newTestServer(t)
	quoteID := uuid.New()
	calls := 0
	ts.deals.acceptQuoteFn = func(_ context.Context, id uuid.UUID, brokerID string) (*domain.Deal, error) {
		calls++
		if calls == 1 {
			return nil, domain.NewVersionConflictError("request", id.String())
		}
		return &domain.Deal{ID: uuid.New(), QuoteID: id, BrokerID: brokerID, Status: domain.DealBooked}, nil
	}

	rec, resp := ts.do(t, &broker, http.MethodPost, "/quotes/"+quoteID.String()+"/accept", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "BOOKED", dataMap(t, resp)["status"])
}

func TestHandleAcceptQuote_LoserGetsConflict(t *testing.T) {
	ts := newTestServer(t)
	calls := 0
	ts.deals.acceptQuoteFn = func(context.Context, uuid.UUID, string) (*domain.Deal, error) {
		calls++
		return nil, domain.NewConflictError(domain.ErrCodeQuoteAlreadyAccepted, "request already has an accepted quote")
	}

	rec, resp := ts.do(t, &broker, http.MethodPost, "/quotes/"+uuid.NewString()+"/accept", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ErrCodeQuoteAlreadyAccepted, resp.Error.Code)
	assert.Equal(t, 2, calls)
}

func TestHandleRejectQuote_ChecksRequestOwner(t *testing.T) {
	ts := newTestServer(t)
	quoteID, reqID := uuid.New(), uuid.New()
	ts.queries.getQuoteFn = func(context.Context, uuid.UUID) (*domain.Quote, error) {
		return &domain.Quote{ID: quoteID, RequestID: reqID}, nil
	}
	ts.queries.getRequestFn = func(_ context.Context, id uuid.UUID) (*domain.Request, error) {
		assert.Equal(t, reqID, id)
		return &domain.Request{ID: reqID, BrokerID: broker.ID}, nil
	}
	ts.deals.rejectQuoteFn = func(_ context.Context, id uuid.UUID, actor domain.Actor, reason string) (*domain.Quote, error) {
		assert.Equal(t, broker, actor)
		assert.Equal(t, "too expensive", reason)
		return &domain.Quote{ID: id, Status: domain.QuoteRejected, RejectionReason: &reason}, nil
	}

	rec, resp := ts.do(t, &broker, http.MethodPost, "/quotes/"+quoteID.String()+"/reject", RejectQuoteInput{Reason: "too expensive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REJECTED", dataMap(t, resp)["status"])
}

func TestHandleMarkFlown_RequiresDealOperator(t *testing.T) {
	ts := newTestServer(t)
	dealID := uuid.New()
	ts.queries.getDealFn = func(context.Context, uuid.UUID) (*domain.Deal, error) {
		return &domain.Deal{ID: dealID, OperatorID: "op-2"}, nil
	}

	rec, _ := ts.do(t, &operator, http.MethodPost, "/deals/"+dealID.String()+"/flown", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleReconcile_FinanceOnly(t *testing.T) {
	ts := newTestServer(t)
	dealID := uuid.New()
	ts.deals.reconcileFn = func(_ context.Context, id uuid.UUID, actor domain.Actor) (*domain.Deal, error) {
		assert.Equal(t, finance, actor)
		return &domain.Deal{ID: id, Status: domain.DealReconciled}, nil
	}

	rec, _ := ts.do(t, &broker, http.MethodPost, "/deals/"+dealID.String()+"/reconcile", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := ts.do(t, &finance, http.MethodPost, "/deals/"+dealID.String()+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RECONCILED", dataMap(t, resp)["status"])
}

func TestHandleGetHold_InvalidID(t *testing.T) {
	ts := newTestServer(t)
	rec, resp := ts.do(t, &finance, http.MethodGet, "/holds/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrCodeInvalidInput, resp.Error.Code)
}

func TestHandleGetHold_ListsOutstandingConditions(t *testing.T) {
	ts := newTestServer(t)
	hold := sampleHold(domain.HoldHeld)
	ts.queries.getHoldFn = func(context.Context, uuid.UUID) (*domain.EscrowHold, error) { return hold, nil }

	rec, resp := ts.do(t, &broker, http.MethodGet, "/holds/"+hold.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, resp)
	assert.Len(t, data["outstanding_conditions"], 4)
	assert.Equal(t, "HELD", data["status"])
}

func TestHandleRelease_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		outcome     service.OutcomeKind
		status      domain.HoldStatus
		err         error
		wantStatus  int
		wantOutcome string
	}{
		{name: "released", outcome: service.OutcomeReleased, status: domain.HoldReleased, wantStatus: http.StatusOK, wantOutcome: "RELEASED"},
		{name: "first authorization", outcome: service.OutcomeAwaitingSecondAuthorization, status: domain.HoldHeld, wantStatus: http.StatusAccepted, wantOutcome: "AWAITING_SECOND_AUTHORIZATION"},
		{name: "rail pending", outcome: service.OutcomeTransferPending, status: domain.HoldHeld, wantStatus: http.StatusAccepted, wantOutcome: "TRANSFER_PENDING"},
		{name: "compliance blocked", outcome: service.OutcomeComplianceBlocked, status: domain.HoldHeld, wantStatus: http.StatusOK, wantOutcome: "COMPLIANCE_BLOCKED"},
		{
			name: "rail failure", outcome: service.OutcomeRailFailed, status: domain.HoldDisputed,
			err:        domain.NewExternalRailError(domain.ErrCodeRailFailure, errors.New("rail unavailable")),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			hold := sampleHold(tt.status)
			ts.escrow.releaseFn = func(_ context.Context, id uuid.UUID, actor domain.Actor) (*service.EscrowOutcome, error) {
				assert.Equal(t, finance.ID, actor.ID)
				return &service.EscrowOutcome{Kind: tt.outcome, Hold: hold}, tt.err
			}

			rec, resp := ts.do(t, &finance, http.MethodPost, "/holds/"+hold.ID.String()+"/release", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.err != nil {
				assert.Equal(t, domain.ErrCodeRailFailure, resp.Error.Code)
				return
			}
			assert.Equal(t, tt.wantOutcome, dataMap(t, resp)["outcome"])
		})
	}
}

func TestHandleRelease_BrokerForbidden(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, &broker, http.MethodPost, "/holds/"+uuid.NewString()+"/release", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleResolveDispute_ValidatesResolution(t *testing.T) {
	ts := newTestServer(t)
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	rec, _ := ts.do(t, &admin, http.MethodPost, "/holds/"+uuid.NewString()+"/resolve", ResolveDisputeInput{Resolution: "SPLIT", Note: "n"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hold := sampleHold(domain.HoldRefunded)
	ts.escrow.resolveFn = func(_ context.Context, _ uuid.UUID, res service.DisputeResolution, note string, _ domain.Actor) (*service.EscrowOutcome, error) {
		assert.Equal(t, service.ResolveRefund, res)
		assert.Equal(t, "operator cancelled", note)
		return &service.EscrowOutcome{Kind: service.OutcomeRefunded, Hold: hold}, nil
	}
	rec, resp := ts.do(t, &admin, http.MethodPost, "/holds/"+hold.ID.String()+"/resolve", ResolveDisputeInput{Resolution: "REFUND", Note: "operator cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REFUNDED", dataMap(t, resp)["outcome"])
}

func TestHandleGetCompliance_IncludesDecision(t *testing.T) {
	ts := newTestServer(t)
	ts.compliance.getRecordFn = func(_ context.Context, id string) (*domain.ComplianceRecord, error) {
		return &domain.ComplianceRecord{
			Party: domain.Party{ID: id, LegalName: "Acme Jets", Kind: domain.PartyCompany},
			KYC:   domain.KYC{Status: domain.KYCPending},
		}, nil
	}

	rec, resp := ts.do(t, &finance, http.MethodGet, "/parties/op-1/compliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decision, ok := dataMap(t, resp)["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "KYC_REQUIRED", decision["reason"])
}

func TestHandleResolveScreening(t *testing.T) {
	ts := newTestServer(t)
	resultID := uuid.New()
	ts.compliance.resolveFn = func(_ context.Context, partyID string, id uuid.UUID, status domain.ScreeningStatus, note string, actor domain.Actor) (*domain.ComplianceRecord, error) {
		assert.Equal(t, "op-1", partyID)
		assert.Equal(t, resultID, id)
		assert.Equal(t, domain.ScreeningCleared, status)
		assert.Equal(t, complianceOfficer, actor)
		return &domain.ComplianceRecord{Party: domain.Party{ID: partyID}}, nil
	}

	path := "/parties/op-1/screenings/" + resultID.String() + "/resolve"
	rec, _ := ts.do(t, &broker, http.MethodPost, path, ResolveScreeningInput{Status: "CLEARED", Note: "different birth date"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(t, &complianceOfficer, http.MethodPost, path, ResolveScreeningInput{Status: "CLEARED", Note: "different birth date"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLoadWatchlist(t *testing.T) {
	ts := newTestServer(t)
	ts.compliance.watchlistFn = func(_ context.Context, entities []screening.Entity, _ domain.Actor) (int, error) {
		return len(entities), nil
	}

	rec, resp := ts.do(t, &complianceOfficer, http.MethodPost, "/watchlist", LoadWatchlistInput{Entities: []screening.Entity{
		{ID: "e-1", Name: "Ivan Petrov", List: screening.ListSanctions},
		{ID: "e-2", Name: "Northwind Air", Kind: screening.KindOrganization, List: screening.ListPEP},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, dataMap(t, resp)["loaded"])

	rec, _ = ts.do(t, &complianceOfficer, http.MethodPost, "/watchlist", LoadWatchlistInput{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExportEvidence(t *testing.T) {
	ts := newTestServer(t)
	dealID := uuid.New()
	ts.evidence.exportFn = func(_ context.Context, id uuid.UUID) (audit.Bundle, error) {
		return audit.NewBundle(id.String(), uuid.NewString(), nil, time.Now()), nil
	}

	rec, resp := ts.do(t, &finance, http.MethodGet, "/deals/"+dealID.String()+"/evidence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, resp)
	assert.Equal(t, dealID.String(), data["deal_id"])
	assert.Contains(t, data["bundle_hash"], "sha256:")
}
