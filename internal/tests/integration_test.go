package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/adapters/handler"
	"github.com/DanielPopoola/charterdesk/internal/adapters/notify"
	"github.com/DanielPopoola/charterdesk/internal/adapters/postgres"
	"github.com/DanielPopoola/charterdesk/internal/adapters/rail"
	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/DanielPopoola/charterdesk/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	broker            = domain.Actor{ID: "broker-1", Role: domain.RoleBroker}
	operatorOne       = domain.Actor{ID: "op-1", Role: domain.RoleOperator}
	operatorTwo       = domain.Actor{ID: "op-2", Role: domain.RoleOperator}
	finance           = domain.Actor{ID: "fin-1", Role: domain.RoleFinance}
	complianceOfficer = domain.Actor{ID: "co-1", Role: domain.RoleCompliance}
)

// fakeRail answers every transfer and refund with SUCCEEDED and remembers
// the idempotency keys it saw.
type fakeRail struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(domain.RailResult{
		Reference:   "rail-" + uuid.NewString()[:8],
		Status:      domain.RailSucceeded,
		ProcessedAt: time.Now().UTC(),
	})
}

type env struct {
	server *httptest.Server
	auth   *handler.Authenticator
	store  *postgres.Store
	rail   *fakeRail
	relay  *worker.OutboxRelay
	events *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func setupIntegration(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("charterdesk"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := postgres.Connect(ctx, &config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "testuser",
		Password:        "testpass",
		Name:            "charterdesk",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))

	store := postgres.NewStore(db)
	fr := &fakeRail{}
	railServer := httptest.NewServer(fr)
	t.Cleanup(railServer.Close)

	railClient := rail.NewRetryClient(
		rail.NewHTTPClient(config.RailConfig{BaseURL: railServer.URL, ConnTimeout: 5 * time.Second}),
		config.RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxRetries: 2},
		logger,
	)
	notifier := notify.NewLogNotifier(logger)

	compliance := service.NewComplianceService(store, store, screening.NewMatcher(nil), config.ComplianceConfig{
		ScreeningTTL:  30 * 24 * time.Hour,
		RescreenAhead: 24 * time.Hour,
	}, nil, logger)
	escrow := service.NewEscrowService(store, compliance, railClient, notifier, config.EscrowConfig{
		DualControlThreshold: 10_000_000,
		AuthorizationTTL:     24 * time.Hour,
		DisputeWindow:        0,
		TransferStaleAfter:   time.Minute,
		AdminRecipient:       "escrow-admin",
	}, nil, logger)
	deals := service.NewDealService(store, escrow, notify.NewStaticDirectory([]string{operatorOne.ID, operatorTwo.ID}), notifier, nil, logger)

	auth := handler.NewAuthenticator(config.AuthConfig{JWTSecret: "integration-secret-0123456789", Issuer: "charterdesk"}, logger)
	h := handler.NewHandler(handler.Services{
		Deals:      deals,
		Escrow:     escrow,
		Compliance: compliance,
		Evidence:   service.NewEvidenceService(store),
		Queries:    service.NewQueryService(store),
	}, auth, 10*time.Second, logger)

	server := httptest.NewServer(h.Routes(nil))
	t.Cleanup(server.Close)

	events := &recordingPublisher{}
	return &env{
		server: server,
		auth:   auth,
		store:  store,
		rail:   fr,
		relay:  worker.NewOutboxRelay(store, events, nil, time.Second, 100, logger),
		events: events,
	}
}

type envelope[T any] struct {
	Success bool              `json:"success"`
	Data    T                 `json:"data"`
	Error   *handler.APIError `json:"error"`
}

// call sends body as actor and decodes the data field into T. It returns
// the status and, for error responses, the error code.
func call[T any](t *testing.T, e *env, actor domain.Actor, method, path string, body any) (int, T, string) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	token, err := e.auth.IssueToken(actor, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	code := ""
	if env.Error != nil {
		code = env.Error.Code
	}
	return resp.StatusCode, env.Data, code
}

func clearParty(t *testing.T, e *env, id, name string) {
	t.Helper()
	status, _, code := call[json.RawMessage](t, e, complianceOfficer, http.MethodPost, "/parties", handler.RegisterPartyInput{
		ID: id, LegalName: name, Kind: "COMPANY", Country: "US",
	})
	require.Equal(t, http.StatusCreated, status, code)

	expires := time.Now().Add(365 * 24 * time.Hour)
	status, _, code = call[json.RawMessage](t, e, complianceOfficer, http.MethodPost, "/parties/"+id+"/kyc", handler.SubmitKYCInput{
		Status: "VERIFIED", ExpiresAt: &expires, Note: "documents checked",
	})
	require.Equal(t, http.StatusOK, status, code)

	status, _, code = call[json.RawMessage](t, e, complianceOfficer, http.MethodPost, "/parties/"+id+"/screen", nil)
	require.Equal(t, http.StatusOK, status, code)
}

func openRequest(t *testing.T, e *env) handler.RequestView {
	t.Helper()
	status, req, code := call[handler.RequestView](t, e, broker, http.MethodPost, "/requests", handler.CreateRequestInput{
		Legs: []handler.LegInput{{Origin: "KTEB", Destination: "KPBI", DepartureAt: time.Now().Add(7 * 24 * time.Hour)}},
		Pax:  8,
	})
	require.Equal(t, http.StatusCreated, status, code)

	status, req, code = call[handler.RequestView](t, e, broker, http.MethodPost, fmt.Sprintf("/requests/%s/publish", req.ID), nil)
	require.Equal(t, http.StatusOK, status, code)
	require.Equal(t, domain.RequestSent, req.Status)
	return req
}

func submitQuote(t *testing.T, e *env, op domain.Actor, requestID uuid.UUID, amount int64) handler.QuoteView {
	t.Helper()
	status, q, code := call[handler.QuoteView](t, e, op, http.MethodPost, fmt.Sprintf("/requests/%s/quotes", requestID), handler.SubmitQuoteInput{
		AmountMinor: amount,
		Currency:    "USD",
		ValidUntil:  time.Now().Add(48 * time.Hour),
		AircraftRef: "N" + op.ID,
	})
	require.Equal(t, http.StatusCreated, status, code)
	return q
}

func TestIntegration_NegotiationToReconciliation(t *testing.T) {
	e := setupIntegration(t)

	status, _, code := call[map[string]int](t, e, complianceOfficer, http.MethodPost, "/watchlist", handler.LoadWatchlistInput{
		Entities: []screening.Entity{{ID: "ofac-1", Name: "Viktor Bout", Kind: screening.KindIndividual, List: screening.ListSanctions}},
	})
	require.Equal(t, http.StatusOK, status, code)
	clearParty(t, e, operatorOne.ID, "Skyline Charter LLC")

	req := openRequest(t, e)
	quote := submitQuote(t, e, operatorOne, req.ID, 4_500_000)
	rival := submitQuote(t, e, operatorTwo, req.ID, 5_100_000)

	status, deal, code := call[handler.DealView](t, e, broker, http.MethodPost, fmt.Sprintf("/quotes/%s/accept", quote.ID), nil)
	require.Equal(t, http.StatusCreated, status, code)
	assert.Equal(t, domain.DealBooked, deal.Status)

	_, quotes, _ := call[[]handler.QuoteView](t, e, broker, http.MethodGet, fmt.Sprintf("/requests/%s/quotes", req.ID), nil)
	byID := map[uuid.UUID]domain.QuoteStatus{}
	for _, q := range quotes {
		byID[q.ID] = q.Status
	}
	assert.Equal(t, domain.QuoteAccepted, byID[quote.ID])
	assert.Equal(t, domain.QuoteRejected, byID[rival.ID])

	holdPath := fmt.Sprintf("/holds/%s", deal.HoldID)
	_, hold, _ := call[handler.HoldView](t, e, finance, http.MethodGet, holdPath, nil)
	assert.Equal(t, domain.HoldHeld, hold.Status)
	assert.Equal(t, int64(4_500_000), hold.Amount.AmountMinor)

	status, _, code = call[handler.OutcomeView](t, e, finance, http.MethodPost, holdPath+"/release", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.ErrCodeConditionsNotMet, code)

	status, _, code = call[handler.DealView](t, e, operatorOne, http.MethodPost, fmt.Sprintf("/deals/%s/flown", deal.ID), nil)
	require.Equal(t, http.StatusOK, status, code)
	status, _, code = call[handler.HoldView](t, e, operatorOne, http.MethodPost, holdPath+"/conditions", handler.ConfirmConditionInput{Condition: "PAYEE_CONFIRMED"})
	require.Equal(t, http.StatusOK, status, code)
	status, hold, code = call[handler.HoldView](t, e, operatorOne, http.MethodPost, holdPath+"/conditions", handler.ConfirmConditionInput{
		Condition: "DOCUMENTATION_ATTACHED", Refs: []string{"doc://tech-log/123"},
	})
	require.Equal(t, http.StatusOK, status, code)
	assert.Empty(t, hold.Outstanding)

	status, out, code := call[handler.OutcomeView](t, e, finance, http.MethodPost, holdPath+"/release", nil)
	require.Equal(t, http.StatusOK, status, code)
	assert.Equal(t, service.OutcomeReleased, out.Outcome)
	assert.Equal(t, domain.HoldReleased, out.Hold.Status)
	require.NotNil(t, out.Hold.RailReference)
	assert.Equal(t, []string{deal.HoldID.String() + ":release:1"}, e.rail.keys)

	status, deal, code = call[handler.DealView](t, e, finance, http.MethodPost, fmt.Sprintf("/deals/%s/reconcile", deal.ID), nil)
	require.Equal(t, http.StatusOK, status, code)
	assert.Equal(t, domain.DealReconciled, deal.Status)

	_, bundle, _ := call[audit.Bundle](t, e, finance, http.MethodGet, fmt.Sprintf("/deals/%s/evidence", deal.ID), nil)
	assert.Equal(t, req.ID.String(), bundle.CorrelationID)
	assert.NotEmpty(t, bundle.Receipts)
	verification, err := audit.VerifyBundle(bundle)
	require.NoError(t, err)
	assert.True(t, verification.Valid)

	_, dv, _ := call[service.DealVerification](t, e, finance, http.MethodGet, fmt.Sprintf("/deals/%s/verification", deal.ID), nil)
	assert.True(t, dv.Valid)

	require.NoError(t, e.relay.RunOnce(context.Background()))
	types := e.events.types()
	assert.Contains(t, types, domain.EventRequestPublished)
	assert.Contains(t, types, domain.EventDealBooked)
	assert.Contains(t, types, domain.EventHoldReleased)
}

func TestIntegration_ReleaseBlockedUntilPayeeCleared(t *testing.T) {
	e := setupIntegration(t)

	status, _, code := call[map[string]int](t, e, complianceOfficer, http.MethodPost, "/watchlist", handler.LoadWatchlistInput{
		Entities: []screening.Entity{{ID: "ofac-9", Name: "Skyline Charter LLC", Kind: screening.KindOrganization, List: screening.ListSanctions}},
	})
	require.Equal(t, http.StatusOK, status, code)
	clearParty(t, e, operatorOne.ID, "Skyline Charter LLC")

	req := openRequest(t, e)
	quote := submitQuote(t, e, operatorOne, req.ID, 4_500_000)
	_, deal, _ := call[handler.DealView](t, e, broker, http.MethodPost, fmt.Sprintf("/quotes/%s/accept", quote.ID), nil)
	holdPath := fmt.Sprintf("/holds/%s", deal.HoldID)

	call[handler.DealView](t, e, operatorOne, http.MethodPost, fmt.Sprintf("/deals/%s/flown", deal.ID), nil)
	call[handler.HoldView](t, e, operatorOne, http.MethodPost, holdPath+"/conditions", handler.ConfirmConditionInput{Condition: "PAYEE_CONFIRMED"})
	call[handler.HoldView](t, e, operatorOne, http.MethodPost, holdPath+"/conditions", handler.ConfirmConditionInput{
		Condition: "DOCUMENTATION_ATTACHED", Refs: []string{"doc://tech-log/9"},
	})

	status, out, code := call[handler.OutcomeView](t, e, finance, http.MethodPost, holdPath+"/release", nil)
	require.Equal(t, http.StatusOK, status, code)
	assert.Equal(t, service.OutcomeComplianceBlocked, out.Outcome)
	require.NotNil(t, out.Decision)
	assert.Equal(t, domain.ReasonScreeningMatch, out.Decision.Reason)
	assert.Equal(t, domain.HoldHeld, out.Hold.Status)
	assert.Empty(t, e.rail.keys)

	_, rec, _ := call[domain.ComplianceRecord](t, e, complianceOfficer, http.MethodGet, "/parties/"+operatorOne.ID+"/compliance", nil)
	var matchID uuid.UUID
	for _, s := range rec.Screenings {
		if s.Status == domain.ScreeningMatch {
			matchID = s.ID
		}
	}
	require.NotEqual(t, uuid.Nil, matchID)

	status, _, code = call[json.RawMessage](t, e, complianceOfficer, http.MethodPost,
		fmt.Sprintf("/parties/%s/screenings/%s/resolve", operatorOne.ID, matchID),
		handler.ResolveScreeningInput{Status: "CLEARED", Note: "different registration number"})
	require.Equal(t, http.StatusOK, status, code)

	status, out, code = call[handler.OutcomeView](t, e, finance, http.MethodPost, holdPath+"/release", nil)
	require.Equal(t, http.StatusOK, status, code)
	assert.Equal(t, service.OutcomeReleased, out.Outcome)
}

func TestIntegration_ConcurrentAcceptsBookOnce(t *testing.T) {
	e := setupIntegration(t)
	req := openRequest(t, e)
	quotes := []handler.QuoteView{
		submitQuote(t, e, operatorOne, req.ID, 4_500_000),
		submitQuote(t, e, operatorTwo, req.ID, 4_400_000),
	}

	statuses := make([]int, len(quotes))
	codes := make([]string, len(quotes))
	var wg sync.WaitGroup
	for i, q := range quotes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i], _, codes[i] = call[handler.DealView](t, e, broker, http.MethodPost, fmt.Sprintf("/quotes/%s/accept", q.ID), nil)
		}()
	}
	wg.Wait()

	created := 0
	for i, s := range statuses {
		switch s {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			assert.NotEmpty(t, codes[i])
		default:
			t.Errorf("unexpected status %d (%s)", s, codes[i])
		}
	}
	assert.Equal(t, 1, created)

	_, r, _ := call[handler.RequestView](t, e, broker, http.MethodGet, fmt.Sprintf("/requests/%s", req.ID), nil)
	assert.Equal(t, domain.RequestBooked, r.Status)
}
