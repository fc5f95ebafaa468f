package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/adapters/memory"
	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var errUnknownTransfer = errors.New("rail has no transfer for this key")

// MockRail answers SUCCEEDED unless a Fn override is set.
type MockRail struct {
	mu    sync.Mutex
	calls map[string]int
	keys  []string

	TransferFn func(ctx context.Context, req domain.RailTransferRequest, key string) (*domain.RailResult, error)
	RefundFn   func(ctx context.Context, req domain.RailRefundRequest, key string) (*domain.RailResult, error)
	StatusFn   func(ctx context.Context, key string) (*domain.RailResult, error)
}

func (m *MockRail) record(method, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
	m.keys = append(m.keys, key)
}

func (m *MockRail) GetCalls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockRail) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

func (m *MockRail) Transfer(ctx context.Context, req domain.RailTransferRequest, key string) (*domain.RailResult, error) {
	m.record("Transfer", key)
	if m.TransferFn != nil {
		return m.TransferFn(ctx, req, key)
	}
	return &domain.RailResult{Reference: "rail-" + key, Status: domain.RailSucceeded, ProcessedAt: time.Now()}, nil
}

func (m *MockRail) Refund(ctx context.Context, req domain.RailRefundRequest, key string) (*domain.RailResult, error) {
	m.record("Refund", key)
	if m.RefundFn != nil {
		return m.RefundFn(ctx, req, key)
	}
	return &domain.RailResult{Reference: "rail-" + key, Status: domain.RailSucceeded, ProcessedAt: time.Now()}, nil
}

func (m *MockRail) Status(ctx context.Context, key string) (*domain.RailResult, error) {
	m.record("Status", key)
	if m.StatusFn != nil {
		return m.StatusFn(ctx, key)
	}
	return nil, errUnknownTransfer
}

type MockNotifier struct {
	mu   sync.Mutex
	sent []ports.Notification
	Err  error
}

func (m *MockNotifier) Notify(ctx context.Context, n ports.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return m.Err
}

func (m *MockNotifier) Sent(recipient string) []ports.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.Notification
	for _, n := range m.sent {
		if recipient == "" || n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}

type MockDirectory struct {
	Operators []string
	Err       error
}

func (m *MockDirectory) EligibleOperators(ctx context.Context, req *domain.Request) ([]string, error) {
	return m.Operators, m.Err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	testStart = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	broker            = domain.Actor{ID: "broker-1", Role: domain.RoleBroker}
	operator          = domain.Actor{ID: "op-1", Role: domain.RoleOperator}
	financeA          = domain.Actor{ID: "fin-a", Role: domain.RoleFinance}
	financeB          = domain.Actor{ID: "fin-b", Role: domain.RoleFinance}
	complianceOfficer = domain.Actor{ID: "co-1", Role: domain.RoleCompliance}
	admin             = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

const dualControlThreshold = 10_000_000 // $100,000.00

type harness struct {
	store      *memory.Store
	rail       *MockRail
	notifier   *MockNotifier
	directory  *MockDirectory
	clock      *fakeClock
	matcher    *screening.Matcher
	compliance *ComplianceService
	escrow     *EscrowService
	deals      *DealService
	evidence   *EvidenceService
	queries    *QueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())

	h := &harness{
		store:     memory.NewStore(),
		rail:      &MockRail{},
		notifier:  &MockNotifier{},
		directory: &MockDirectory{Operators: []string{"op-1", "op-2"}},
		clock:     &fakeClock{t: testStart},
		matcher:   screening.NewMatcher(nil),
	}
	h.compliance = NewComplianceService(h.store, h.store, h.matcher, config.ComplianceConfig{
		ScreeningTTL:  30 * 24 * time.Hour,
		RescreenAhead: 24 * time.Hour,
	}, m, logger)
	h.escrow = NewEscrowService(h.store, h.compliance, h.rail, h.notifier, config.EscrowConfig{
		DualControlThreshold: dualControlThreshold,
		AuthorizationTTL:     24 * time.Hour,
		DisputeWindow:        72 * time.Hour,
		TransferStaleAfter:   5 * time.Minute,
		AdminRecipient:       "escrow-admin",
	}, m, logger)
	h.deals = NewDealService(h.store, h.escrow, h.directory, h.notifier, m, logger)
	h.evidence = NewEvidenceService(h.store)
	h.queries = NewQueryService(h.store)

	h.compliance.now = h.clock.Now
	h.escrow.now = h.clock.Now
	h.deals.now = h.clock.Now
	h.evidence.now = h.clock.Now
	return h
}

func (h *harness) newRequest(t *testing.T) *domain.Request {
	t.Helper()
	r, err := h.deals.CreateRequest(context.Background(), domain.NewRequestInput{
		BrokerID: broker.ID,
		Legs: []domain.Leg{
			{Origin: "KTEB", Destination: "KPBI", DepartureAt: h.clock.Now().Add(48 * time.Hour)},
		},
		Pax:    6,
		Budget: domain.BudgetBand{MinMinor: 2_000_000, MaxMinor: 15_000_000, Currency: "USD"},
	})
	require.NoError(t, err)
	return r
}

func (h *harness) publishedRequest(t *testing.T) *domain.Request {
	t.Helper()
	r := h.newRequest(t)
	r, err := h.deals.Publish(context.Background(), r.ID)
	require.NoError(t, err)
	return r
}

func (h *harness) terms(priceMinor int64) domain.QuoteTerms {
	return domain.QuoteTerms{
		Price:       domain.Money{AmountMinor: priceMinor, Currency: "USD"},
		ValidUntil:  h.clock.Now().Add(24 * time.Hour),
		AircraftRef: "N512CJ",
	}
}

func (h *harness) submit(t *testing.T, r *domain.Request, operatorID string, priceMinor int64) *domain.Quote {
	t.Helper()
	q, err := h.deals.SubmitQuote(context.Background(), r.ID, operatorID, h.terms(priceMinor))
	require.NoError(t, err)
	return q
}

// bookedDeal runs a request through to an accepted quote by op-1.
func (h *harness) bookedDeal(t *testing.T, priceMinor int64) *domain.Deal {
	t.Helper()
	r := h.publishedRequest(t)
	q := h.submit(t, r, operator.ID, priceMinor)
	d, err := h.deals.AcceptQuote(context.Background(), q.ID, broker.ID)
	require.NoError(t, err)
	return d
}

// clearParty registers a party with verified KYC and a clean screening.
func (h *harness) clearParty(t *testing.T, id, name string) {
	t.Helper()
	ctx := context.Background()
	h.registerParty(t, id, name)
	expires := h.clock.Now().Add(365 * 24 * time.Hour)
	_, err := h.compliance.SubmitKYC(ctx, id, KYCUpdate{Status: domain.KYCVerified, ExpiresAt: &expires, Note: "documents checked"}, complianceOfficer)
	require.NoError(t, err)
	_, err = h.compliance.ScreenParty(ctx, id, complianceOfficer)
	require.NoError(t, err)
}

func (h *harness) registerParty(t *testing.T, id, name string) {
	t.Helper()
	_, err := h.compliance.RegisterParty(context.Background(), domain.Party{ID: id, LegalName: name, Kind: domain.PartyCompany}, complianceOfficer)
	require.NoError(t, err)
}

// readyForRelease flies the deal and completes the checklist.
func (h *harness) readyForRelease(t *testing.T, d *domain.Deal) {
	t.Helper()
	ctx := context.Background()
	_, err := h.deals.MarkFlown(ctx, d.ID, operator)
	require.NoError(t, err)
	_, err = h.escrow.ConfirmCondition(ctx, d.HoldID, domain.ConditionPayeeConfirmed, nil, operator)
	require.NoError(t, err)
	_, err = h.escrow.ConfirmCondition(ctx, d.HoldID, domain.ConditionDocumentationAttached, []string{"doc://tripsheet/1"}, broker)
	require.NoError(t, err)
	h.clock.Advance(73 * time.Hour)
}

func (h *harness) hold(t *testing.T, d *domain.Deal) *domain.EscrowHold {
	t.Helper()
	hold, err := h.queries.GetHold(context.Background(), d.HoldID)
	require.NoError(t, err)
	return hold
}

func (h *harness) eventTypes(t *testing.T) []domain.EventType {
	t.Helper()
	msgs, err := h.store.FetchPendingEvents(context.Background(), 1000)
	require.NoError(t, err)
	out := make([]domain.EventType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event.Type
	}
	return out
}
