package ports

import (
	"context"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/google/uuid"
)

// Repository stores the negotiation aggregates. Update methods are
// optimistic: they fail with a ConflictError when the stored version differs
// from the entity's Version and increment Version on success.
type Repository interface {
	CreateRequest(ctx context.Context, r *domain.Request) error
	FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.Request, error)
	UpdateRequest(ctx context.Context, r *domain.Request) error

	CreateQuote(ctx context.Context, q *domain.Quote) error
	FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error)
	FindQuotesByRequestID(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error)
	UpdateQuote(ctx context.Context, q *domain.Quote) error

	CreateDeal(ctx context.Context, d *domain.Deal) error
	FindDealByID(ctx context.Context, id uuid.UUID) (*domain.Deal, error)
	FindDealByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.Deal, error)
	UpdateDeal(ctx context.Context, d *domain.Deal) error

	CreateHold(ctx context.Context, h *domain.EscrowHold) error
	FindHoldByID(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error)
	UpdateHold(ctx context.Context, h *domain.EscrowHold) error
	FindHoldsWithExpiredAuthorization(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowHold, error)
	FindHoldsWithTransferInFlight(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.EscrowHold, error)

	// AppendReceipt is append-only; receipts are never updated or deleted.
	AppendReceipt(ctx context.Context, r audit.Receipt) error
	FindReceiptsByCorrelationID(ctx context.Context, correlationID string) ([]audit.Receipt, error)

	// EnqueueEvents writes to the transactional outbox.
	EnqueueEvents(ctx context.Context, events ...domain.Event) error

	// WithTx executes a function within a database transaction.
	WithTx(ctx context.Context, fn func(Repository) error) error
}

// OutboxMessage is an enqueued event awaiting delivery.
type OutboxMessage struct {
	ID        int64
	Event     domain.Event
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// OutboxRepository is read by the relay worker.
type OutboxRepository interface {
	FetchPendingEvents(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkEventsDelivered(ctx context.Context, ids []int64) error
	MarkEventFailed(ctx context.Context, id int64, cause string) error
}

// ComplianceRepository stores per-party KYC and screening state.
type ComplianceRepository interface {
	CreateParty(ctx context.Context, rec *domain.ComplianceRecord) error
	FindComplianceRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error)
	UpdateKYC(ctx context.Context, partyID string, kyc domain.KYC) error
	// ReplaceScreenings swaps all results of a party atomically.
	ReplaceScreenings(ctx context.Context, partyID string, results []domain.ScreeningResult) error
	UpdateScreening(ctx context.Context, partyID string, result domain.ScreeningResult) error
	FindPartiesDueForScreening(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)
}
