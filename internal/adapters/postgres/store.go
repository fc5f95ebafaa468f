// Package postgres is the PostgreSQL implementation of the store ports.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const acceptedQuoteIndex = "quotes_one_accepted_per_request"

type Store struct {
	pool *pgxpool.Pool
	q    Executor
	inTx bool
}

var (
	_ ports.Repository           = (*Store)(nil)
	_ ports.OutboxRepository     = (*Store)(nil)
	_ ports.ComplianceRepository = (*Store)(nil)
	_ ports.WatchlistRepository  = (*Store)(nil)
)

func NewStore(db *DB) *Store {
	return &Store{
		pool: db.Pool,
		q:    db.Pool,
	}
}

// WithTx executes a function within a database transaction. Nested calls
// reuse the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ports.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.withTx(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Rollback is a no-op once Commit succeeded.
	defer tx.Rollback(ctx) //nolint:errcheck

	txStore := &Store{
		pool: s.pool,
		q:    tx,
		inTx: true,
	}

	if err := fn(txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// checkUpdated turns a zero-row versioned update into NotFound or a version conflict.
func (s *Store) checkUpdated(ctx context.Context, tag pgconn.CommandTag, table, entity string, id any) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := s.q.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s existence: %w", entity, err)
	}
	if !exists {
		return domain.NewNotFoundError(entity, fmt.Sprint(id))
	}
	return domain.NewVersionConflictError(entity, fmt.Sprint(id))
}

func mapWriteError(err error, entity, id string) error {
	if IsUniqueViolation(err) {
		switch constraintName(err) {
		case acceptedQuoteIndex, "deals_request_id_key", "deals_quote_id_key":
			return domain.NewConflictError(domain.ErrCodeQuoteAlreadyAccepted, "request already has an accepted quote")
		default:
			return domain.NewConflictError(domain.ErrCodeDuplicate, fmt.Sprintf("%s %s already exists", entity, id))
		}
	}
	return fmt.Errorf("failed to write %s %s: %w", entity, id, err)
}

func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError(entity, id)
	}
	return fmt.Errorf("failed to scan %s: %w", entity, err)
}

// Requests

const requestColumns = `id, broker_id, legs, pax, budget_min_minor, budget_max_minor, budget_currency,
	urgency, status, expires_at, created_at, updated_at, published_at, booked_at, cancelled_at,
	cancel_reason, version, last_receipt_hash`

func (s *Store) CreateRequest(ctx context.Context, r *domain.Request) error {
	query := `INSERT INTO requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := s.q.Exec(ctx, query,
		r.ID,
		r.BrokerID,
		r.Legs,
		r.Pax,
		r.Budget.MinMinor,
		r.Budget.MaxMinor,
		r.Budget.Currency,
		r.Urgency,
		r.Status,
		r.ExpiresAt,
		r.CreatedAt,
		r.UpdatedAt,
		r.PublishedAt,
		r.BookedAt,
		r.CancelledAt,
		r.CancelReason,
		r.Version,
		r.LastReceiptHash,
	)
	if err != nil {
		return mapWriteError(err, "request", r.ID.String())
	}
	return nil
}

func (s *Store) FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	row := s.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, notFoundOr(err, "request", id.String())
	}
	return r, nil
}

func (s *Store) UpdateRequest(ctx context.Context, r *domain.Request) error {
	query := `
		UPDATE requests SET status = $1, expires_at = $2, updated_at = $3, published_at = $4,
			booked_at = $5, cancelled_at = $6, cancel_reason = $7, last_receipt_hash = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`

	tag, err := s.q.Exec(ctx, query,
		r.Status,
		r.ExpiresAt,
		r.UpdatedAt,
		r.PublishedAt,
		r.BookedAt,
		r.CancelledAt,
		r.CancelReason,
		r.LastReceiptHash,
		r.ID,
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", r.ID, err)
	}
	if err := s.checkUpdated(ctx, tag, "requests", "request", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var r domain.Request
	err := row.Scan(
		&r.ID,
		&r.BrokerID,
		&r.Legs,
		&r.Pax,
		&r.Budget.MinMinor,
		&r.Budget.MaxMinor,
		&r.Budget.Currency,
		&r.Urgency,
		&r.Status,
		&r.ExpiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.PublishedAt,
		&r.BookedAt,
		&r.CancelledAt,
		&r.CancelReason,
		&r.Version,
		&r.LastReceiptHash,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Quotes

const quoteColumns = `id, request_id, operator_id, amount_minor, currency, valid_from, valid_until,
	aircraft_ref, notes, status, submitted_at, accepted_at, rejected_at, rejection_reason,
	version, last_receipt_hash`

func (s *Store) CreateQuote(ctx context.Context, q *domain.Quote) error {
	query := `INSERT INTO quotes (` + quoteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.q.Exec(ctx, query,
		q.ID,
		q.RequestID,
		q.OperatorID,
		q.Price.AmountMinor,
		q.Price.Currency,
		q.ValidFrom,
		q.ValidUntil,
		q.AircraftRef,
		q.Notes,
		q.Status,
		q.SubmittedAt,
		q.AcceptedAt,
		q.RejectedAt,
		q.RejectionReason,
		q.Version,
		q.LastReceiptHash,
	)
	if err != nil {
		return mapWriteError(err, "quote", q.ID.String())
	}
	return nil
}

func (s *Store) FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	row := s.q.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if err != nil {
		return nil, notFoundOr(err, "quote", id.String())
	}
	return q, nil
}

// FindQuotesByRequestID returns quotes in submission order.
func (s *Store) FindQuotesByRequestID(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error) {
	rows, err := s.q.Query(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE request_id = $1 ORDER BY submitted_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query quotes by request_id: %w", err)
	}
	quotes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Quote, error) {
		return scanQuote(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan quotes: %w", err)
	}
	return quotes, nil
}

func (s *Store) UpdateQuote(ctx context.Context, q *domain.Quote) error {
	query := `
		UPDATE quotes SET status = $1, accepted_at = $2, rejected_at = $3, rejection_reason = $4,
			last_receipt_hash = $5, version = version + 1
		WHERE id = $6 AND version = $7`

	tag, err := s.q.Exec(ctx, query,
		q.Status,
		q.AcceptedAt,
		q.RejectedAt,
		q.RejectionReason,
		q.LastReceiptHash,
		q.ID,
		q.Version,
	)
	if err != nil {
		return mapWriteError(err, "quote", q.ID.String())
	}
	if err := s.checkUpdated(ctx, tag, "quotes", "quote", q.ID); err != nil {
		return err
	}
	q.Version++
	return nil
}

func scanQuote(row pgx.Row) (*domain.Quote, error) {
	var q domain.Quote
	err := row.Scan(
		&q.ID,
		&q.RequestID,
		&q.OperatorID,
		&q.Price.AmountMinor,
		&q.Price.Currency,
		&q.ValidFrom,
		&q.ValidUntil,
		&q.AircraftRef,
		&q.Notes,
		&q.Status,
		&q.SubmittedAt,
		&q.AcceptedAt,
		&q.RejectedAt,
		&q.RejectionReason,
		&q.Version,
		&q.LastReceiptHash,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Deals

const dealColumns = `id, request_id, quote_id, hold_id, broker_id, operator_id, amount_minor, currency,
	status, booked_at, flown_at, reconciled_at, cancelled_at, version, last_receipt_hash`

func (s *Store) CreateDeal(ctx context.Context, d *domain.Deal) error {
	query := `INSERT INTO deals (` + dealColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.q.Exec(ctx, query,
		d.ID,
		d.RequestID,
		d.QuoteID,
		d.HoldID,
		d.BrokerID,
		d.OperatorID,
		d.Price.AmountMinor,
		d.Price.Currency,
		d.Status,
		d.BookedAt,
		d.FlownAt,
		d.ReconciledAt,
		d.CancelledAt,
		d.Version,
		d.LastReceiptHash,
	)
	if err != nil {
		return mapWriteError(err, "deal", d.ID.String())
	}
	return nil
}

func (s *Store) FindDealByID(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	row := s.q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err != nil {
		return nil, notFoundOr(err, "deal", id.String())
	}
	return d, nil
}

func (s *Store) FindDealByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.Deal, error) {
	row := s.q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE request_id = $1`, requestID)
	d, err := scanDeal(row)
	if err != nil {
		return nil, notFoundOr(err, "deal for request", requestID.String())
	}
	return d, nil
}

func (s *Store) UpdateDeal(ctx context.Context, d *domain.Deal) error {
	query := `
		UPDATE deals SET status = $1, flown_at = $2, reconciled_at = $3, cancelled_at = $4,
			last_receipt_hash = $5, version = version + 1
		WHERE id = $6 AND version = $7`

	tag, err := s.q.Exec(ctx, query,
		d.Status,
		d.FlownAt,
		d.ReconciledAt,
		d.CancelledAt,
		d.LastReceiptHash,
		d.ID,
		d.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update deal %s: %w", d.ID, err)
	}
	if err := s.checkUpdated(ctx, tag, "deals", "deal", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}

func scanDeal(row pgx.Row) (*domain.Deal, error) {
	var d domain.Deal
	err := row.Scan(
		&d.ID,
		&d.RequestID,
		&d.QuoteID,
		&d.HoldID,
		&d.BrokerID,
		&d.OperatorID,
		&d.Price.AmountMinor,
		&d.Price.Currency,
		&d.Status,
		&d.BookedAt,
		&d.FlownAt,
		&d.ReconciledAt,
		&d.CancelledAt,
		&d.Version,
		&d.LastReceiptHash,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
