package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const holdColumns = `id, deal_id, request_id, payer_id, payee_id, amount_minor, currency, status,
	conditions, pending_authorization, in_flight, transfer_attempts, block_reason, dispute_reason,
	dispute_evidence, resolution_note, rail_reference, created_at, updated_at, held_at,
	released_at, refunded_at, disputed_at, version, last_receipt_hash`

func (s *Store) CreateHold(ctx context.Context, h *domain.EscrowHold) error {
	query := `INSERT INTO escrow_holds (` + holdColumns + `, authorization_expires_at, in_flight_started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27)`

	args := append(holdArgs(h), authorizationExpiry(h), transferStartedAt(h))
	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return mapWriteError(err, "escrow hold", h.ID.String())
	}
	return nil
}

func (s *Store) FindHoldByID(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	row := s.q.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
	h, err := scanHold(row)
	if err != nil {
		return nil, notFoundOr(err, "escrow hold", id.String())
	}
	return h, nil
}

// UpdateHold matches on amount as well as version; a changed amount is
// rejected instead of written.
func (s *Store) UpdateHold(ctx context.Context, h *domain.EscrowHold) error {
	query := `
		UPDATE escrow_holds SET status = $1, conditions = $2, pending_authorization = $3,
			authorization_expires_at = $4, in_flight = $5, in_flight_started_at = $6,
			transfer_attempts = $7, block_reason = $8, dispute_reason = $9, dispute_evidence = $10,
			resolution_note = $11, rail_reference = $12, updated_at = $13, held_at = $14,
			released_at = $15, refunded_at = $16, disputed_at = $17, last_receipt_hash = $18,
			version = version + 1
		WHERE id = $19 AND version = $20 AND amount_minor = $21 AND currency = $22`

	tag, err := s.q.Exec(ctx, query,
		h.Status,
		h.Conditions,
		h.PendingAuthorization,
		authorizationExpiry(h),
		h.InFlight,
		transferStartedAt(h),
		h.TransferAttempts,
		h.BlockReason,
		h.DisputeReason,
		nonNil(h.DisputeEvidence),
		h.ResolutionNote,
		h.RailReference,
		h.UpdatedAt,
		h.HeldAt,
		h.ReleasedAt,
		h.RefundedAt,
		h.DisputedAt,
		h.LastReceiptHash,
		h.ID,
		h.Version,
		h.Amount.AmountMinor,
		h.Amount.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow hold %s: %w", h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var amount int64
		var currency string
		var version int64
		err := s.q.QueryRow(ctx, `SELECT amount_minor, currency, version FROM escrow_holds WHERE id = $1`, h.ID).
			Scan(&amount, &currency, &version)
		if err != nil {
			return notFoundOr(err, "escrow hold", h.ID.String())
		}
		if version == h.Version && (amount != h.Amount.AmountMinor || currency != h.Amount.Currency) {
			return domain.NewValidationError(domain.ErrCodeInvalidAmount, "escrow hold amount is immutable")
		}
		return domain.NewVersionConflictError("escrow hold", h.ID.String())
	}
	h.Version++
	return nil
}

func (s *Store) FindHoldsWithExpiredAuthorization(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowHold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds
		WHERE authorization_expires_at IS NOT NULL AND authorization_expires_at <= $1
		ORDER BY updated_at
		LIMIT $2`
	return s.queryHolds(ctx, query, now, limit)
}

func (s *Store) FindHoldsWithTransferInFlight(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.EscrowHold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds
		WHERE in_flight_started_at IS NOT NULL AND in_flight_started_at < $1
		ORDER BY updated_at
		LIMIT $2`
	return s.queryHolds(ctx, query, startedBefore, limit)
}

func (s *Store) queryHolds(ctx context.Context, query string, at time.Time, limit int) ([]*domain.EscrowHold, error) {
	rows, err := s.q.Query(ctx, query, at, limit)
	if err != nil {
		return nil, fmt.Errorf("query escrow holds: %w", err)
	}
	holds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.EscrowHold, error) {
		return scanHold(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow holds: %w", err)
	}
	return holds, nil
}

func holdArgs(h *domain.EscrowHold) []any {
	return []any{
		h.ID,
		h.DealID,
		h.RequestID,
		h.PayerID,
		h.PayeeID,
		h.Amount.AmountMinor,
		h.Amount.Currency,
		h.Status,
		h.Conditions,
		h.PendingAuthorization,
		h.InFlight,
		h.TransferAttempts,
		h.BlockReason,
		h.DisputeReason,
		nonNil(h.DisputeEvidence),
		h.ResolutionNote,
		h.RailReference,
		h.CreatedAt,
		h.UpdatedAt,
		h.HeldAt,
		h.ReleasedAt,
		h.RefundedAt,
		h.DisputedAt,
		h.Version,
		h.LastReceiptHash,
	}
}

func authorizationExpiry(h *domain.EscrowHold) *time.Time {
	if h.PendingAuthorization == nil {
		return nil
	}
	return &h.PendingAuthorization.ExpiresAt
}

func transferStartedAt(h *domain.EscrowHold) *time.Time {
	if h.InFlight == nil {
		return nil
	}
	return &h.InFlight.StartedAt
}

func scanHold(row pgx.Row) (*domain.EscrowHold, error) {
	var h domain.EscrowHold
	err := row.Scan(
		&h.ID,
		&h.DealID,
		&h.RequestID,
		&h.PayerID,
		&h.PayeeID,
		&h.Amount.AmountMinor,
		&h.Amount.Currency,
		&h.Status,
		&h.Conditions,
		&h.PendingAuthorization,
		&h.InFlight,
		&h.TransferAttempts,
		&h.BlockReason,
		&h.DisputeReason,
		&h.DisputeEvidence,
		&h.ResolutionNote,
		&h.RailReference,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.HeldAt,
		&h.ReleasedAt,
		&h.RefundedAt,
		&h.DisputedAt,
		&h.Version,
		&h.LastReceiptHash,
	)
	if err != nil {
		return nil, err
	}
	if len(h.DisputeEvidence) == 0 {
		h.DisputeEvidence = nil
	}
	return &h, nil
}
