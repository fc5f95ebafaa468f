package ports

import (
	"context"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
)

// PaymentRail moves escrowed funds. Every call is idempotent per key.
type PaymentRail interface {
	Transfer(ctx context.Context, req domain.RailTransferRequest, idempotencyKey string) (*domain.RailResult, error)
	Refund(ctx context.Context, req domain.RailRefundRequest, idempotencyKey string) (*domain.RailResult, error)
	Status(ctx context.Context, idempotencyKey string) (*domain.RailResult, error)
}
