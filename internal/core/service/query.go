package service

import (
	"context"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/google/uuid"
)

// QueryService is the read side for requests, quotes, deals and holds.
type QueryService struct {
	repo ports.Repository
}

func NewQueryService(repo ports.Repository) *QueryService {
	return &QueryService{repo: repo}
}

func (s *QueryService) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return s.repo.FindRequestByID(ctx, id)
}

// ListQuotes returns a request's quotes; it fails with NotFound for an
// unknown request rather than returning an empty list.
func (s *QueryService) ListQuotes(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error) {
	if _, err := s.repo.FindRequestByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.repo.FindQuotesByRequestID(ctx, requestID)
}

func (s *QueryService) GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	return s.repo.FindQuoteByID(ctx, id)
}

func (s *QueryService) GetDeal(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	return s.repo.FindDealByID(ctx, id)
}

func (s *QueryService) GetHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	return s.repo.FindHoldByID(ctx, id)
}
