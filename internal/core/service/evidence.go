package service

import (
	"context"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/google/uuid"
)

// EvidenceService exports and checks the receipt trail of a deal.
type EvidenceService struct {
	repo ports.Repository
	now  func() time.Time
}

func NewEvidenceService(repo ports.Repository) *EvidenceService {
	return &EvidenceService{repo: repo, now: time.Now}
}

// DealVerification is the result of checking a deal's stored trail.
// StaleHeads lists entities whose persisted LastReceiptHash is not among
// the receipts recorded for the negotiation.
type DealVerification struct {
	audit.BundleVerification
	StaleHeads []string `json:"stale_heads,omitempty"`
}

// ExportBundle returns every receipt recorded for the deal's negotiation in
// recording order, with a hash over the ordered list.
func (s *EvidenceService) ExportBundle(ctx context.Context, dealID uuid.UUID) (audit.Bundle, error) {
	d, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return audit.Bundle{}, err
	}
	correlationID := d.RequestID.String()
	receipts, err := s.repo.FindReceiptsByCorrelationID(ctx, correlationID)
	if err != nil {
		return audit.Bundle{}, err
	}
	return audit.NewBundle(d.ID.String(), correlationID, receipts, s.now()), nil
}

func (s *EvidenceService) VerifyBundle(b audit.Bundle) (audit.BundleVerification, error) {
	return audit.VerifyBundle(b)
}

// VerifyDeal exports the deal's bundle, verifies it and checks that the
// request, deal and hold each point at a receipt of the bundle.
func (s *EvidenceService) VerifyDeal(ctx context.Context, dealID uuid.UUID) (DealVerification, error) {
	b, err := s.ExportBundle(ctx, dealID)
	if err != nil {
		return DealVerification{}, err
	}
	v, err := audit.VerifyBundle(b)
	if err != nil {
		return DealVerification{}, err
	}
	out := DealVerification{BundleVerification: v}

	known := make(map[string]struct{}, len(b.Receipts))
	for _, r := range b.Receipts {
		known[r.Hash] = struct{}{}
	}
	d, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return DealVerification{}, err
	}
	r, err := s.repo.FindRequestByID(ctx, d.RequestID)
	if err != nil {
		return DealVerification{}, err
	}
	h, err := s.repo.FindHoldByID(ctx, d.HoldID)
	if err != nil {
		return DealVerification{}, err
	}
	heads := []struct{ name, hash string }{
		{"request:" + r.ID.String(), r.LastReceiptHash},
		{"deal:" + d.ID.String(), d.LastReceiptHash},
		{"escrow_hold:" + h.ID.String(), h.LastReceiptHash},
	}
	for _, head := range heads {
		if _, ok := known[head.hash]; !ok {
			out.StaleHeads = append(out.StaleHeads, head.name)
		}
	}
	out.Valid = out.Valid && len(out.StaleHeads) == 0
	return out, nil
}
