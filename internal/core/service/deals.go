package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	fanOutLimit          = 8
	siblingRejectionNote = "another quote was accepted"
)

// DealService drives requests and quotes from Draft to Reconciled.
type DealService struct {
	repo      ports.Repository
	escrow    *EscrowService
	directory ports.OperatorDirectory
	notifier  ports.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewDealService(
	repo ports.Repository,
	escrow *EscrowService,
	directory ports.OperatorDirectory,
	notifier ports.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *DealService {
	return &DealService{
		repo:      repo,
		escrow:    escrow,
		directory: directory,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *DealService) CreateRequest(ctx context.Context, in domain.NewRequestInput) (*domain.Request, error) {
	now := s.now()
	r, err := domain.NewRequest(uuid.New(), in, now)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(tx ports.Repository) error {
		hash, err := appendReceipt(ctx, tx, requestPayload(r, "request.created", "", r.BrokerID, now))
		if err != nil {
			return err
		}
		r.LastReceiptHash = hash
		return tx.CreateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition("request", string(r.Status))
	s.logger.Info("request created", "request_id", r.ID, "broker_id", r.BrokerID, "legs", len(r.Legs))
	return r, nil
}

// Publish sends a Draft request to eligible operators. A request that is
// already Sent or Quoting is returned as is without a second fan-out.
func (s *DealService) Publish(ctx context.Context, requestID uuid.UUID) (*domain.Request, error) {
	var (
		req       *domain.Request
		published bool
	)
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		r, err := tx.FindRequestByID(ctx, requestID)
		if err != nil {
			return err
		}
		req = r
		if r.Status == domain.RequestSent || r.Status == domain.RequestQuoting {
			return nil
		}

		now := s.now()
		from := r.Status
		if err := r.Publish(now); err != nil {
			return err
		}
		hash, err := appendReceipt(ctx, tx, requestPayload(r, "request.published", from, r.BrokerID, now))
		if err != nil {
			return err
		}
		r.LastReceiptHash = hash
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		published = true
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventRequestPublished, r.ID, r.ID, now, map[string]string{
			"broker_id": r.BrokerID,
			"urgency":   string(r.Urgency),
		}))
	})
	if err != nil {
		s.observeError("publish", err)
		return nil, err
	}
	if !published {
		return req, nil
	}

	s.metrics.IncTransition("request", string(req.Status))
	notified, err := s.fanOut(ctx, req)
	if err != nil {
		s.logger.Warn("operator fan-out incomplete", "request_id", req.ID, "error", err)
	}
	s.logger.Info("request published", "request_id", req.ID, "operators_notified", notified)
	return req, nil
}

// fanOut notifies eligible operators concurrently. Delivery is best effort.
func (s *DealService) fanOut(ctx context.Context, req *domain.Request) (int, error) {
	operators, err := s.directory.EligibleOperators(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("resolve eligible operators: %w", err)
	}

	message := fmt.Sprintf("new %s request: %s to %s for %d pax, departing %s",
		req.Urgency, req.Legs[0].Origin, req.Legs[len(req.Legs)-1].Destination, req.Pax,
		req.Legs[0].DepartureAt.UTC().Format(time.RFC3339))

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(fanOutLimit)
	results := make([]error, len(operators))
	for i, operatorID := range operators {
		g.Go(func() error {
			results[i] = s.notifier.Notify(gctx, ports.Notification{
				Recipient: operatorID,
				Topic:     string(domain.EventRequestPublished),
				SubjectID: req.ID.String(),
				Message:   message,
			})
			return nil
		})
	}
	_ = g.Wait()

	notified := 0
	for i, err := range results {
		if err != nil {
			s.logger.Warn("operator notification failed", "request_id", req.ID, "operator_id", operators[i], "error", err)
			continue
		}
		notified++
	}
	return notified, errors.Join(results...)
}

// SubmitQuote records an operator's offer. Every submission bumps the request
// version, so it serializes against acceptance of a sibling.
func (s *DealService) SubmitQuote(ctx context.Context, requestID uuid.UUID, operatorID string, terms domain.QuoteTerms) (*domain.Quote, error) {
	var quote *domain.Quote
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		r, err := tx.FindRequestByID(ctx, requestID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := r.EnsureAcceptingQuotes(now); err != nil {
			return err
		}

		existing, err := tx.FindQuotesByRequestID(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, q := range existing {
			if q.OperatorID == operatorID && q.Status == domain.QuotePending {
				return domain.NewStateError(domain.ErrCodeDuplicateQuote,
					fmt.Sprintf("operator %s already has pending quote %s on request %s", operatorID, q.ID, r.ID))
			}
		}

		q, err := domain.NewQuote(uuid.New(), r.ID, operatorID, terms, now)
		if err != nil {
			return err
		}
		hash, err := appendReceipt(ctx, tx, quotePayload(q, "quote.submitted", "", operatorID, now))
		if err != nil {
			return err
		}
		q.LastReceiptHash = hash
		if err := tx.CreateQuote(ctx, q); err != nil {
			return err
		}

		if r.Status == domain.RequestSent {
			if err := r.StartQuoting(now); err != nil {
				return err
			}
			hash, err := appendReceipt(ctx, tx, requestPayload(r, "request.quoting", domain.RequestSent, operatorID, now))
			if err != nil {
				return err
			}
			r.LastReceiptHash = hash
		}
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}

		quote = q
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventQuoteSubmitted, q.ID, r.ID, now, map[string]string{
			"operator_id":  operatorID,
			"amount_minor": strconv.FormatInt(q.Price.AmountMinor, 10),
			"currency":     q.Price.Currency,
		}))
	})
	if err != nil {
		s.observeError("submit_quote", err)
		return nil, err
	}
	s.metrics.IncTransition("quote", string(quote.Status))
	s.logger.Info("quote submitted", "quote_id", quote.ID, "request_id", requestID, "operator_id", operatorID, "price", quote.Price.String())
	return quote, nil
}

// AcceptQuote accepts q, rejects its pending siblings, books the request and
// creates the deal with an Initiated hold in one transaction, then opens
// the hold. Accepting an already Accepted quote returns the existing deal.
func (s *DealService) AcceptQuote(ctx context.Context, quoteID uuid.UUID, brokerID string) (*domain.Deal, error) {
	ctx, span := tracer.Start(ctx, "deals.AcceptQuote", trace.WithAttributes(attribute.String("quote.id", quoteID.String())))
	defer span.End()

	var (
		deal     *domain.Deal
		replayed bool
		rejected int
	)
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		q, err := tx.FindQuoteByID(ctx, quoteID)
		if err != nil {
			return err
		}
		r, err := tx.FindRequestByID(ctx, q.RequestID)
		if err != nil {
			return err
		}
		if r.BrokerID != brokerID {
			return domain.NewForbiddenError(fmt.Sprintf("request %s belongs to another broker", r.ID))
		}

		if q.Status == domain.QuoteAccepted {
			d, err := tx.FindDealByRequestID(ctx, r.ID)
			if err != nil {
				return err
			}
			deal, replayed = d, true
			return nil
		}
		if q.Status == domain.QuoteRejected {
			if d, err := tx.FindDealByRequestID(ctx, r.ID); err == nil {
				return domain.NewConflictError(domain.ErrCodeQuoteAlreadyAccepted,
					fmt.Sprintf("request %s already accepted quote %s", r.ID, d.QuoteID))
			}
			return domain.NewInvalidTransitionError("quote", q.Status, domain.QuoteAccepted)
		}
		if r.Status != domain.RequestQuoting {
			return domain.NewInvalidTransitionError("request", r.Status, domain.RequestDecision)
		}

		now := s.now()
		if r.IsExpired(now) {
			return domain.NewStateError(domain.ErrCodeRequestExpired, fmt.Sprintf("request %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339)))
		}

		// The request row is claimed first; a concurrent acceptance fails here.
		if err := r.Decide(now); err != nil {
			return err
		}
		if _, err := appendReceipt(ctx, tx, requestPayload(r, "request.decided", domain.RequestQuoting, brokerID, now)); err != nil {
			return err
		}
		if err := r.Book(now); err != nil {
			return err
		}
		hash, err := appendReceipt(ctx, tx, requestPayload(r, "request.booked", domain.RequestDecision, brokerID, now))
		if err != nil {
			return err
		}
		r.LastReceiptHash = hash
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}

		if err := q.Accept(now); err != nil {
			return err
		}
		if q.LastReceiptHash, err = appendReceipt(ctx, tx, quotePayload(q, "quote.accepted", domain.QuotePending, brokerID, now)); err != nil {
			return err
		}
		if err := tx.UpdateQuote(ctx, q); err != nil {
			return err
		}

		siblings, err := tx.FindQuotesByRequestID(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID == q.ID || sib.Status != domain.QuotePending {
				continue
			}
			if err := sib.Reject(siblingRejectionNote, now); err != nil {
				return err
			}
			if sib.LastReceiptHash, err = appendReceipt(ctx, tx, quotePayload(sib, "quote.rejected", domain.QuotePending, brokerID, now)); err != nil {
				return err
			}
			if err := tx.UpdateQuote(ctx, sib); err != nil {
				return err
			}
			rejected++
		}

		d := domain.NewDeal(uuid.New(), r, q, uuid.New(), now)
		if d.LastReceiptHash, err = appendReceipt(ctx, tx, dealPayload(d, "deal.booked", "", brokerID, now)); err != nil {
			return err
		}
		if err := tx.CreateDeal(ctx, d); err != nil {
			return err
		}
		h := domain.NewHold(d.HoldID, d, now)
		if h.LastReceiptHash, err = appendReceipt(ctx, tx, holdPayload(h, "hold.initiated", "", brokerID, "", "", nil, now)); err != nil {
			return err
		}
		if err := tx.CreateHold(ctx, h); err != nil {
			return err
		}

		deal = d
		return tx.EnqueueEvents(ctx,
			domain.NewEvent(domain.EventQuoteAccepted, q.ID, r.ID, now, map[string]string{"operator_id": q.OperatorID}),
			domain.NewEvent(domain.EventDealBooked, d.ID, r.ID, now, map[string]string{
				"hold_id":      d.HoldID.String(),
				"amount_minor": strconv.FormatInt(d.Price.AmountMinor, 10),
				"currency":     d.Price.Currency,
			}),
		)
	})
	if err != nil {
		s.observeError("accept_quote", err)
		span.RecordError(err)
		return nil, err
	}

	if !replayed {
		s.metrics.IncTransition("quote", string(domain.QuoteAccepted))
		s.metrics.IncTransition("request", string(domain.RequestBooked))
		s.metrics.IncTransition("deal", string(domain.DealBooked))
		s.logger.Info("quote accepted", "quote_id", quoteID, "deal_id", deal.ID, "hold_id", deal.HoldID, "siblings_rejected", rejected)
	}

	if _, err := s.escrow.OpenHold(ctx, deal.HoldID); err != nil {
		s.logger.Error("deal booked but escrow hold not opened", "deal_id", deal.ID, "hold_id", deal.HoldID, "error", err)
		return deal, fmt.Errorf("open escrow hold %s: %w", deal.HoldID, err)
	}
	return deal, nil
}

// RejectQuote declines one quote. The request keeps quoting even when no
// pending quotes remain.
func (s *DealService) RejectQuote(ctx context.Context, quoteID uuid.UUID, actor domain.Actor, reason string) (*domain.Quote, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, domain.NewMissingRequiredFieldError("rejection reason")
	}
	var quote *domain.Quote
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		q, err := tx.FindQuoteByID(ctx, quoteID)
		if err != nil {
			return err
		}
		_, err = tx.FindRequestByID(ctx, q.RequestID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := q.Reject(reason, now); err != nil {
			return err
		}
		if q.LastReceiptHash, err = appendReceipt(ctx, tx, quotePayload(q, "quote.rejected", domain.QuotePending, actor.ID, now)); err != nil {
			return err
		}
		quote = q
		return tx.UpdateQuote(ctx, q)
	})
	if err != nil {
		s.observeError("reject_quote", err)
		return nil, err
	}
	s.metrics.IncTransition("quote", string(domain.QuoteRejected))
	return quote, nil
}

// MarkFlown records the flight and starts the hold's dispute window.
func (s *DealService) MarkFlown(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var deal *domain.Deal
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		d, r, err := s.loadDeal(ctx, tx, dealID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := d.MarkFlown(now); err != nil {
			return err
		}
		if d.LastReceiptHash, err = appendReceipt(ctx, tx, dealPayload(d, "deal.flown", domain.DealBooked, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := r.MarkFlown(now); err != nil {
			return err
		}
		if r.LastReceiptHash, err = appendReceipt(ctx, tx, requestPayload(r, "request.flown", domain.RequestBooked, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		if err := s.escrow.markFlightCompleted(ctx, tx, d.HoldID, actor.ID, now); err != nil {
			return err
		}
		deal = d
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventDealFlown, d.ID, r.ID, now, nil))
	})
	if err != nil {
		s.observeError("mark_flown", err)
		return nil, err
	}
	s.metrics.IncTransition("deal", string(domain.DealFlown))
	s.logger.Info("deal flown", "deal_id", dealID, "actor_id", actor.ID)
	return deal, nil
}

// Reconcile closes a flown deal once its hold has been released or refunded.
func (s *DealService) Reconcile(ctx context.Context, dealID uuid.UUID, actor domain.Actor) (*domain.Deal, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var deal *domain.Deal
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		d, r, err := s.loadDeal(ctx, tx, dealID)
		if err != nil {
			return err
		}
		h, err := tx.FindHoldByID(ctx, d.HoldID)
		if err != nil {
			return err
		}
		if !h.IsSettled() {
			return domain.NewStateError(domain.ErrCodeHoldNotSettled,
				fmt.Sprintf("deal %s cannot be reconciled while escrow hold %s is %s", d.ID, h.ID, h.Status))
		}
		now := s.now()
		if err := d.Reconcile(now); err != nil {
			return err
		}
		if d.LastReceiptHash, err = appendReceipt(ctx, tx, dealPayload(d, "deal.reconciled", domain.DealFlown, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := r.Reconcile(now); err != nil {
			return err
		}
		if r.LastReceiptHash, err = appendReceipt(ctx, tx, requestPayload(r, "request.reconciled", domain.RequestFlown, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		deal = d
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventDealReconciled, d.ID, r.ID, now, map[string]string{
			"hold_status": string(h.Status),
		}))
	})
	if err != nil {
		s.observeError("reconcile", err)
		return nil, err
	}
	s.metrics.IncTransition("deal", string(domain.DealReconciled))
	return deal, nil
}

// CancelRequest cancels a request that has not reached a terminal state.
// Once booked, the escrow hold must still be Initiated or already Refunded.
func (s *DealService) CancelRequest(ctx context.Context, requestID uuid.UUID, actor domain.Actor, reason string) (*domain.Request, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, domain.NewMissingRequiredFieldError("cancellation reason")
	}
	var req *domain.Request
	err := s.repo.WithTx(ctx, func(tx ports.Repository) error {
		r, err := tx.FindRequestByID(ctx, requestID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.ID != r.BrokerID {
			return domain.NewForbiddenError(fmt.Sprintf("only the broker or an admin can cancel request %s", r.ID))
		}
		if r.IsTerminal() {
			return domain.NewInvalidTransitionError("request", r.Status, domain.RequestCancelled)
		}
		now := s.now()

		d, err := tx.FindDealByRequestID(ctx, r.ID)
		switch {
		case err == nil:
			if err := s.cancelDeal(ctx, tx, d, actor.ID, now); err != nil {
				return err
			}
		case !domain.IsKind(err, domain.KindNotFound):
			return err
		}

		quotes, err := tx.FindQuotesByRequestID(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, q := range quotes {
			if q.Status != domain.QuotePending {
				continue
			}
			if err := q.Reject("request cancelled: "+reason, now); err != nil {
				return err
			}
			if q.LastReceiptHash, err = appendReceipt(ctx, tx, quotePayload(q, "quote.rejected", domain.QuotePending, actor.ID, now)); err != nil {
				return err
			}
			if err := tx.UpdateQuote(ctx, q); err != nil {
				return err
			}
		}

		from := r.Status
		if err := r.Cancel(reason, now); err != nil {
			return err
		}
		if r.LastReceiptHash, err = appendReceipt(ctx, tx, requestPayload(r, "request.cancelled", from, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		req = r
		return tx.EnqueueEvents(ctx, domain.NewEvent(domain.EventRequestCancelled, r.ID, r.ID, now, map[string]string{
			"reason":   reason,
			"actor_id": actor.ID,
		}))
	})
	if err != nil {
		s.observeError("cancel_request", err)
		return nil, err
	}
	s.metrics.IncTransition("request", string(domain.RequestCancelled))
	s.logger.Info("request cancelled", "request_id", requestID, "actor_id", actor.ID, "reason", reason)
	return req, nil
}

func (s *DealService) cancelDeal(ctx context.Context, tx ports.Repository, d *domain.Deal, actorID string, now time.Time) error {
	h, err := tx.FindHoldByID(ctx, d.HoldID)
	if err != nil {
		return err
	}
	if h.Status != domain.HoldInitiated && h.Status != domain.HoldRefunded {
		return domain.NewStateError(domain.ErrCodeInvalidTransition,
			fmt.Sprintf("escrow hold %s is %s, refund it before cancelling the request", h.ID, h.Status))
	}

	from := d.Status
	if err := d.Cancel(now); err != nil {
		return err
	}
	if d.LastReceiptHash, err = appendReceipt(ctx, tx, dealPayload(d, "deal.cancelled", from, actorID, now)); err != nil {
		return err
	}
	return tx.UpdateDeal(ctx, d)
}

func (s *DealService) loadDeal(ctx context.Context, tx ports.Repository, dealID uuid.UUID) (*domain.Deal, *domain.Request, error) {
	d, err := tx.FindDealByID(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	r, err := tx.FindRequestByID(ctx, d.RequestID)
	if err != nil {
		return nil, nil, err
	}
	return d, r, nil
}

func (s *DealService) observeError(operation string, err error) {
	if domain.IsKind(err, domain.KindConflict) {
		s.metrics.IncConflict(operation)
	}
}
