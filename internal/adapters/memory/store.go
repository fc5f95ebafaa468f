// Package memory is an in-process implementation of the store ports. It
// backs single-node runs and the service tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/audit"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/google/uuid"
)

type state struct {
	requests  map[uuid.UUID]*domain.Request
	quotes    map[uuid.UUID]*domain.Quote
	deals     map[uuid.UUID]*domain.Deal
	holds     map[uuid.UUID]*domain.EscrowHold
	receipts  []audit.Receipt
	outbox    []ports.OutboxMessage
	nextMsgID int64
	parties   map[string]*domain.ComplianceRecord
	watchlist []screening.Entity
}

func newState() *state {
	return &state{
		requests: make(map[uuid.UUID]*domain.Request),
		quotes:   make(map[uuid.UUID]*domain.Quote),
		deals:    make(map[uuid.UUID]*domain.Deal),
		holds:    make(map[uuid.UUID]*domain.EscrowHold),
		parties:  make(map[string]*domain.ComplianceRecord),
	}
}

// clone copies the maps; stored values are never mutated in place, so the
// pointers can be shared between snapshots.
func (s *state) clone() *state {
	return &state{
		requests:  maps.Clone(s.requests),
		quotes:    maps.Clone(s.quotes),
		deals:     maps.Clone(s.deals),
		holds:     maps.Clone(s.holds),
		receipts:  slices.Clone(s.receipts),
		outbox:    slices.Clone(s.outbox),
		nextMsgID: s.nextMsgID,
		parties:   maps.Clone(s.parties),
		watchlist: slices.Clone(s.watchlist),
	}
}

// Store keeps all aggregates in memory. Transactions run one at a time on a
// private snapshot that replaces the shared state on commit; readers outside
// a transaction never wait for one.
type Store struct {
	mu    *sync.RWMutex
	txMu  *sync.Mutex
	root  *Store
	state *state
	inTx  bool

	// BeforeUpdate, when set, runs before every versioned update and may
	// return an error to simulate a lost race.
	BeforeUpdate func(entity string, id string) error
}

var (
	_ ports.Repository           = (*Store)(nil)
	_ ports.OutboxRepository     = (*Store)(nil)
	_ ports.ComplianceRepository = (*Store)(nil)
	_ ports.WatchlistRepository  = (*Store)(nil)
)

func NewStore() *Store {
	s := &Store{
		mu:    &sync.RWMutex{},
		txMu:  &sync.Mutex{},
		state: newState(),
	}
	s.root = s
	return s
}

// WithTx executes fn against a snapshot and publishes it if fn returns nil.
// Nested calls reuse the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ports.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	tx := &Store{
		mu:           &sync.RWMutex{},
		txMu:         s.txMu,
		root:         s.root,
		state:        snapshot,
		inTx:         true,
		BeforeUpdate: s.BeforeUpdate,
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = snapshot
	s.mu.Unlock()
	return nil
}

// write runs fn under the write lock. Outside a transaction it also takes
// the transaction lock so a commit cannot overwrite the change.
func (s *Store) write(fn func(st *state) error) error {
	if !s.inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

func (s *Store) checkVersion(entity, id string, stored, given int64) error {
	if s.BeforeUpdate != nil {
		if err := s.BeforeUpdate(entity, id); err != nil {
			return err
		}
	}
	if stored != given {
		return domain.NewVersionConflictError(entity, id)
	}
	return nil
}

// Requests

func (s *Store) CreateRequest(ctx context.Context, r *domain.Request) error {
	return s.write(func(st *state) error {
		if _, ok := st.requests[r.ID]; ok {
			return domain.NewConflictError(domain.ErrCodeDuplicate, "request "+r.ID.String()+" already exists")
		}
		st.requests[r.ID] = cloneRequest(r)
		return nil
	})
}

func (s *Store) FindRequestByID(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	var out *domain.Request
	s.read(func(st *state) {
		if r, ok := st.requests[id]; ok {
			out = cloneRequest(r)
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("request", id.String())
	}
	return out, nil
}

func (s *Store) UpdateRequest(ctx context.Context, r *domain.Request) error {
	return s.write(func(st *state) error {
		stored, ok := st.requests[r.ID]
		if !ok {
			return domain.NewNotFoundError("request", r.ID.String())
		}
		if err := s.checkVersion("request", r.ID.String(), stored.Version, r.Version); err != nil {
			return err
		}
		r.Version++
		st.requests[r.ID] = cloneRequest(r)
		return nil
	})
}

// Quotes

func (s *Store) CreateQuote(ctx context.Context, q *domain.Quote) error {
	return s.write(func(st *state) error {
		if _, ok := st.quotes[q.ID]; ok {
			return domain.NewConflictError(domain.ErrCodeDuplicate, "quote "+q.ID.String()+" already exists")
		}
		st.quotes[q.ID] = cloneQuote(q)
		return nil
	})
}

func (s *Store) FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	var out *domain.Quote
	s.read(func(st *state) {
		if q, ok := st.quotes[id]; ok {
			out = cloneQuote(q)
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("quote", id.String())
	}
	return out, nil
}

// FindQuotesByRequestID returns quotes in submission order.
func (s *Store) FindQuotesByRequestID(ctx context.Context, requestID uuid.UUID) ([]*domain.Quote, error) {
	var out []*domain.Quote
	s.read(func(st *state) {
		for _, q := range st.quotes {
			if q.RequestID == requestID {
				out = append(out, cloneQuote(q))
			}
		}
	})
	slices.SortFunc(out, func(a, b *domain.Quote) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

func (s *Store) UpdateQuote(ctx context.Context, q *domain.Quote) error {
	return s.write(func(st *state) error {
		stored, ok := st.quotes[q.ID]
		if !ok {
			return domain.NewNotFoundError("quote", q.ID.String())
		}
		if err := s.checkVersion("quote", q.ID.String(), stored.Version, q.Version); err != nil {
			return err
		}
		if q.Status == domain.QuoteAccepted {
			for _, other := range st.quotes {
				if other.RequestID == q.RequestID && other.ID != q.ID && other.Status == domain.QuoteAccepted {
					return domain.NewConflictError(domain.ErrCodeQuoteAlreadyAccepted, "request "+q.RequestID.String()+" already has an accepted quote")
				}
			}
		}
		q.Version++
		st.quotes[q.ID] = cloneQuote(q)
		return nil
	})
}

// Deals

func (s *Store) CreateDeal(ctx context.Context, d *domain.Deal) error {
	return s.write(func(st *state) error {
		for _, existing := range st.deals {
			if existing.RequestID == d.RequestID {
				return domain.NewConflictError(domain.ErrCodeQuoteAlreadyAccepted, "request "+d.RequestID.String()+" already has a deal")
			}
		}
		st.deals[d.ID] = cloneDeal(d)
		return nil
	})
}

func (s *Store) FindDealByID(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	var out *domain.Deal
	s.read(func(st *state) {
		if d, ok := st.deals[id]; ok {
			out = cloneDeal(d)
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("deal", id.String())
	}
	return out, nil
}

func (s *Store) FindDealByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.Deal, error) {
	var out *domain.Deal
	s.read(func(st *state) {
		for _, d := range st.deals {
			if d.RequestID == requestID {
				out = cloneDeal(d)
				return
			}
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("deal for request", requestID.String())
	}
	return out, nil
}

func (s *Store) UpdateDeal(ctx context.Context, d *domain.Deal) error {
	return s.write(func(st *state) error {
		stored, ok := st.deals[d.ID]
		if !ok {
			return domain.NewNotFoundError("deal", d.ID.String())
		}
		if err := s.checkVersion("deal", d.ID.String(), stored.Version, d.Version); err != nil {
			return err
		}
		d.Version++
		st.deals[d.ID] = cloneDeal(d)
		return nil
	})
}

// Holds

func (s *Store) CreateHold(ctx context.Context, h *domain.EscrowHold) error {
	return s.write(func(st *state) error {
		for _, existing := range st.holds {
			if existing.DealID == h.DealID {
				return domain.NewConflictError(domain.ErrCodeDuplicate, "deal "+h.DealID.String()+" already has a hold")
			}
		}
		st.holds[h.ID] = cloneHold(h)
		return nil
	})
}

func (s *Store) FindHoldByID(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	var out *domain.EscrowHold
	s.read(func(st *state) {
		if h, ok := st.holds[id]; ok {
			out = cloneHold(h)
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("escrow hold", id.String())
	}
	return out, nil
}

func (s *Store) UpdateHold(ctx context.Context, h *domain.EscrowHold) error {
	return s.write(func(st *state) error {
		stored, ok := st.holds[h.ID]
		if !ok {
			return domain.NewNotFoundError("escrow hold", h.ID.String())
		}
		if err := s.checkVersion("escrow hold", h.ID.String(), stored.Version, h.Version); err != nil {
			return err
		}
		if stored.Amount != h.Amount {
			return domain.NewValidationError(domain.ErrCodeInvalidAmount, "escrow hold amount is immutable")
		}
		h.Version++
		st.holds[h.ID] = cloneHold(h)
		return nil
	})
}

func (s *Store) FindHoldsWithExpiredAuthorization(ctx context.Context, now time.Time, limit int) ([]*domain.EscrowHold, error) {
	return s.findHolds(limit, func(h *domain.EscrowHold) bool {
		return h.PendingAuthorization != nil && h.PendingAuthorization.Expired(now)
	}), nil
}

func (s *Store) FindHoldsWithTransferInFlight(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.EscrowHold, error) {
	return s.findHolds(limit, func(h *domain.EscrowHold) bool {
		return h.InFlight != nil && h.InFlight.StartedAt.Before(startedBefore)
	}), nil
}

func (s *Store) findHolds(limit int, match func(*domain.EscrowHold) bool) []*domain.EscrowHold {
	var out []*domain.EscrowHold
	s.read(func(st *state) {
		for _, h := range st.holds {
			if match(h) {
				out = append(out, cloneHold(h))
			}
		}
	})
	slices.SortFunc(out, func(a, b *domain.EscrowHold) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Receipts and outbox

func (s *Store) AppendReceipt(ctx context.Context, r audit.Receipt) error {
	return s.write(func(st *state) error {
		for _, existing := range st.receipts {
			if existing.TransactionID == r.TransactionID {
				return domain.NewConflictError(domain.ErrCodeDuplicate, "receipt "+r.TransactionID.String()+" already recorded")
			}
		}
		st.receipts = append(st.receipts, r)
		return nil
	})
}

func (s *Store) FindReceiptsByCorrelationID(ctx context.Context, correlationID string) ([]audit.Receipt, error) {
	var out []audit.Receipt
	s.read(func(st *state) {
		for _, r := range st.receipts {
			if r.Payload.CorrelationID == correlationID {
				out = append(out, r)
			}
		}
	})
	return out, nil
}

func (s *Store) EnqueueEvents(ctx context.Context, events ...domain.Event) error {
	return s.write(func(st *state) error {
		for _, e := range events {
			st.nextMsgID++
			st.outbox = append(st.outbox, ports.OutboxMessage{
				ID:        st.nextMsgID,
				Event:     cloneEvent(e),
				CreatedAt: e.OccurredAt,
			})
		}
		return nil
	})
}

func (s *Store) FetchPendingEvents(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	var out []ports.OutboxMessage
	s.read(func(st *state) {
		for _, m := range st.outbox {
			if limit > 0 && len(out) == limit {
				return
			}
			m.Event = cloneEvent(m.Event)
			out = append(out, m)
		}
	})
	return out, nil
}

func (s *Store) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	return s.write(func(st *state) error {
		st.outbox = slices.DeleteFunc(st.outbox, func(m ports.OutboxMessage) bool {
			return slices.Contains(ids, m.ID)
		})
		return nil
	})
}

func (s *Store) MarkEventFailed(ctx context.Context, id int64, cause string) error {
	return s.write(func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == id {
				st.outbox[i].Attempts++
				st.outbox[i].LastError = cause
			}
		}
		return nil
	})
}

// Compliance

func (s *Store) CreateParty(ctx context.Context, rec *domain.ComplianceRecord) error {
	return s.write(func(st *state) error {
		if _, ok := st.parties[rec.Party.ID]; ok {
			return domain.NewConflictError(domain.ErrCodeDuplicate, "party "+rec.Party.ID+" already registered")
		}
		st.parties[rec.Party.ID] = cloneRecord(rec)
		return nil
	})
}

func (s *Store) FindComplianceRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error) {
	var out *domain.ComplianceRecord
	s.read(func(st *state) {
		if r, ok := st.parties[partyID]; ok {
			out = cloneRecord(r)
		}
	})
	if out == nil {
		return nil, domain.NewNotFoundError("party", partyID)
	}
	return out, nil
}

func (s *Store) UpdateKYC(ctx context.Context, partyID string, kyc domain.KYC) error {
	return s.updateRecord(partyID, func(r *domain.ComplianceRecord) error {
		r.KYC = kyc
		return nil
	})
}

func (s *Store) ReplaceScreenings(ctx context.Context, partyID string, results []domain.ScreeningResult) error {
	return s.updateRecord(partyID, func(r *domain.ComplianceRecord) error {
		r.Screenings = slices.Clone(results)
		return nil
	})
}

func (s *Store) UpdateScreening(ctx context.Context, partyID string, result domain.ScreeningResult) error {
	return s.updateRecord(partyID, func(r *domain.ComplianceRecord) error {
		i := r.FindScreening(result.ID)
		if i < 0 {
			return domain.NewNotFoundError("screening result", result.ID.String())
		}
		r.Screenings[i] = result
		return nil
	})
}

func (s *Store) updateRecord(partyID string, fn func(*domain.ComplianceRecord) error) error {
	return s.write(func(st *state) error {
		stored, ok := st.parties[partyID]
		if !ok {
			return domain.NewNotFoundError("party", partyID)
		}
		next := cloneRecord(stored)
		if err := fn(next); err != nil {
			return err
		}
		next.Version++
		next.UpdatedAt = time.Now()
		st.parties[partyID] = next
		return nil
	})
}

func (s *Store) FindPartiesDueForScreening(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	var out []string
	s.read(func(st *state) {
		for id, r := range st.parties {
			due := r.NextScreeningDue()
			if due.IsZero() || due.Before(dueBefore) {
				out = append(out, id)
			}
		}
	})
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Watchlist

func (s *Store) ReplaceWatchlist(ctx context.Context, entities []screening.Entity) error {
	return s.write(func(st *state) error {
		st.watchlist = slices.Clone(entities)
		return nil
	})
}

func (s *Store) ListWatchlist(ctx context.Context) ([]screening.Entity, error) {
	var out []screening.Entity
	s.read(func(st *state) { out = slices.Clone(st.watchlist) })
	return out, nil
}
