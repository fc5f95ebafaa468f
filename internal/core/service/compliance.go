package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KYCUpdate is an administrator's KYC decision for a party.
type KYCUpdate struct {
	Status    domain.KYCStatus
	ExpiresAt *time.Time
	Note      string
}

// ComplianceService is the compliance gate. Nothing in it approves a party
// automatically: KYC changes and match resolutions need an actor and a note.
type ComplianceService struct {
	repo      ports.ComplianceRepository
	watchlist ports.WatchlistRepository
	matcher   *screening.Matcher
	cfg       config.ComplianceConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewComplianceService(
	repo ports.ComplianceRepository,
	watchlist ports.WatchlistRepository,
	matcher *screening.Matcher,
	cfg config.ComplianceConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ComplianceService {
	return &ComplianceService{
		repo:      repo,
		watchlist: watchlist,
		matcher:   matcher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *ComplianceService) RegisterParty(ctx context.Context, party domain.Party, actor domain.Actor) (*domain.ComplianceRecord, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := party.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	rec := &domain.ComplianceRecord{
		Party:     party,
		KYC:       domain.KYC{Status: domain.KYCPending, UpdatedBy: actor.ID, UpdatedAt: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateParty(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("party registered", "party_id", party.ID, "kind", party.Kind, "actor_id", actor.ID)
	return rec, nil
}

func (s *ComplianceService) GetRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error) {
	return s.repo.FindComplianceRecord(ctx, partyID)
}

// SubmitKYC records the outcome of an out-of-band KYC review.
func (s *ComplianceService) SubmitKYC(ctx context.Context, partyID string, update KYCUpdate, actor domain.Actor) (*domain.ComplianceRecord, error) {
	if err := requireComplianceAdmin(actor); err != nil {
		return nil, err
	}
	if update.Note == "" {
		return nil, domain.NewMissingRequiredFieldError("note")
	}
	now := s.now()
	switch update.Status {
	case domain.KYCVerified:
		if update.ExpiresAt == nil || !update.ExpiresAt.After(now) {
			return nil, domain.NewValidationError(domain.ErrCodeInvalidInput, "verified KYC needs an expiry date in the future")
		}
	case domain.KYCRejected, domain.KYCPending:
	default:
		return nil, domain.NewValidationError(domain.ErrCodeInvalidInput, fmt.Sprintf("unknown KYC status %q", update.Status))
	}

	kyc := domain.KYC{
		Status:    update.Status,
		ExpiresAt: update.ExpiresAt,
		UpdatedBy: actor.ID,
		Note:      update.Note,
		UpdatedAt: now,
	}
	if err := s.repo.UpdateKYC(ctx, partyID, kyc); err != nil {
		return nil, err
	}
	s.logger.Info("kyc updated", "party_id", partyID, "status", update.Status, "actor_id", actor.ID)
	return s.repo.FindComplianceRecord(ctx, partyID)
}

// ScreenParty runs the matcher for a party and replaces its results in one
// write. A match an administrator already cleared stays cleared when the
// same entity scores no higher than before.
func (s *ComplianceService) ScreenParty(ctx context.Context, partyID string, actor domain.Actor) (*domain.ComplianceRecord, error) {
	ctx, span := tracer.Start(ctx, "compliance.ScreenParty", trace.WithAttributes(attribute.String("party.id", partyID)))
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.repo.FindComplianceRecord(ctx, partyID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	candidates := s.matcher.Match(queryFor(rec.Party))
	s.metrics.ObserveScreening(time.Since(start))

	results := s.buildResults(rec, candidates, s.now())
	if err := s.repo.ReplaceScreenings(ctx, partyID, results); err != nil {
		span.RecordError(err)
		return nil, err
	}

	matches := 0
	for _, r := range results {
		if r.Status != domain.ScreeningClear {
			s.metrics.IncScreeningMatch(string(r.List), r.Tier)
		}
		if r.Status == domain.ScreeningMatch {
			matches++
		}
	}
	span.SetAttributes(attribute.Int("screening.candidates", len(candidates)), attribute.Int("screening.open_matches", matches))
	s.logger.Info("party screened", "party_id", partyID, "candidates", len(candidates), "open_matches", matches, "actor_id", actor.ID)

	rec.Screenings = results
	return rec, nil
}

func (s *ComplianceService) buildResults(rec *domain.ComplianceRecord, candidates []screening.Candidate, now time.Time) []domain.ScreeningResult {
	cleared := make(map[string]domain.ScreeningResult)
	for _, r := range rec.Screenings {
		if r.Status == domain.ScreeningCleared {
			cleared[string(r.List)+"/"+r.EntityID] = r
		}
	}

	expires := now.Add(s.cfg.ScreeningTTL)
	var results []domain.ScreeningResult
	for _, list := range domain.ScreeningLists {
		found := false
		for _, c := range candidates {
			if string(c.Entity.List) != string(list) {
				continue
			}
			found = true
			r := domain.ScreeningResult{
				ID:          uuid.New(),
				List:        list,
				Status:      domain.ScreeningMatch,
				Score:       c.Score,
				Tier:        string(c.Tier),
				EntityID:    c.Entity.ID,
				EntityName:  c.Entity.Name,
				Explanation: c.Explanation,
				ScreenedAt:  now,
				ExpiresAt:   expires,
			}
			if prior, ok := cleared[string(list)+"/"+c.Entity.ID]; ok && c.Score <= prior.Score {
				r.Status = domain.ScreeningCleared
				r.ResolvedBy = prior.ResolvedBy
				r.ResolutionNote = prior.ResolutionNote
				r.ResolvedAt = prior.ResolvedAt
				r.Explanation = append(r.Explanation, "previously cleared as a false positive")
			}
			results = append(results, r)
		}
		if !found {
			results = append(results, domain.ScreeningResult{
				ID:         uuid.New(),
				List:       list,
				Status:     domain.ScreeningClear,
				ScreenedAt: now,
				ExpiresAt:  expires,
			})
		}
	}
	return results
}

func queryFor(p domain.Party) screening.Query {
	kind := screening.KindIndividual
	if p.Kind == domain.PartyCompany {
		kind = screening.KindOrganization
	}
	return screening.Query{
		Name:      p.LegalName,
		Aliases:   p.Aliases,
		Kind:      kind,
		Country:   p.Country,
		BirthDate: p.BirthDate,
	}
}

// ResolveScreeningMatch records an administrator's decision on a MATCH result.
func (s *ComplianceService) ResolveScreeningMatch(ctx context.Context, partyID string, resultID uuid.UUID, resolution domain.ScreeningStatus, note string, actor domain.Actor) (*domain.ComplianceRecord, error) {
	if err := requireComplianceAdmin(actor); err != nil {
		return nil, err
	}
	if note == "" {
		return nil, domain.NewMissingRequiredFieldError("note")
	}
	rec, err := s.repo.FindComplianceRecord(ctx, partyID)
	if err != nil {
		return nil, err
	}
	i := rec.FindScreening(resultID)
	if i < 0 {
		return nil, domain.NewNotFoundError("screening result", resultID.String())
	}
	result := rec.Screenings[i]
	if err := result.Resolve(resolution, actor.ID, note, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateScreening(ctx, partyID, result); err != nil {
		return nil, err
	}
	s.logger.Info("screening match resolved",
		"party_id", partyID, "result_id", resultID, "resolution", resolution, "actor_id", actor.ID)
	rec.Screenings[i] = result
	return rec, nil
}

// CanReceiveFunds is the gate consulted before any money movement.
func (s *ComplianceService) CanReceiveFunds(ctx context.Context, partyID string) (domain.ComplianceDecision, error) {
	ctx, span := tracer.Start(ctx, "compliance.CanReceiveFunds", trace.WithAttributes(attribute.String("party.id", partyID)))
	defer span.End()

	now := s.now()
	rec, err := s.repo.FindComplianceRecord(ctx, partyID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			d := domain.ComplianceDecision{
				PartyID:     partyID,
				Reason:      domain.ReasonKYCRequired,
				Detail:      fmt.Sprintf("party %s has no compliance record, register and verify it first", partyID),
				EvaluatedAt: now,
			}
			s.metrics.IncComplianceDecision(string(d.Reason))
			return d, nil
		}
		span.RecordError(err)
		return domain.ComplianceDecision{}, err
	}

	d := rec.Evaluate(now)
	s.metrics.IncComplianceDecision(string(d.Reason))
	span.SetAttributes(attribute.Bool("compliance.allowed", d.Allowed), attribute.String("compliance.reason", string(d.Reason)))
	return d, nil
}

// RefreshDue re-screens parties whose results expire within the configured
// horizon. It returns how many parties were screened.
func (s *ComplianceService) RefreshDue(ctx context.Context, limit int) (int, error) {
	due := s.now().Add(s.cfg.RescreenAhead)
	ids, err := s.repo.FindPartiesDueForScreening(ctx, due, limit)
	if err != nil {
		return 0, fmt.Errorf("find parties due for screening: %w", err)
	}
	screened := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return screened, ctx.Err()
		}
		if _, err := s.ScreenParty(ctx, id, domain.SystemActor); err != nil {
			s.logger.Error("re-screening failed", "party_id", id, "error", err)
			continue
		}
		screened++
	}
	return screened, nil
}

// LoadWatchlist replaces the screening corpus in one batch.
func (s *ComplianceService) LoadWatchlist(ctx context.Context, entities []screening.Entity, actor domain.Actor) (int, error) {
	if err := requireComplianceAdmin(actor); err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(entities))
	for i := range entities {
		e := &entities[i]
		if e.ID == "" || e.Name == "" {
			return 0, domain.NewMissingRequiredFieldError(fmt.Sprintf("entities[%d] id and name", i))
		}
		if !e.List.Valid() {
			return 0, domain.NewValidationError(domain.ErrCodeInvalidInput, fmt.Sprintf("entities[%d] unknown list %q", i, e.List))
		}
		if e.Kind == "" {
			e.Kind = screening.KindIndividual
		}
		if _, dup := seen[e.ID]; dup {
			return 0, domain.NewValidationError(domain.ErrCodeInvalidInput, fmt.Sprintf("duplicate entity id %s", e.ID))
		}
		seen[e.ID] = struct{}{}
	}
	if err := s.watchlist.ReplaceWatchlist(ctx, entities); err != nil {
		return 0, err
	}
	s.matcher.Load(entities)
	s.logger.Info("watchlist loaded", "entities", len(entities), "actor_id", actor.ID)
	return len(entities), nil
}

// ReloadWatchlist loads the persisted corpus into the matcher.
func (s *ComplianceService) ReloadWatchlist(ctx context.Context) error {
	entities, err := s.watchlist.ListWatchlist(ctx)
	if err != nil {
		return fmt.Errorf("list watchlist: %w", err)
	}
	s.matcher.Load(entities)
	return nil
}

func requireComplianceAdmin(actor domain.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !actor.CanAdministerCompliance() {
		return domain.NewForbiddenError(fmt.Sprintf("actor %s (%s) may not change compliance state", actor.ID, actor.Role))
	}
	return nil
}
