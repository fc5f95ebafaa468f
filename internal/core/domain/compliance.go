package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

type PartyKind string

const (
	PartyIndividual PartyKind = "INDIVIDUAL"
	PartyCompany    PartyKind = "COMPANY"
)

// ScreeningList mirrors the watch lists a party is screened against.
type ScreeningList string

const (
	ListSanctions    ScreeningList = "SANCTIONS"
	ListPEP          ScreeningList = "PEP"
	ListAdverseMedia ScreeningList = "ADVERSE_MEDIA"
)

var ScreeningLists = []ScreeningList{ListSanctions, ListPEP, ListAdverseMedia}

type ScreeningStatus string

const (
	// ScreeningClear means the list had no candidate above threshold.
	ScreeningClear ScreeningStatus = "CLEAR"
	// ScreeningMatch is an unresolved candidate; it blocks fund movement.
	ScreeningMatch ScreeningStatus = "MATCH"
	// ScreeningCleared is a match an administrator resolved as a false positive.
	ScreeningCleared ScreeningStatus = "CLEARED"
	// ScreeningConfirmed is a match an administrator confirmed; it keeps blocking.
	ScreeningConfirmed ScreeningStatus = "CONFIRMED"
)

// ComplianceReason is the reason code of a gate decision.
type ComplianceReason string

const (
	ReasonCleared           ComplianceReason = "CLEARED"
	ReasonKYCRequired       ComplianceReason = "KYC_REQUIRED"
	ReasonKYCRejected       ComplianceReason = "KYC_REJECTED"
	ReasonKYCExpired        ComplianceReason = "KYC_EXPIRED"
	ReasonScreeningRequired ComplianceReason = "SCREENING_REQUIRED"
	ReasonScreeningMatch    ComplianceReason = "SCREENING_MATCH"
)

// Party identifies a counterparty for screening.
type Party struct {
	ID        string    `json:"id"`
	LegalName string    `json:"legal_name"`
	Aliases   []string  `json:"aliases,omitempty"`
	Kind      PartyKind `json:"kind"`
	Country   string    `json:"country,omitempty"`
	BirthDate string    `json:"birth_date,omitempty"`
}

func (p Party) Validate() error {
	if p.ID == "" {
		return NewMissingRequiredFieldError("party id")
	}
	if p.LegalName == "" {
		return NewMissingRequiredFieldError("legal name")
	}
	if p.Kind != PartyIndividual && p.Kind != PartyCompany {
		return NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("unknown party kind %q", p.Kind))
	}
	if p.BirthDate != "" {
		if _, err := time.Parse(time.DateOnly, p.BirthDate); err != nil {
			return NewValidationError(ErrCodeInvalidInput, "birth date must be YYYY-MM-DD")
		}
	}
	return nil
}

type KYC struct {
	Status    KYCStatus  `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	Note      string     `json:"note,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ScreeningResult struct {
	ID          uuid.UUID       `json:"id"`
	List        ScreeningList   `json:"list"`
	Status      ScreeningStatus `json:"status"`
	Score       float64         `json:"score"`
	Tier        string          `json:"tier,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	EntityName  string          `json:"entity_name,omitempty"`
	Explanation []string        `json:"explanation,omitempty"`
	ScreenedAt  time.Time       `json:"screened_at"`
	ExpiresAt   time.Time       `json:"expires_at"`

	ResolvedBy     *string    `json:"resolved_by,omitempty"`
	ResolutionNote *string    `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (s ScreeningResult) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Blocking reports whether the result denies fund movement.
func (s ScreeningResult) Blocking() bool {
	return s.Status == ScreeningMatch || s.Status == ScreeningConfirmed
}

// Resolve records an administrator's decision on a match.
func (s *ScreeningResult) Resolve(status ScreeningStatus, actorID, note string, now time.Time) error {
	if s.Status != ScreeningMatch {
		return NewStateError(ErrCodeScreeningNotPending, fmt.Sprintf("screening result %s is %s, only MATCH results can be resolved", s.ID, s.Status))
	}
	if status != ScreeningCleared && status != ScreeningConfirmed {
		return NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("resolution must be %s or %s", ScreeningCleared, ScreeningConfirmed))
	}
	s.Status = status
	s.ResolvedBy = &actorID
	s.ResolutionNote = &note
	s.ResolvedAt = &now
	return nil
}

// ComplianceRecord is the per-party KYC and screening state.
type ComplianceRecord struct {
	Party      Party             `json:"party"`
	KYC        KYC               `json:"kyc"`
	Screenings []ScreeningResult `json:"screenings"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Version    int64             `json:"version"`
}

// ComplianceDecision is the gate's answer for one party.
type ComplianceDecision struct {
	PartyID     string           `json:"party_id"`
	Allowed     bool             `json:"allowed"`
	Reason      ComplianceReason `json:"reason"`
	Detail      string           `json:"detail"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// NextScreeningDue is the earliest expiry among the latest results, or the
// zero time if the party has never been screened.
func (r *ComplianceRecord) NextScreeningDue() time.Time {
	var due time.Time
	for _, s := range r.Screenings {
		if due.IsZero() || s.ExpiresAt.Before(due) {
			due = s.ExpiresAt
		}
	}
	return due
}

// Evaluate decides whether the party may receive funds at now. KYC is
// checked first, then unresolved matches, then screening coverage.
// An expired result counts as no result.
func (r *ComplianceRecord) Evaluate(now time.Time) ComplianceDecision {
	deny := func(reason ComplianceReason, detail string) ComplianceDecision {
		return ComplianceDecision{PartyID: r.Party.ID, Reason: reason, Detail: detail, EvaluatedAt: now}
	}

	switch r.KYC.Status {
	case KYCRejected:
		return deny(ReasonKYCRejected, fmt.Sprintf("KYC for party %s was rejected", r.Party.ID))
	case KYCVerified:
		if r.KYC.ExpiresAt == nil || !now.Before(*r.KYC.ExpiresAt) {
			expired := "without an expiry date"
			if r.KYC.ExpiresAt != nil {
				expired = "on " + r.KYC.ExpiresAt.Format(time.DateOnly)
			}
			return deny(ReasonKYCExpired, fmt.Sprintf("KYC for party %s expired %s, re-verify the party", r.Party.ID, expired))
		}
	default:
		return deny(ReasonKYCRequired, fmt.Sprintf("KYC for party %s is not verified", r.Party.ID))
	}

	covered := make(map[ScreeningList]bool, len(ScreeningLists))
	for _, s := range r.Screenings {
		if s.Expired(now) {
			continue
		}
		if s.Blocking() {
			return deny(ReasonScreeningMatch, fmt.Sprintf("party %s has a %s %s result against %s (score %.2f), resolve it before moving funds",
				r.Party.ID, s.List, s.Status, s.EntityName, s.Score))
		}
		covered[s.List] = true
	}
	for _, list := range ScreeningLists {
		if !covered[list] {
			return deny(ReasonScreeningRequired, fmt.Sprintf("party %s has no current %s screening", r.Party.ID, list))
		}
	}

	return ComplianceDecision{
		PartyID:     r.Party.ID,
		Allowed:     true,
		Reason:      ReasonCleared,
		Detail:      "KYC verified and screening clear",
		EvaluatedAt: now,
	}
}

// FindScreening returns the index of the result with id, or -1.
func (r *ComplianceRecord) FindScreening(id uuid.UUID) int {
	return slices.IndexFunc(r.Screenings, func(s ScreeningResult) bool { return s.ID == id })
}
