// Package screening implements deterministic fuzzy matching of party names
// against a sanctions, PEP and adverse-media watch-list corpus.
package screening

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
)

const (
	// ReportThreshold is the exclusive lower bound for a reported candidate.
	ReportThreshold = 0.70

	SubstringBoost = 0.10
	CountryBoost   = 0.05
	BirthDateBoost = 0.10

	minContainmentRunes = 3
)

// EntityKind distinguishes natural persons from legal entities.
type EntityKind string

const (
	KindIndividual   EntityKind = "INDIVIDUAL"
	KindOrganization EntityKind = "ORGANIZATION"
)

// ListType is the watch list an entity was published on.
type ListType string

const (
	ListSanctions    ListType = "SANCTIONS"
	ListPEP          ListType = "PEP"
	ListAdverseMedia ListType = "ADVERSE_MEDIA"
)

// Lists is every list a party must be screened against.
var Lists = []ListType{ListSanctions, ListPEP, ListAdverseMedia}

func (l ListType) Valid() bool {
	return slices.Contains(Lists, l)
}

// RiskTier buckets a similarity score.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

// TierFor maps a score to its risk tier.
func TierFor(score float64) RiskTier {
	switch {
	case score >= 0.9:
		return TierCritical
	case score >= 0.8:
		return TierHigh
	case score >= 0.75:
		return TierMedium
	default:
		return TierLow
	}
}

// Entity is one watch-list record.
type Entity struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Aliases   []string   `json:"aliases,omitempty"`
	Kind      EntityKind `json:"kind"`
	List      ListType   `json:"list"`
	Program   string     `json:"program,omitempty"`
	Country   string     `json:"country,omitempty"`
	BirthDate string     `json:"birth_date,omitempty"`
}

// Query describes the party being screened. Country is an ISO code and
// BirthDate is YYYY-MM-DD; both are optional.
type Query struct {
	Name      string
	Aliases   []string
	Kind      EntityKind
	Country   string
	BirthDate string
}

// Candidate is a corpus entity that scored above the report threshold.
type Candidate struct {
	Entity       Entity
	Score        float64
	Tier         RiskTier
	MatchedName  string
	MatchedAlias bool
	Explanation  []string
}

type indexedName struct {
	raw   string
	norm  string
	org   string
	alias bool
}

type indexedEntity struct {
	entity Entity
	names  []indexedName
}

type corpus struct {
	entities []indexedEntity
}

// Matcher scores queries against an in-memory corpus. The corpus can be
// swapped with Load while Match calls are in flight.
type Matcher struct {
	corpus atomic.Pointer[corpus]
}

func NewMatcher(entities []Entity) *Matcher {
	m := &Matcher{}
	m.Load(entities)
	return m
}

// Load replaces the corpus in one step.
func (m *Matcher) Load(entities []Entity) {
	c := &corpus{entities: make([]indexedEntity, 0, len(entities))}
	for _, e := range entities {
		ie := indexedEntity{entity: e}
		ie.names = append(ie.names, indexName(e.Name, false))
		for _, alias := range e.Aliases {
			if strings.TrimSpace(alias) == "" {
				continue
			}
			ie.names = append(ie.names, indexName(alias, true))
		}
		c.entities = append(c.entities, ie)
	}
	m.corpus.Store(c)
}

// Size returns the number of loaded entities.
func (m *Matcher) Size() int {
	c := m.corpus.Load()
	if c == nil {
		return 0
	}
	return len(c.entities)
}

// Match returns every entity scoring above ReportThreshold, best first.
// Equal scores are ordered by entity ID so results are reproducible.
func (m *Matcher) Match(q Query) []Candidate {
	c := m.corpus.Load()
	if c == nil {
		return nil
	}

	queries := []indexedName{indexName(q.Name, false)}
	for _, alias := range q.Aliases {
		if strings.TrimSpace(alias) == "" {
			continue
		}
		queries = append(queries, indexName(alias, true))
	}

	var out []Candidate
	for _, ie := range c.entities {
		cand, ok := score(q, queries, ie)
		if ok {
			out = append(out, cand)
		}
	}

	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Entity.ID, b.Entity.ID)
	})
	return out
}

func indexName(raw string, alias bool) indexedName {
	n := Normalize(raw)
	return indexedName{
		raw:   raw,
		norm:  n,
		org:   organizationCore(n),
		alias: alias,
	}
}

func score(q Query, queries []indexedName, ie indexedEntity) (Candidate, bool) {
	var (
		best     float64
		bestName indexedName
		method   string
	)
	company := q.Kind == KindOrganization

	for _, qn := range queries {
		if qn.norm == "" {
			continue
		}
		for _, en := range ie.names {
			s, how := nameSimilarity(qn, en, company)
			if s > best {
				best, bestName, method = s, en, how
			}
		}
	}
	if best == 0 {
		return Candidate{}, false
	}

	reasons := []string{fmt.Sprintf("%s similarity %.2f against %q", method, best, bestName.raw)}
	total := best

	for _, qn := range queries {
		if containsPhrase(qn.norm, bestName.norm) {
			total += SubstringBoost
			reasons = append(reasons, fmt.Sprintf("name containment %q / %q", qn.raw, bestName.raw))
			break
		}
	}
	if q.Country != "" && strings.EqualFold(q.Country, ie.entity.Country) {
		total += CountryBoost
		reasons = append(reasons, "country "+strings.ToUpper(q.Country)+" matches")
	}
	if q.BirthDate != "" && q.BirthDate == ie.entity.BirthDate {
		total += BirthDateBoost
		reasons = append(reasons, "birth date "+q.BirthDate+" matches")
	}

	total = math.Min(1, round(total))
	if total <= ReportThreshold {
		return Candidate{}, false
	}
	return Candidate{
		Entity:       ie.entity,
		Score:        total,
		Tier:         TierFor(total),
		MatchedName:  bestName.raw,
		MatchedAlias: bestName.alias,
		Explanation:  reasons,
	}, true
}

func nameSimilarity(q, e indexedName, company bool) (float64, string) {
	best, how := similarity(q.norm, e.norm), "name"
	if company {
		if s := similarity(q.org, e.org); s > best {
			best, how = s, "organization"
		}
	}
	if e.alias && how == "name" {
		how = "alias"
	}
	return best, how
}

// similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
