package memory

import (
	"maps"
	"slices"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
)

// Domain methods replace pointer fields rather than writing through them,
// so copying slices and maps is enough to isolate stored values.

func cloneRequest(r *domain.Request) *domain.Request {
	c := *r
	c.Legs = slices.Clone(r.Legs)
	return &c
}

func cloneQuote(q *domain.Quote) *domain.Quote {
	c := *q
	return &c
}

func cloneDeal(d *domain.Deal) *domain.Deal {
	c := *d
	return &c
}

func cloneHold(h *domain.EscrowHold) *domain.EscrowHold {
	c := *h
	c.DisputeEvidence = slices.Clone(h.DisputeEvidence)
	c.Conditions.DocumentationRefs = slices.Clone(h.Conditions.DocumentationRefs)
	return &c
}

func cloneRecord(r *domain.ComplianceRecord) *domain.ComplianceRecord {
	c := *r
	c.Party.Aliases = slices.Clone(r.Party.Aliases)
	c.Screenings = make([]domain.ScreeningResult, len(r.Screenings))
	for i, s := range r.Screenings {
		s.Explanation = slices.Clone(s.Explanation)
		c.Screenings[i] = s
	}
	return &c
}

func cloneEvent(e domain.Event) domain.Event {
	e.Attributes = maps.Clone(e.Attributes)
	return e
}
