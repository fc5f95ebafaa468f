// Package metrics exposes Prometheus instruments for the marketplace core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Status transitions by entity and target status
	Transitions *prometheus.CounterVec

	// Optimistic concurrency losses by operation
	Conflicts *prometheus.CounterVec

	// Escrow money-movement outcomes by operation and outcome
	EscrowOutcomes *prometheus.CounterVec

	// Rail call latency by operation
	RailLatency *prometheus.HistogramVec

	// Gate decisions by reason code
	ComplianceDecisions *prometheus.CounterVec

	// Screening runs and reported candidates
	ScreeningLatency prometheus.Histogram
	ScreeningMatches *prometheus.CounterVec

	// Outbox relay
	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
}

// New registers all instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charterdesk_transitions_total",
			Help: "Status transitions by entity and target status",
		}, []string{"entity", "status"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charterdesk_conflicts_total",
			Help: "Optimistic concurrency conflicts by operation",
		}, []string{"operation"}),

		EscrowOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charterdesk_escrow_outcomes_total",
			Help: "Escrow release and refund outcomes",
		}, []string{"operation", "outcome"}),

		RailLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "charterdesk_rail_call_duration_seconds",
			Help:    "Duration of payment rail calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),

		ComplianceDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charterdesk_compliance_decisions_total",
			Help: "Compliance gate decisions by reason",
		}, []string{"reason"}),

		ScreeningLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "charterdesk_screening_duration_seconds",
			Help:    "Duration of one party screening run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ScreeningMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charterdesk_screening_matches_total",
			Help: "Screening candidates reported by list and tier",
		}, []string{"list", "tier"}),

		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "charterdesk_outbox_events_published_total",
			Help: "Domain events delivered by the outbox relay",
		}),

		EventsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "charterdesk_outbox_events_failed_total",
			Help: "Domain events whose delivery attempt failed",
		}),
	}
}

func (m *Metrics) IncTransition(entity, status string) {
	if m != nil {
		m.Transitions.WithLabelValues(entity, status).Inc()
	}
}

func (m *Metrics) IncConflict(operation string) {
	if m != nil {
		m.Conflicts.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncEscrowOutcome(operation, outcome string) {
	if m != nil {
		m.EscrowOutcomes.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) ObserveRailLatency(operation string, d time.Duration) {
	if m != nil {
		m.RailLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncComplianceDecision(reason string) {
	if m != nil {
		m.ComplianceDecisions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveScreening(d time.Duration) {
	if m != nil {
		m.ScreeningLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncScreeningMatch(list, tier string) {
	if m != nil {
		m.ScreeningMatches.WithLabelValues(list, tier).Inc()
	}
}

func (m *Metrics) AddEventsPublished(n int) {
	if m != nil {
		m.EventsPublished.Add(float64(n))
	}
}

func (m *Metrics) IncEventsFailed() {
	if m != nil {
		m.EventsFailed.Inc()
	}
}
