// Package metrics holds the Prometheus collectors exported by the trigger worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	TenantFailures     prometheus.Counter
	DetectorFailures   *prometheus.CounterVec
	CandidatesDetected *prometheus.CounterVec
	SuggestionOutcomes *prometheus.CounterVec
	SuggestionsExpired prometheus.Counter
	CareProposals      *prometheus.CounterVec
	CareEscalations    *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
	AuditEventsEmitted *prometheus.CounterVec
}

// New registers all collectors on a fresh registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_cycles_total",
			Help: "Trigger detection cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trigger_cycle_duration_seconds",
			Help:    "Wall time of a full detection cycle across all tenants",
			Buckets: prometheus.DefBuckets,
		}),
		TenantFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "trigger_tenant_failures_total",
			Help: "Tenants whose cycle aborted with an error",
		}),
		DetectorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_detector_failures_total",
			Help: "Detector query failures",
		}, []string{"trigger_id"}),
		CandidatesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_candidates_total",
			Help: "Candidate records yielded by detectors",
		}, []string{"trigger_id"}),
		SuggestionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_suggestion_outcomes_total",
			Help: "Suggestion lifecycle outcomes",
		}, []string{"trigger_id", "outcome"}),
		SuggestionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "trigger_suggestions_expired_total",
			Help: "Pending suggestions moved to expired by the sweep",
		}),
		CareProposals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "care_transition_proposals_total",
			Help: "State transitions proposed, by gate result",
		}, []string{"to_state", "gate"}),
		CareEscalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "care_escalations_total",
			Help: "Escalations detected, by confidence",
		}, []string{"confidence"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "care_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by outcome",
		}, []string{"kind", "outcome"}),
		AuditEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "care_audit_events_total",
			Help: "Audit events emitted by event type",
		}, []string{"event_type"}),
	}
}
