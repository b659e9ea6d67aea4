// Package detectors finds candidate records for each trigger type.
//
// A detector never fails its caller: query errors are logged and surface as
// an empty sequence so one broken query cannot abort a tenant's cycle.
package detectors

import (
	"context"
	"iter"
	"strings"
	"time"

	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/internal/triggers/repository"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
)

// Source is the data-store collaborator the detectors query.
type Source interface {
	StagnantLeads(ctx context.Context, tenantID uuid.UUID, triggerID string, cutoff time.Time, limit int) ([]repository.LeadRow, error)
	DecayingDeals(ctx context.Context, tenantID uuid.UUID, triggerID string, cutoff time.Time, limit int) ([]repository.OpportunityRow, error)
	OverdueActivities(ctx context.Context, tenantID uuid.UUID, triggerID string, today time.Time, limit int) ([]repository.ActivityRow, error)
	HotOpportunities(ctx context.Context, tenantID uuid.UUID, triggerID string, minProbability int, today, closeBy time.Time, limit int) ([]repository.OpportunityRow, error)
}

// Detector yields candidates for a single trigger type.
type Detector interface {
	TriggerID() domain.TriggerID
	Detect(ctx context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate]
}

// Windows holds the lookback/lookahead settings shared by the detectors.
type Windows struct {
	LeadStagnantDays  int
	DealDecayDays     int
	HotWindowDays     int
	HotMinProbability int
	Limit             int
}

const (
	defaultLeadStagnantDays  = 7
	defaultDealDecayDays     = 14
	defaultHotWindowDays     = 14
	defaultHotMinProbability = 70
	defaultLimit             = 25
)

func (w Windows) withDefaults() Windows {
	if w.LeadStagnantDays <= 0 {
		w.LeadStagnantDays = defaultLeadStagnantDays
	}
	if w.DealDecayDays <= 0 {
		w.DealDecayDays = defaultDealDecayDays
	}
	if w.HotWindowDays <= 0 {
		w.HotWindowDays = defaultHotWindowDays
	}
	if w.HotMinProbability <= 0 {
		w.HotMinProbability = defaultHotMinProbability
	}
	if w.Limit <= 0 {
		w.Limit = defaultLimit
	}
	return w
}

// base carries what every detector shares.
type base struct {
	src     Source
	windows Windows
	now     func() time.Time
	log     *logger.Logger
	metrics *metrics.Metrics
}

func (b base) fail(tenantID uuid.UUID, trigger domain.TriggerID, err error) {
	b.log.Warn("detector_query_failed", "tenant_id", tenantID.String(), "trigger_id", string(trigger), "error", err)
	if b.metrics != nil {
		b.metrics.DetectorFailures.WithLabelValues(string(trigger)).Inc()
	}
}

func (b base) count(trigger domain.TriggerID) {
	if b.metrics != nil {
		b.metrics.CandidatesDetected.WithLabelValues(string(trigger)).Inc()
	}
}

// All builds the four standard detectors in detection order.
func All(src Source, windows Windows, now func() time.Time, log *logger.Logger, m *metrics.Metrics) []Detector {
	if now == nil {
		now = time.Now
	}
	b := base{src: src, windows: windows.withDefaults(), now: now, log: log, metrics: m}
	return []Detector{
		&StagnantLeads{base: b},
		&DealDecay{base: b},
		&OverdueActivities{base: b},
		&HotOpportunities{base: b},
	}
}

// StagnantLeads flags open leads untouched for LeadStagnantDays.
type StagnantLeads struct{ base }

func (d *StagnantLeads) TriggerID() domain.TriggerID { return domain.TriggerLeadStagnant }

func (d *StagnantLeads) Detect(ctx context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		now := d.now()
		cutoff := now.Add(-time.Duration(d.windows.LeadStagnantDays) * 24 * time.Hour)
		rows, err := d.src.StagnantLeads(ctx, tenantID, string(domain.TriggerLeadStagnant), cutoff, d.windows.Limit)
		if err != nil {
			d.fail(tenantID, domain.TriggerLeadStagnant, err)
			return
		}
		for _, row := range rows {
			d.count(domain.TriggerLeadStagnant)
			if !yield(leadCandidate(tenantID, row, now)) {
				return
			}
		}
	}
}

func leadCandidate(tenantID uuid.UUID, row repository.LeadRow, now time.Time) domain.Candidate {
	return domain.Candidate{
		TenantID:   tenantID,
		RecordType: domain.RecordLead,
		RecordID:   row.ID,
		DetectedAt: now,
		Context: domain.LeadStagnantContext{
			LeadName:      strings.TrimSpace(row.FirstName + " " + row.LastName),
			Company:       deref(row.Company),
			Status:        row.Status,
			LastTouchedAt: row.LastTouchedAt,
			DaysStagnant:  domain.DaysSince(row.LastTouchedAt, now),
			AssignedTo:    row.AssignedTo,
			LastNote:      deref(row.LastNote),
			Sentiment:     sentiment(row.SentimentLabel, row.SentimentScore),
		},
	}
}

// DealDecay flags open opportunities without activity for DealDecayDays.
type DealDecay struct{ base }

func (d *DealDecay) TriggerID() domain.TriggerID { return domain.TriggerDealDecay }

func (d *DealDecay) Detect(ctx context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		now := d.now()
		cutoff := now.Add(-time.Duration(d.windows.DealDecayDays) * 24 * time.Hour)
		rows, err := d.src.DecayingDeals(ctx, tenantID, string(domain.TriggerDealDecay), cutoff, d.windows.Limit)
		if err != nil {
			d.fail(tenantID, domain.TriggerDealDecay, err)
			return
		}
		for _, row := range rows {
			d.count(domain.TriggerDealDecay)
			c := domain.Candidate{
				TenantID:   tenantID,
				RecordType: domain.RecordOpportunity,
				RecordID:   row.ID,
				DetectedAt: now,
				Context: domain.DealDecayContext{
					OpportunityName: row.Name,
					Stage:           row.Stage,
					Amount:          row.Amount,
					Probability:     row.Probability,
					LastActivityAt:  row.LastActivityAt,
					DaysInactive:    domain.DaysSince(row.LastActivityAt, now),
					AccountID:       row.AccountID,
					LeadID:          row.LeadID,
					ContactID:       row.ContactID,
					AssignedTo:      row.AssignedTo,
				},
			}
			if !yield(c) {
				return
			}
		}
	}
}

// OverdueActivities flags open activities whose due date is before today.
type OverdueActivities struct{ base }

func (d *OverdueActivities) TriggerID() domain.TriggerID { return domain.TriggerActivityOverdue }

func (d *OverdueActivities) Detect(ctx context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		now := d.now()
		today := domain.StartOfDay(now)
		rows, err := d.src.OverdueActivities(ctx, tenantID, string(domain.TriggerActivityOverdue), today, d.windows.Limit)
		if err != nil {
			d.fail(tenantID, domain.TriggerActivityOverdue, err)
			return
		}
		for _, row := range rows {
			d.count(domain.TriggerActivityOverdue)
			related, _ := domain.ParseRecordType(deref(row.RelatedTo))
			c := domain.Candidate{
				TenantID:   tenantID,
				RecordType: domain.RecordActivity,
				RecordID:   row.ID,
				DetectedAt: now,
				Context: domain.ActivityOverdueContext{
					Subject:      row.Subject,
					ActivityType: row.Type,
					Description:  deref(row.Description),
					DueDate:      row.DueDate,
					DaysOverdue:  domain.DaysOverdue(row.DueDate, now),
					RelatedTo:    related,
					RelatedID:    row.RelatedID,
					AssignedTo:   row.AssignedTo,
					Sentiment:    sentiment(row.SentimentLabel, row.SentimentScore),
				},
			}
			if !yield(c) {
				return
			}
		}
	}
}

// HotOpportunities flags likely deals that close within HotWindowDays.
type HotOpportunities struct{ base }

func (d *HotOpportunities) TriggerID() domain.TriggerID { return domain.TriggerOpportunityHot }

func (d *HotOpportunities) Detect(ctx context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		now := d.now()
		today := domain.StartOfDay(now)
		closeBy := today.AddDate(0, 0, d.windows.HotWindowDays)
		rows, err := d.src.HotOpportunities(ctx, tenantID, string(domain.TriggerOpportunityHot), d.windows.HotMinProbability, today, closeBy, d.windows.Limit)
		if err != nil {
			d.fail(tenantID, domain.TriggerOpportunityHot, err)
			return
		}
		for _, row := range rows {
			if row.CloseDate == nil {
				continue
			}
			d.count(domain.TriggerOpportunityHot)
			c := domain.Candidate{
				TenantID:   tenantID,
				RecordType: domain.RecordOpportunity,
				RecordID:   row.ID,
				DetectedAt: now,
				Context: domain.OpportunityHotContext{
					OpportunityName: row.Name,
					Stage:           row.Stage,
					Amount:          row.Amount,
					Probability:     row.Probability,
					CloseDate:       *row.CloseDate,
					DaysToClose:     domain.DaysUntil(*row.CloseDate, now),
					AccountID:       row.AccountID,
					LeadID:          row.LeadID,
					ContactID:       row.ContactID,
					AssignedTo:      row.AssignedTo,
				},
			}
			if !yield(c) {
				return
			}
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sentiment(label *string, score *float64) *domain.Sentiment {
	if label == nil && score == nil {
		return nil
	}
	return &domain.Sentiment{Label: deref(label), Score: score}
}
