package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	opListTenants       = "triggers.repository.list_active_tenants"
	opStagnantLeads     = "triggers.repository.stagnant_leads"
	opDecayingDeals     = "triggers.repository.decaying_deals"
	opOverdueActivities = "triggers.repository.overdue_activities"
	opHotOpportunities  = "triggers.repository.hot_opportunities"
	opOpportunityLinks  = "triggers.repository.opportunity_links"
)

// LeadRow is the read-only lead snapshot a detector needs.
type LeadRow struct {
	ID             uuid.UUID
	FirstName      string
	LastName       string
	Company        *string
	Status         string
	LastTouchedAt  time.Time
	AssignedTo     *uuid.UUID
	LastNote       *string
	SentimentLabel *string
	SentimentScore *float64
}

// OpportunityRow is the read-only opportunity snapshot a detector needs.
type OpportunityRow struct {
	ID             uuid.UUID
	Name           string
	Stage          string
	Amount         float64
	Probability    int
	CloseDate      *time.Time
	LastActivityAt time.Time
	AccountID      *uuid.UUID
	LeadID         *uuid.UUID
	ContactID      *uuid.UUID
	AssignedTo     *uuid.UUID
}

// ActivityRow is the read-only activity snapshot a detector needs.
type ActivityRow struct {
	ID             uuid.UUID
	Subject        string
	Type           string
	Description    *string
	DueDate        time.Time
	RelatedTo      *string
	RelatedID      *uuid.UUID
	AssignedTo     *uuid.UUID
	SentimentLabel *string
	SentimentScore *float64
}

// OpportunityLinks are the relationship entities an opportunity points at.
type OpportunityLinks struct {
	AccountID *uuid.UUID
	LeadID    *uuid.UUID
	ContactID *uuid.UUID
}

// ListActiveTenants returns every active organization id.
func (r *Repository) ListActiveTenants(ctx context.Context) ([]uuid.UUID, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opListTenants)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id FROM RAC_organizations
		WHERE is_active = true
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("list tenants failed: %v", err)).WithOp(opListTenants)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan tenant failed: %v", err)).WithOp(opListTenants)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate tenants failed: %v", err)).WithOp(opListTenants)
	}
	return ids, nil
}

// StagnantLeads returns open leads last touched before cutoff, stalest first,
// skipping test data and leads with a pending suggestion for the trigger.
func (r *Repository) StagnantLeads(ctx context.Context, tenantID uuid.UUID, triggerID string, cutoff time.Time, limit int) ([]LeadRow, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opStagnantLeads)
	}

	rows, err := r.db.Query(ctx, `
		SELECT l.id, l.consumer_first_name, l.consumer_last_name, l.company, l.status,
			COALESCE(l.last_contacted_at, l.updated_at) AS last_touched_at,
			l.assigned_agent_id, l.last_note, l.sentiment_label, l.sentiment_score
		FROM RAC_leads l
		WHERE l.organization_id = $1
			AND l.deleted_at IS NULL
			AND COALESCE(l.is_test_data, false) = false
			AND l.status NOT IN ('Closed', 'Bad_Lead', 'Converted', 'Lost')
			AND COALESCE(l.last_contacted_at, l.updated_at) < $3
			AND NOT EXISTS (
				SELECT 1 FROM RAC_ai_suggestions s
				WHERE s.tenant_id = l.organization_id
					AND s.trigger_id = $2
					AND s.record_id = l.id
					AND s.status = 'pending'
			)
		ORDER BY last_touched_at ASC
		LIMIT $4
	`, tenantID, triggerID, cutoff, limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("stagnant leads query failed: %v", err)).WithOp(opStagnantLeads)
	}
	defer rows.Close()

	var out []LeadRow
	for rows.Next() {
		var l LeadRow
		if err := rows.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Company, &l.Status, &l.LastTouchedAt,
			&l.AssignedTo, &l.LastNote, &l.SentimentLabel, &l.SentimentScore); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan lead failed: %v", err)).WithOp(opStagnantLeads)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate leads failed: %v", err)).WithOp(opStagnantLeads)
	}
	return out, nil
}

const opportunityColumns = `o.id, o.name, o.stage, COALESCE(o.amount, 0), COALESCE(o.probability, 0), o.close_date,
			COALESCE(o.last_activity_at, o.updated_at) AS last_activity_at,
			o.account_id, o.lead_id, o.contact_id, o.assigned_to`

// DecayingDeals returns open opportunities without activity since cutoff,
// stalest first.
func (r *Repository) DecayingDeals(ctx context.Context, tenantID uuid.UUID, triggerID string, cutoff time.Time, limit int) ([]OpportunityRow, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opDecayingDeals)
	}

	return r.queryOpportunities(ctx, opDecayingDeals, `
		SELECT `+opportunityColumns+`
		FROM RAC_opportunities o
		WHERE o.tenant_id = $1
			AND COALESCE(o.is_test_data, false) = false
			AND o.stage NOT IN ('closed_won', 'closed_lost')
			AND COALESCE(o.last_activity_at, o.updated_at) < $3
			AND NOT EXISTS (
				SELECT 1 FROM RAC_ai_suggestions s
				WHERE s.tenant_id = o.tenant_id
					AND s.trigger_id = $2
					AND s.record_id = o.id
					AND s.status = 'pending'
			)
		ORDER BY last_activity_at ASC
		LIMIT $4
	`, tenantID, triggerID, cutoff, limit)
}

// HotOpportunities returns open opportunities at or above minProbability that
// close between today and closeBy, highest amount first.
func (r *Repository) HotOpportunities(ctx context.Context, tenantID uuid.UUID, triggerID string, minProbability int, today, closeBy time.Time, limit int) ([]OpportunityRow, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opHotOpportunities)
	}

	return r.queryOpportunities(ctx, opHotOpportunities, `
		SELECT `+opportunityColumns+`
		FROM RAC_opportunities o
		WHERE o.tenant_id = $1
			AND COALESCE(o.is_test_data, false) = false
			AND o.stage NOT IN ('closed_won', 'closed_lost')
			AND o.probability >= $3
			AND o.close_date >= $4
			AND o.close_date <= $5
			AND NOT EXISTS (
				SELECT 1 FROM RAC_ai_suggestions s
				WHERE s.tenant_id = o.tenant_id
					AND s.trigger_id = $2
					AND s.record_id = o.id
					AND s.status = 'pending'
			)
		ORDER BY o.amount DESC NULLS LAST
		LIMIT $6
	`, tenantID, triggerID, minProbability, today, closeBy, limit)
}

func (r *Repository) queryOpportunities(ctx context.Context, op, query string, args ...interface{}) ([]OpportunityRow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("opportunities query failed: %v", err)).WithOp(op)
	}
	defer rows.Close()

	var out []OpportunityRow
	for rows.Next() {
		var o OpportunityRow
		if err := rows.Scan(&o.ID, &o.Name, &o.Stage, &o.Amount, &o.Probability, &o.CloseDate,
			&o.LastActivityAt, &o.AccountID, &o.LeadID, &o.ContactID, &o.AssignedTo); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan opportunity failed: %v", err)).WithOp(op)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate opportunities failed: %v", err)).WithOp(op)
	}
	return out, nil
}

// OverdueActivities returns open activities due before today, most overdue
// first.
func (r *Repository) OverdueActivities(ctx context.Context, tenantID uuid.UUID, triggerID string, today time.Time, limit int) ([]ActivityRow, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opOverdueActivities)
	}

	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.subject, a.type, a.description, a.due_date, a.related_to, a.related_id,
			a.assigned_to, a.sentiment_label, a.sentiment_score
		FROM RAC_activities a
		WHERE a.tenant_id = $1
			AND COALESCE(a.is_test_data, false) = false
			AND a.status NOT IN ('completed', 'cancelled')
			AND a.due_date < $3
			AND NOT EXISTS (
				SELECT 1 FROM RAC_ai_suggestions s
				WHERE s.tenant_id = a.tenant_id
					AND s.trigger_id = $2
					AND s.record_id = a.id
					AND s.status = 'pending'
			)
		ORDER BY a.due_date ASC
		LIMIT $4
	`, tenantID, triggerID, today, limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("overdue activities query failed: %v", err)).WithOp(opOverdueActivities)
	}
	defer rows.Close()

	var out []ActivityRow
	for rows.Next() {
		var a ActivityRow
		if err := rows.Scan(&a.ID, &a.Subject, &a.Type, &a.Description, &a.DueDate, &a.RelatedTo, &a.RelatedID,
			&a.AssignedTo, &a.SentimentLabel, &a.SentimentScore); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan activity failed: %v", err)).WithOp(opOverdueActivities)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate activities failed: %v", err)).WithOp(opOverdueActivities)
	}
	return out, nil
}

// GetOpportunityLinks resolves the relationship entities of an opportunity.
func (r *Repository) GetOpportunityLinks(ctx context.Context, tenantID, opportunityID uuid.UUID) (OpportunityLinks, error) {
	if !r.ready() {
		return OpportunityLinks{}, apperr.Internal(errRepoNotConfigured).WithOp(opOpportunityLinks)
	}

	var links OpportunityLinks
	err := r.db.QueryRow(ctx, `
		SELECT account_id, lead_id, contact_id
		FROM RAC_opportunities
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, opportunityID).Scan(&links.AccountID, &links.LeadID, &links.ContactID)
	if errors.Is(err, pgx.ErrNoRows) {
		return OpportunityLinks{}, ErrNotFound
	}
	if err != nil {
		return OpportunityLinks{}, apperr.Internal(fmt.Sprintf("opportunity links query failed: %v", err)).WithOp(opOpportunityLinks)
	}
	return links, nil
}
