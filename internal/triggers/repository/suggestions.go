package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	opFindActive       = "triggers.repository.find_active_suggestion"
	opInsertSuggestion = "triggers.repository.insert_suggestion"
	opExpirePending    = "triggers.repository.expire_pending"
)

// InsertOutcome tells callers how an insert resolved without making them
// inspect driver error codes.
type InsertOutcome int

const (
	// InsertCreated means a new row was written.
	InsertCreated InsertOutcome = iota + 1
	// InsertDuplicate means the pending-uniqueness constraint rejected the row.
	InsertDuplicate
)

func (o InsertOutcome) String() string {
	switch o {
	case InsertCreated:
		return "created"
	case InsertDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// InsertResult is returned by InsertSuggestion. ID is set only when Created.
type InsertResult struct {
	Outcome InsertOutcome
	ID      uuid.UUID
}

// InsertSuggestionParams carries a new pending suggestion.
type InsertSuggestionParams struct {
	TenantID       uuid.UUID
	TriggerID      domain.TriggerID
	RecordType     domain.RecordType
	RecordID       uuid.UUID
	Action         domain.Action
	Confidence     float64
	Reasoning      string
	Priority       domain.Priority
	Source         domain.SuggestionSource
	TriggerContext domain.TriggerContext
	ExpiresAt      time.Time
}

// FindActiveSuggestion returns a suggestion for the triple that is pending, or
// rejected with updated_at at or after rejectedSince. ErrNotFound otherwise.
func (r *Repository) FindActiveSuggestion(ctx context.Context, tenantID uuid.UUID, triggerID domain.TriggerID, recordID uuid.UUID, rejectedSince time.Time) (domain.Suggestion, error) {
	if !r.ready() {
		return domain.Suggestion{}, apperr.Internal(errRepoNotConfigured).WithOp(opFindActive)
	}

	var s domain.Suggestion
	var trigger, recordType, priority, status, source string
	var action []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, trigger_id, record_type, record_id, action, confidence, reasoning,
			priority, status, source, expires_at, created_at, updated_at
		FROM RAC_ai_suggestions
		WHERE tenant_id = $1 AND trigger_id = $2 AND record_id = $3
			AND (status = 'pending' OR (status = 'rejected' AND updated_at >= $4))
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, string(triggerID), recordID, rejectedSince).Scan(
		&s.ID, &s.TenantID, &trigger, &recordType, &s.RecordID, &action, &s.Confidence, &s.Reasoning,
		&priority, &status, &source, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Suggestion{}, ErrNotFound
	}
	if err != nil {
		return domain.Suggestion{}, apperr.Internal(fmt.Sprintf("find active suggestion failed: %v", err)).WithOp(opFindActive)
	}

	s.TriggerID = domain.TriggerID(trigger)
	s.RecordType = domain.RecordType(recordType)
	s.Priority = domain.Priority(priority)
	s.Status = domain.SuggestionStatus(status)
	s.Source = domain.SuggestionSource(source)
	if len(action) > 0 {
		if err := json.Unmarshal(action, &s.Action); err != nil {
			return domain.Suggestion{}, apperr.Internal(fmt.Sprintf("decode suggestion action failed: %v", err)).WithOp(opFindActive)
		}
	}
	return s, nil
}

// InsertSuggestion writes a pending suggestion. A unique violation from a
// concurrent writer resolves to InsertDuplicate with a nil error.
func (r *Repository) InsertSuggestion(ctx context.Context, p InsertSuggestionParams) (InsertResult, error) {
	if !r.ready() {
		return InsertResult{}, apperr.Internal(errRepoNotConfigured).WithOp(opInsertSuggestion)
	}
	if p.TenantID == uuid.Nil || p.RecordID == uuid.Nil || p.TriggerID == "" {
		return InsertResult{}, apperr.Validation("tenantId, triggerId and recordId are required").WithOp(opInsertSuggestion)
	}

	actionJSON, err := json.Marshal(p.Action)
	if err != nil {
		return InsertResult{}, apperr.Internal(fmt.Sprintf("marshal action: %v", err)).WithOp(opInsertSuggestion)
	}
	contextJSON, err := json.Marshal(p.TriggerContext)
	if err != nil {
		return InsertResult{}, apperr.Internal(fmt.Sprintf("marshal trigger context: %v", err)).WithOp(opInsertSuggestion)
	}

	priority := p.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	source := p.Source
	if source == "" {
		source = domain.SourceTemplate
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO RAC_ai_suggestions
			(tenant_id, trigger_id, record_type, record_id, action, confidence, reasoning,
			 priority, status, source, trigger_context, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11)
		RETURNING id
	`, p.TenantID, string(p.TriggerID), string(p.RecordType), p.RecordID, actionJSON,
		domain.ClampConfidence(p.Confidence), p.Reasoning, string(priority), string(source), contextJSON, p.ExpiresAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return InsertResult{Outcome: InsertDuplicate}, nil
		}
		return InsertResult{}, apperr.Internal(fmt.Sprintf("insert suggestion failed: %v", err)).WithOp(opInsertSuggestion)
	}
	return InsertResult{Outcome: InsertCreated, ID: id}, nil
}

// ExpirePending moves every pending suggestion whose expires_at is before now
// to expired and returns how many rows changed.
func (r *Repository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	if !r.ready() {
		return 0, apperr.Internal(errRepoNotConfigured).WithOp(opExpirePending)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE RAC_ai_suggestions
		SET status = 'expired', updated_at = now()
		WHERE status = 'pending' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, apperr.Internal(fmt.Sprintf("expire suggestions failed: %v", err)).WithOp(opExpirePending)
	}
	return tag.RowsAffected(), nil
}
