package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	opGetOrCreateState = "care.repository.get_or_create_state"
	opApplyTransition  = "care.repository.apply_transition"
	opListHistory      = "care.repository.list_history"
	opTouchSignal      = "care.repository.touch_signal"
)

// Escalation status values.
const (
	EscalationNone = "none"
	EscalationOpen = "open"
)

// EntityKey identifies a relationship entity within a tenant.
type EntityKey struct {
	TenantID   uuid.UUID
	EntityType string
	EntityID   uuid.UUID
}

// CareState is the current relationship state of one entity.
type CareState struct {
	EntityKey
	State            string
	EscalationStatus string
	LastSignalAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one applied transition.
type HistoryEntry struct {
	ID        uuid.UUID      `json:"id"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	EventType string         `json:"event_type"`
	Reason    string         `json:"reason"`
	ActorType string         `json:"actor_type"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ApplyTransitionParams carries a gated transition.
type ApplyTransitionParams struct {
	Key              EntityKey
	FromState        string
	ToState          string
	EscalationStatus string
	SignalAt         time.Time
	EventType        string
	Reason           string
	ActorType        string
	Meta             map[string]any
}

// GetOrCreate returns the entity's state, creating it in initialState on
// first read.
func (r *Repository) GetOrCreate(ctx context.Context, key EntityKey, initialState string) (CareState, error) {
	if !r.ready() {
		return CareState{}, apperr.Internal(errRepoNotConfigured).WithOp(opGetOrCreateState)
	}

	var s CareState
	err := r.pool.QueryRow(ctx, `
		INSERT INTO RAC_care_states (tenant_id, entity_type, entity_id, care_state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, entity_type, entity_id)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING tenant_id, entity_type, entity_id, care_state, escalation_status, last_signal_at, created_at, updated_at`,
		key.TenantID, key.EntityType, key.EntityID, initialState,
	).Scan(&s.TenantID, &s.EntityType, &s.EntityID, &s.State, &s.EscalationStatus, &s.LastSignalAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return CareState{}, apperr.Internal(fmt.Sprintf("load care state: %v", err)).WithOp(opGetOrCreateState)
	}
	return s, nil
}

// ApplyTransition writes the new state and appends history in one
// transaction. The update is conditional on FromState so two writers racing
// on the same entity cannot both apply.
func (r *Repository) ApplyTransition(ctx context.Context, p ApplyTransitionParams) error {
	if !r.ready() {
		return apperr.Internal(errRepoNotConfigured).WithOp(opApplyTransition)
	}
	escalation := p.EscalationStatus
	if escalation == "" {
		escalation = EscalationNone
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperr.Validation(fmt.Sprintf("marshal history meta: %v", err)).WithOp(opApplyTransition)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Internal(fmt.Sprintf("begin transaction: %v", err)).WithOp(opApplyTransition)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE RAC_care_states
		SET care_state = $5, escalation_status = $6, last_signal_at = $7, updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND care_state = $4`,
		p.Key.TenantID, p.Key.EntityType, p.Key.EntityID, p.FromState, p.ToState, escalation, p.SignalAt,
	)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("update care state: %v", err)).WithOp(opApplyTransition)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(fmt.Sprintf("care state for %s %s is no longer %s", p.Key.EntityType, p.Key.EntityID, p.FromState)).WithOp(opApplyTransition)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO RAC_care_history
			(tenant_id, entity_type, entity_id, from_state, to_state, event_type, reason, actor_type, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.Key.TenantID, p.Key.EntityType, p.Key.EntityID, p.FromState, p.ToState, p.EventType, p.Reason, p.ActorType, metaJSON,
	); err != nil {
		return apperr.Internal(fmt.Sprintf("append care history: %v", err)).WithOp(opApplyTransition)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(fmt.Sprintf("commit transition: %v", err)).WithOp(opApplyTransition)
	}
	return nil
}

// TouchSignal records a signal that produced no transition. The escalation
// status only moves to open; a quiet signal leaves it untouched.
func (r *Repository) TouchSignal(ctx context.Context, key EntityKey, escalated bool, at time.Time) error {
	if !r.ready() {
		return apperr.Internal(errRepoNotConfigured).WithOp(opTouchSignal)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE RAC_care_states
		SET escalation_status = CASE WHEN $4 THEN 'open' ELSE escalation_status END,
			last_signal_at = GREATEST(COALESCE(last_signal_at, $5), $5),
			updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		key.TenantID, key.EntityType, key.EntityID, escalated, at,
	)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("touch care signal: %v", err)).WithOp(opTouchSignal)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(fmt.Sprintf("care state for %s %s not found", key.EntityType, key.EntityID)).WithOp(opTouchSignal)
	}
	return nil
}

// ListHistory returns the most recent transitions for an entity, newest first.
func (r *Repository) ListHistory(ctx context.Context, key EntityKey, limit int) ([]HistoryEntry, error) {
	if !r.ready() {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opListHistory)
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, from_state, to_state, event_type, reason, actor_type, meta, created_at
		FROM RAC_care_history
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC
		LIMIT $4`,
		key.TenantID, key.EntityType, key.EntityID, limit,
	)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("list care history: %v", err)).WithOp(opListHistory)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var meta []byte
		if err := rows.Scan(&h.ID, &h.FromState, &h.ToState, &h.EventType, &h.Reason, &h.ActorType, &meta, &h.CreatedAt); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan care history: %v", err)).WithOp(opListHistory)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &h.Meta)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate care history: %v", err)).WithOp(opListHistory)
	}
	return out, nil
}
