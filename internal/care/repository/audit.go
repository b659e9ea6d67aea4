package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
)

const opInsertAuditEvents = "care.repository.insert_audit_events"

// AuditRecord is a validated audit event ready for storage.
type AuditRecord struct {
	TS               time.Time
	TenantID         uuid.UUID
	EntityType       string
	EntityID         string
	EventType        string
	ActionOrigin     string
	Reason           string
	PolicyGateResult string
	Meta             map[string]any
}

// InsertAuditEvents stores records in order within one batch round trip.
func (r *Repository) InsertAuditEvents(ctx context.Context, records []AuditRecord) error {
	if !r.ready() {
		return apperr.Internal(errRepoNotConfigured).WithOp(opInsertAuditEvents)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("begin transaction: %v", err)).WithOp(opInsertAuditEvents)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		meta := rec.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return apperr.Validation(fmt.Sprintf("marshal audit meta: %v", err)).WithOp(opInsertAuditEvents)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO RAC_care_audit_events
				(ts, tenant_id, entity_type, entity_id, event_type, action_origin, reason, policy_gate_result, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.TS, rec.TenantID, rec.EntityType, rec.EntityID, rec.EventType, rec.ActionOrigin, rec.Reason, rec.PolicyGateResult, metaJSON,
		); err != nil {
			return apperr.Internal(fmt.Sprintf("insert audit event: %v", err)).WithOp(opInsertAuditEvents)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(fmt.Sprintf("commit audit events: %v", err)).WithOp(opInsertAuditEvents)
	}
	return nil
}
