package repository

import (
	"context"
	"errors"
	"fmt"

	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const opGetTenantSettings = "care.repository.get_tenant_settings"

// TenantSettings is a tenant's C.A.R.E. override row.
type TenantSettings struct {
	TenantID          uuid.UUID
	IsEnabled         bool
	WebhookURL        string
	WebhookSecret     string
	WebhookTimeoutMS  int
	WebhookMaxRetries int
	ShadowMode        bool
	ActionValueFloor  *float64
}

// GetTenantSettings returns ErrNotFound when the tenant has no override row.
func (r *Repository) GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (TenantSettings, error) {
	if !r.ready() {
		return TenantSettings{}, apperr.Internal(errRepoNotConfigured).WithOp(opGetTenantSettings)
	}

	var s TenantSettings
	var url, secret *string
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, is_enabled, webhook_url, webhook_secret, webhook_timeout_ms,
			webhook_max_retries, shadow_mode, action_value_floor::float8
		FROM RAC_care_tenant_settings
		WHERE tenant_id = $1`,
		tenantID,
	).Scan(&s.TenantID, &s.IsEnabled, &url, &secret, &s.WebhookTimeoutMS, &s.WebhookMaxRetries, &s.ShadowMode, &s.ActionValueFloor)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantSettings{}, ErrNotFound
	}
	if err != nil {
		return TenantSettings{}, apperr.Internal(fmt.Sprintf("load tenant settings: %v", err)).WithOp(opGetTenantSettings)
	}
	if url != nil {
		s.WebhookURL = *url
	}
	if secret != nil {
		s.WebhookSecret = *secret
	}
	return s, nil
}
