package state

import (
	"context"

	"portal_care_backend/platform/config"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
)

// AutonomyEnv is the process-wide kill switch for persisting transitions.
const AutonomyEnv = "CARE_AUTONOMY_ENABLED"

// ShadowModeResolver reports whether a tenant runs C.A.R.E. in shadow mode.
type ShadowModeResolver interface {
	ShadowMode(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// Gate is the policy gate. Nothing is cached: both the environment switch
// and the tenant setting are read on every call.
type Gate struct {
	tenants  ShadowModeResolver
	fallback bool
	log      *logger.Logger
}

// NewGate creates a gate. fallback is used when the environment variable is
// unset.
func NewGate(tenants ShadowModeResolver, fallback bool, log *logger.Logger) *Gate {
	return &Gate{tenants: tenants, fallback: fallback, log: log}
}

// IsCareAutonomyEnabled reports whether proposals for tenantID may be
// persisted. Errors resolve to shadow mode.
func (g *Gate) IsCareAutonomyEnabled(ctx context.Context, tenantID uuid.UUID) bool {
	if !config.LookupBool(AutonomyEnv, g.fallback) {
		return false
	}
	if g.tenants == nil {
		return true
	}
	shadow, err := g.tenants.ShadowMode(ctx, tenantID)
	if err != nil {
		g.log.Warn("care autonomy check failed, staying in shadow mode",
			"tenant_id", tenantID,
			"error", err,
		)
		return false
	}
	return !shadow
}
