package workflow

import (
	"context"
	"errors"
	"time"

	"portal_care_backend/internal/care/repository"
	"portal_care_backend/platform/config"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/validator"

	"github.com/google/uuid"
)

// Config sources reported in TenantConfig.Source.
const (
	SourceTenant = "tenant"
	SourceEnv    = "env"
)

// TenantConfig is the effective C.A.R.E. delivery config for one tenant.
type TenantConfig struct {
	IsEnabled         bool    `json:"is_enabled"`
	WebhookURL        string  `json:"webhook_url" validate:"omitempty,http_url"`
	WebhookSecret     string  `json:"-"`
	WebhookTimeoutMS  int     `json:"webhook_timeout_ms" validate:"gte=100,lte=60000"`
	WebhookMaxRetries int     `json:"webhook_max_retries" validate:"gte=0,lte=10"`
	ShadowMode        bool    `json:"shadow_mode"`
	ActionValueFloor  float64 `json:"action_value_floor" validate:"gte=0"`
	Source            string  `json:"_source"`
}

// Deliverable reports whether events should be posted at all.
func (c TenantConfig) Deliverable() bool {
	return c.IsEnabled && c.WebhookURL != ""
}

// Timeout is the per-attempt delivery timeout.
func (c TenantConfig) Timeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMS) * time.Millisecond
}

// SettingsStore reads tenant override rows.
type SettingsStore interface {
	GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (repository.TenantSettings, error)
}

// ConfigResolver merges tenant rows over process defaults.
type ConfigResolver struct {
	store    SettingsStore
	defaults TenantConfig
	val      *validator.Validator
	log      *logger.Logger
}

// DefaultsFromConfig builds the environment-level fallback.
func DefaultsFromConfig(wcfg config.WorkflowWebhookConfig, ccfg config.CareConfig) TenantConfig {
	return TenantConfig{
		IsEnabled:         wcfg.GetCareWorkflowEnabled(),
		WebhookURL:        wcfg.GetCareWorkflowURL(),
		WebhookSecret:     wcfg.GetCareWorkflowSecret(),
		WebhookTimeoutMS:  int(wcfg.GetCareWorkflowTimeout() / time.Millisecond),
		WebhookMaxRetries: wcfg.GetCareWorkflowMaxRetries(),
		ShadowMode:        wcfg.GetCareShadowModeDefault(),
		ActionValueFloor:  ccfg.GetCareActionValueFloor(),
		Source:            SourceEnv,
	}
}

func NewConfigResolver(store SettingsStore, defaults TenantConfig, log *logger.Logger) *ConfigResolver {
	defaults.Source = SourceEnv
	return &ConfigResolver{store: store, defaults: defaults, val: validator.New(), log: log}
}

// Resolve returns the tenant's row when one exists, else the defaults. A
// store failure returns the defaults together with the error.
func (r *ConfigResolver) Resolve(ctx context.Context, tenantID uuid.UUID) (TenantConfig, error) {
	if r.store == nil {
		return r.checked(r.defaults, tenantID), nil
	}

	s, err := r.store.GetTenantSettings(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return r.checked(r.defaults, tenantID), nil
	}
	if err != nil {
		return r.checked(r.defaults, tenantID), err
	}

	cfg := TenantConfig{
		IsEnabled:         s.IsEnabled,
		WebhookURL:        s.WebhookURL,
		WebhookSecret:     s.WebhookSecret,
		WebhookTimeoutMS:  s.WebhookTimeoutMS,
		WebhookMaxRetries: s.WebhookMaxRetries,
		ShadowMode:        s.ShadowMode,
		ActionValueFloor:  r.defaults.ActionValueFloor,
		Source:            SourceTenant,
	}
	if cfg.WebhookTimeoutMS <= 0 {
		cfg.WebhookTimeoutMS = r.defaults.WebhookTimeoutMS
	}
	if s.ActionValueFloor != nil {
		cfg.ActionValueFloor = *s.ActionValueFloor
	}
	return r.checked(cfg, tenantID), nil
}

// ShadowMode reports the tenant's shadow flag.
func (r *ConfigResolver) ShadowMode(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	cfg, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return true, err
	}
	return cfg.ShadowMode, nil
}

// checked disables delivery for configs that fail validation.
func (r *ConfigResolver) checked(cfg TenantConfig, tenantID uuid.UUID) TenantConfig {
	if err := r.val.Struct(cfg); err != nil {
		r.log.Warn("care workflow config invalid, delivery disabled",
			"tenant_id", tenantID,
			"source", cfg.Source,
			"errors", validator.Messages(err),
		)
		cfg.IsEnabled = false
	}
	return cfg
}
