// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
}

// SchedulerConfig provides Redis/asynq settings for the delivery queue.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// TriggerWorkerConfig provides the trigger worker feature flag and windows.
type TriggerWorkerConfig interface {
	IsTriggerWorkerEnabled() bool
	GetTriggerPollInterval() time.Duration
	GetLeadStagnantDays() int
	GetDealDecayDays() int
	GetHotOpportunityWindowDays() int
	GetHotOpportunityMinProbability() int
	GetDetectorLimit() int
	GetSuggestionCooldown() time.Duration
	GetSuggestionTTL() time.Duration
	GetTenantConcurrency() int
	GetTenantLockTTL() time.Duration
}

// CareConfig provides settings for the C.A.R.E. state pipeline.
type CareConfig interface {
	IsCareEnabled() bool
	GetCareAutonomyDefault() bool
	GetCareTransitionsFile() string
	GetCareActionValueFloor() float64
	GetAppBaseURL() string
}

// WorkflowWebhookConfig provides process-level fallback webhook settings,
// used when a tenant has no row of its own.
type WorkflowWebhookConfig interface {
	GetCareWorkflowEnabled() bool
	GetCareWorkflowURL() string
	GetCareWorkflowSecret() string
	GetCareWorkflowTimeout() time.Duration
	GetCareWorkflowMaxRetries() int
	GetCareShadowModeDefault() bool
	GetWebhookRatePerSecond() float64
}

// LLMConfig provides settings for the suggestion proposer model.
type LLMConfig interface {
	IsLLMSuggestionsEnabled() bool
	GetMoonshotAPIKey() string
	GetMoonshotModel() string
	GetLLMTimeout() time.Duration
}

// OpsConfig provides settings for the operational HTTP server.
type OpsConfig interface {
	GetOpsAddr() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env              string
	DatabaseURL      string
	DatabaseMaxConns int
	MigrationsOnBoot bool
	AppBaseURL       string
	OpsAddr          string

	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int

	TriggerWorkerEnabled         bool
	TriggerPollInterval          time.Duration
	LeadStagnantDays             int
	DealDecayDays                int
	HotOpportunityWindowDays     int
	HotOpportunityMinProbability int
	DetectorLimit                int
	SuggestionCooldown           time.Duration
	SuggestionTTL                time.Duration
	TenantConcurrency            int
	TenantLockTTL                time.Duration

	CareEnabled          bool
	CareAutonomyDefault  bool
	CareTransitionsFile  string
	CareActionValueFloor float64

	CareWorkflowEnabled    bool
	CareWorkflowURL        string
	CareWorkflowSecret     string
	CareWorkflowTimeout    time.Duration
	CareWorkflowMaxRetries int
	CareShadowModeDefault  bool
	WebhookRatePerSecond   float64

	LLMSuggestionsEnabled bool
	MoonshotAPIKey        string
	MoonshotModel         string
	LLMTimeout            time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string   { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int { return c.DatabaseMaxConns }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }
func (c *Config) IsRedisEnabled() bool      { return c.RedisURL != "" }

// TriggerWorkerConfig implementation
func (c *Config) IsTriggerWorkerEnabled() bool          { return c.TriggerWorkerEnabled }
func (c *Config) GetTriggerPollInterval() time.Duration { return c.TriggerPollInterval }
func (c *Config) GetLeadStagnantDays() int              { return c.LeadStagnantDays }
func (c *Config) GetDealDecayDays() int                 { return c.DealDecayDays }
func (c *Config) GetHotOpportunityWindowDays() int      { return c.HotOpportunityWindowDays }
func (c *Config) GetHotOpportunityMinProbability() int  { return c.HotOpportunityMinProbability }
func (c *Config) GetDetectorLimit() int                 { return c.DetectorLimit }
func (c *Config) GetSuggestionCooldown() time.Duration  { return c.SuggestionCooldown }
func (c *Config) GetSuggestionTTL() time.Duration       { return c.SuggestionTTL }
func (c *Config) GetTenantConcurrency() int             { return c.TenantConcurrency }
func (c *Config) GetTenantLockTTL() time.Duration       { return c.TenantLockTTL }

// CareConfig implementation
func (c *Config) IsCareEnabled() bool              { return c.CareEnabled }
func (c *Config) GetCareAutonomyDefault() bool     { return c.CareAutonomyDefault }
func (c *Config) GetCareTransitionsFile() string   { return c.CareTransitionsFile }
func (c *Config) GetCareActionValueFloor() float64 { return c.CareActionValueFloor }
func (c *Config) GetAppBaseURL() string            { return c.AppBaseURL }

// WorkflowWebhookConfig implementation
func (c *Config) GetCareWorkflowEnabled() bool          { return c.CareWorkflowEnabled }
func (c *Config) GetCareWorkflowURL() string            { return c.CareWorkflowURL }
func (c *Config) GetCareWorkflowSecret() string         { return c.CareWorkflowSecret }
func (c *Config) GetCareWorkflowTimeout() time.Duration { return c.CareWorkflowTimeout }
func (c *Config) GetCareWorkflowMaxRetries() int        { return c.CareWorkflowMaxRetries }
func (c *Config) GetCareShadowModeDefault() bool        { return c.CareShadowModeDefault }
func (c *Config) GetWebhookRatePerSecond() float64      { return c.WebhookRatePerSecond }

// LLMConfig implementation
func (c *Config) IsLLMSuggestionsEnabled() bool {
	return c.LLMSuggestionsEnabled && c.MoonshotAPIKey != ""
}
func (c *Config) GetMoonshotAPIKey() string    { return c.MoonshotAPIKey }
func (c *Config) GetMoonshotModel() string     { return c.MoonshotModel }
func (c *Config) GetLLMTimeout() time.Duration { return c.LLMTimeout }

// OpsConfig implementation
func (c *Config) GetOpsAddr() string { return c.OpsAddr }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: getInt("DATABASE_MAX_CONNS", 10),
		MigrationsOnBoot: getBool("MIGRATIONS_ON_BOOT", false),
		AppBaseURL:       strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:4200"), "/"),
		OpsAddr:          getEnv("OPS_ADDR", ":9090"),

		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: getBool("REDIS_TLS_INSECURE", false),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency: getInt("ASYNQ_CONCURRENCY", 10),

		TriggerWorkerEnabled:         getBool("TRIGGER_WORKER_ENABLED", false),
		TriggerPollInterval:          time.Duration(getInt("TRIGGER_POLL_INTERVAL_MS", 60000)) * time.Millisecond,
		LeadStagnantDays:             getInt("TRIGGER_LEAD_STAGNANT_DAYS", 7),
		DealDecayDays:                getInt("TRIGGER_DEAL_DECAY_DAYS", 14),
		HotOpportunityWindowDays:     getInt("TRIGGER_HOT_WINDOW_DAYS", 14),
		HotOpportunityMinProbability: getInt("TRIGGER_HOT_MIN_PROBABILITY", 70),
		DetectorLimit:                getInt("TRIGGER_DETECTOR_LIMIT", 25),
		SuggestionCooldown:           days(getInt("TRIGGER_SUGGESTION_COOLDOWN_DAYS", 7)),
		SuggestionTTL:                days(getInt("TRIGGER_SUGGESTION_TTL_DAYS", 7)),
		TenantConcurrency:            getInt("TRIGGER_TENANT_CONCURRENCY", 1),
		TenantLockTTL:                mustDuration(getEnv("TRIGGER_TENANT_LOCK_TTL", "5m")),

		CareEnabled:          getBool("CARE_ENABLED", true),
		CareAutonomyDefault:  getBool("CARE_AUTONOMY_ENABLED", false),
		CareTransitionsFile:  getEnv("CARE_TRANSITIONS_FILE", ""),
		CareActionValueFloor: getFloat("CARE_ACTION_VALUE_FLOOR", 10000),

		CareWorkflowEnabled:    getBool("CARE_WORKFLOW_ENABLED", false),
		CareWorkflowURL:        getEnv("CARE_WORKFLOW_WEBHOOK_URL", ""),
		CareWorkflowSecret:     getEnv("CARE_WORKFLOW_WEBHOOK_SECRET", ""),
		CareWorkflowTimeout:    time.Duration(getInt("CARE_WORKFLOW_TIMEOUT_MS", 5000)) * time.Millisecond,
		CareWorkflowMaxRetries: getInt("CARE_WORKFLOW_MAX_RETRIES", 2),
		CareShadowModeDefault:  getBool("CARE_SHADOW_MODE", true),
		WebhookRatePerSecond:   getFloat("WEBHOOK_RATE_PER_SECOND", 5),

		LLMSuggestionsEnabled: getBool("LLM_SUGGESTIONS_ENABLED", false),
		MoonshotAPIKey:        getEnv("MOONSHOT_API_KEY", ""),
		MoonshotModel:         getEnv("MOONSHOT_MODEL", ""),
		LLMTimeout:            mustDuration(getEnv("LLM_TIMEOUT", "20s")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TriggerPollInterval < time.Second {
		return nil, fmt.Errorf("TRIGGER_POLL_INTERVAL_MS must be at least 1000")
	}
	if cfg.CareWorkflowMaxRetries < 0 {
		return nil, fmt.Errorf("CARE_WORKFLOW_MAX_RETRIES cannot be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

// LookupBool reads a boolean flag straight from the environment. Used where a
// value must be re-read on every use instead of captured at startup.
func LookupBool(key string, fallback bool) bool {
	return getBool(key, fallback)
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
