package router

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"portal_care_backend/internal/care/repository"
	apphttp "portal_care_backend/internal/http"
	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/platform/apperr"
	"portal_care_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readinessTimeout    = 2 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.SecurityHeaders())
	if app.Logger != nil {
		engine.Use(httpkit.RequestLogger(app.Logger))
	}

	engine.GET("/healthz", func(c *gin.Context) {
		httpkit.OK(c, gin.H{"status": "ok"})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		failed := map[string]string{}
		for name, check := range app.Checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			httpkit.HandleError(c, apperr.Unavailable("dependencies unavailable").WithDetails(failed))
			return
		}
		httpkit.OK(c, gin.H{"status": "ready"})
	})

	engine.GET("/worker", func(c *gin.Context) {
		if app.Worker == nil {
			httpkit.Error(c, http.StatusNotFound, "trigger worker not configured", nil)
			return
		}
		s := app.Worker.State()
		httpkit.OK(c, gin.H{
			"running":          s.Running,
			"in_cycle":         s.InCycle,
			"cycles":           s.Cycles,
			"last_cycle_at":    s.LastCycleAt,
			"last_duration_ms": s.LastDuration.Milliseconds(),
			"last_error":       s.LastError,
			"last_report": gin.H{
				"tenants":         s.LastReport.Tenants,
				"tenant_failures": s.LastReport.TenantFailures,
				"tenants_locked":  s.LastReport.TenantsLocked,
				"candidates":      s.LastReport.Candidates,
				"suggestions":     s.LastReport.Suggestions,
				"care_processed":  s.LastReport.CareProcessed,
				"care_failures":   s.LastReport.CareFailures,
				"expired":         s.LastReport.Expired,
			},
		})
	})

	engine.GET("/care/history/:entityType/:entityID", func(c *gin.Context) {
		if app.History == nil {
			httpkit.Error(c, http.StatusNotFound, "care pipeline not configured", nil)
			return
		}
		key, limit, err := parseHistoryQuery(c)
		if err != nil {
			httpkit.HandleError(c, err)
			return
		}
		entries, err := app.History.ListHistory(c.Request.Context(), key, limit)
		if err != nil {
			httpkit.HandleError(c, err)
			return
		}
		if entries == nil {
			entries = []repository.HistoryEntry{}
		}
		httpkit.OK(c, gin.H{
			"tenant_id":   key.TenantID,
			"entity_type": key.EntityType,
			"entity_id":   key.EntityID,
			"entries":     entries,
		})
	})

	if app.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	return engine
}

func parseHistoryQuery(c *gin.Context) (repository.EntityKey, int, error) {
	const op = "router.care_history"

	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		return repository.EntityKey{}, 0, apperr.Validation("tenant_id must be a uuid").WithOp(op)
	}
	entityType, ok := domain.ParseRecordType(c.Param("entityType"))
	if !ok || !entityType.IsRelationshipEntity() {
		return repository.EntityKey{}, 0, apperr.Validation("entity type must be lead, contact or account").WithOp(op)
	}
	entityID, err := uuid.Parse(c.Param("entityID"))
	if err != nil {
		return repository.EntityKey{}, 0, apperr.Validation("entity id must be a uuid").WithOp(op)
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			return repository.EntityKey{}, 0, apperr.Validation("limit must be between 1 and 500").WithOp(op)
		}
		limit = n
	}
	return repository.EntityKey{TenantID: tenantID, EntityType: string(entityType), EntityID: entityID}, limit, nil
}
