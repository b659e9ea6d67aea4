// Package http provides the operational HTTP server of the trigger worker.
package http

import (
	"context"

	"portal_care_backend/internal/care/repository"
	"portal_care_backend/internal/scheduler"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"
)

// HealthChecker exposes minimal functionality for readiness checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// WorkerStatus reports the trigger worker's lifecycle.
type WorkerStatus interface {
	State() scheduler.WorkerState
}

// CareHistory lists applied relationship-state transitions.
type CareHistory interface {
	ListHistory(ctx context.Context, key repository.EntityKey, limit int) ([]repository.HistoryEntry, error)
}

// App holds what the ops router needs. It is populated by main.go.
type App struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	// Checks are pinged by /readyz, keyed by dependency name.
	Checks  map[string]HealthChecker
	Worker  WorkerStatus
	History CareHistory
}
