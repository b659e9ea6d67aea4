// Package events defines the domain events the trigger worker publishes on
// the in-process bus. The bus itself lives in platform/events.
package events

import (
	"portal_care_backend/platform/events"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var NewBaseEvent = events.NewBaseEvent

func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// C.A.R.E. Domain Events
// =============================================================================

// CareStateChanged is published after a transition was persisted.
type CareStateChanged struct {
	BaseEvent
	TenantID   uuid.UUID `json:"tenantId"`
	EntityType string    `json:"entityType"`
	EntityID   uuid.UUID `json:"entityId"`
	FromState  string    `json:"fromState"`
	ToState    string    `json:"toState"`
	Reason     string    `json:"reason"`
	Escalated  bool      `json:"escalated"`
}

func (e CareStateChanged) EventName() string { return "care.state.changed" }

// =============================================================================
// Tenant Event Outbox
// =============================================================================

// TenantEventOutboxDue is published by the scheduler when a tenant event
// outbox record should be delivered.
type TenantEventOutboxDue struct {
	BaseEvent
	OutboxID uuid.UUID `json:"outboxId"`
	TenantID uuid.UUID `json:"tenantId"`
}

func (e TenantEventOutboxDue) EventName() string { return "tenant.event.outbox.due" }
