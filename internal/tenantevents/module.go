// Package tenantevents publishes tenant-scoped events to the webhooks each
// tenant subscribed. Events are written to an outbox first; the scheduler
// claims due rows and the delivery handler posts them.
package tenantevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/internal/events"
	"portal_care_backend/internal/notification/outbox"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxAttempts = 5
	retryBaseDelay     = 30 * time.Second
)

// Envelope is the body posted to subscribers.
type Envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// OutboxWriter stores new outbox rows.
type OutboxWriter interface {
	Insert(ctx context.Context, p outbox.InsertParams) (uuid.UUID, error)
}

// OutboxStore is what delivery needs from the outbox.
type OutboxStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (outbox.Record, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID, subscriptionIDs []uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkPending(ctx context.Context, id uuid.UUID, lastError *string, runAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// SubscriptionReader lists the endpoints for an event.
type SubscriptionReader interface {
	ListSubscriptions(ctx context.Context, tenantID uuid.UUID, eventName string) ([]Subscription, error)
}

// Module wires the emitter and the delivery handler.
type Module struct {
	outbox      OutboxWriter
	store       OutboxStore
	subs        SubscriptionReader
	sender      workflow.Sender
	maxAttempts int
	log         *logger.Logger
	now         func() time.Time
}

// New builds the module over Postgres.
func New(pool *pgxpool.Pool, sender workflow.Sender, log *logger.Logger) *Module {
	repo := outbox.New(pool)
	return NewWithStores(repo, repo, NewRepository(pool), sender, log)
}

// NewWithStores builds the module over explicit collaborators.
func NewWithStores(w OutboxWriter, store OutboxStore, subs SubscriptionReader, sender workflow.Sender, log *logger.Logger) *Module {
	return &Module{
		outbox:      w,
		store:       store,
		subs:        subs,
		sender:      sender,
		maxAttempts: defaultMaxAttempts,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandlers subscribes the module to the domain events it forwards and
// to the scheduler's outbox-due signal.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.TenantEventOutboxDue{}.EventName(), events.HandlerFunc(m.handleOutboxDue))
	bus.Subscribe(events.CareStateChanged{}.EventName(), events.HandlerFunc(m.handleCareStateChanged))
}

// EmitTenantWebhooks queues event for every subscriber of tenantID.
func (m *Module) EmitTenantWebhooks(ctx context.Context, tenantID uuid.UUID, event string, payload any) error {
	return m.enqueue(ctx, uuid.NewString(), tenantID, event, m.now(), payload)
}

func (m *Module) enqueue(ctx context.Context, id string, tenantID uuid.UUID, event string, occurredAt time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{
		ID:         id,
		Event:      event,
		TenantID:   tenantID.String(),
		OccurredAt: occurredAt,
		Data:       data,
	}
	if _, err := m.outbox.Insert(ctx, outbox.InsertParams{
		TenantID:  tenantID,
		EventName: event,
		Payload:   env,
		RunAt:     m.now(),
	}); err != nil {
		return fmt.Errorf("queue %s: %w", event, err)
	}
	return nil
}

// handleCareStateChanged forwards a persisted transition. The envelope reuses
// the bus event id so subscribers can deduplicate redeliveries.
func (m *Module) handleCareStateChanged(ctx context.Context, event events.Event) error {
	e, ok := event.(events.CareStateChanged)
	if !ok {
		return nil
	}
	id := e.ID()
	if id == "" {
		id = uuid.NewString()
	}
	return m.enqueue(ctx, id, e.TenantID, e.EventName(), e.OccurredAt(), map[string]any{
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID.String(),
		"from_state":  e.FromState,
		"to_state":    e.ToState,
		"reason":      e.Reason,
		"escalated":   e.Escalated,
	})
}

func (m *Module) handleOutboxDue(ctx context.Context, event events.Event) error {
	e, ok := event.(events.TenantEventOutboxDue)
	if !ok {
		return nil
	}
	return m.Deliver(ctx, e.OutboxID)
}

// Deliver posts one outbox record to every matching subscription that has not
// accepted it yet. Failed deliveries go back to pending with a growing delay
// until maxAttempts; subscriptions that succeeded are not posted again.
func (m *Module) Deliver(ctx context.Context, outboxID uuid.UUID) error {
	rec, err := m.store.GetByID(ctx, outboxID)
	if errors.Is(err, outbox.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load outbox record: %w", err)
	}
	if rec.Status == outbox.StatusSucceeded || rec.Status == outbox.StatusFailed {
		return nil
	}

	if err := m.store.MarkProcessing(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark outbox processing: %w", err)
	}
	attempts := rec.Attempts + 1
	log := m.log.WithTenant(rec.TenantID.String())

	subs, err := m.subs.ListSubscriptions(ctx, rec.TenantID, rec.EventName)
	if err != nil {
		return m.retryLater(ctx, rec.ID, attempts, err)
	}

	done := make(map[uuid.UUID]bool, len(rec.DeliveredTo))
	for _, id := range rec.DeliveredTo {
		done[id] = true
	}

	var errs []error
	var delivered []uuid.UUID
	for _, sub := range subs {
		if done[sub.ID] {
			continue
		}
		if _, err := m.sender.Trigger(ctx, workflow.Request{
			TenantID:  rec.TenantID,
			Kind:      "tenant_event",
			EventName: rec.EventName,
			URL:       sub.URL,
			Secret:    sub.Secret,
			Payload:   rec.Payload,
		}); err != nil {
			log.Warn("tenant webhook delivery failed", "subscription_id", sub.ID, "event", rec.EventName, "error", err)
			errs = append(errs, err)
			continue
		}
		delivered = append(delivered, sub.ID)
	}
	if len(errs) > 0 {
		if len(delivered) > 0 {
			if err := m.store.MarkDelivered(ctx, rec.ID, delivered); err != nil {
				log.Error("tenant event delivered set not saved", "outbox_id", rec.ID, "error", err)
			}
		}
		return m.retryLater(ctx, rec.ID, attempts, errors.Join(errs...))
	}
	return m.store.MarkSucceeded(ctx, rec.ID)
}

func (m *Module) retryLater(ctx context.Context, id uuid.UUID, attempts int, cause error) error {
	msg := cause.Error()
	if attempts >= m.maxAttempts {
		m.log.Error("tenant event abandoned", "outbox_id", id, "attempts", attempts, "error", cause)
		return m.store.MarkFailed(ctx, id, msg)
	}
	runAt := m.now().Add(time.Duration(attempts*attempts) * retryBaseDelay)
	return m.store.MarkPending(ctx, id, &msg, runAt)
}
