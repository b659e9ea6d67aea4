package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Delivery is one CareEvent addressed to a tenant's workflow endpoint.
type Delivery struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Event    CareEvent `json:"event"`
}

// Dispatcher hands deliveries to a transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// Sender is the part of Client a dispatcher needs.
type Sender interface {
	Trigger(ctx context.Context, req Request) (Result, error)
}

// Resolver is the part of ConfigResolver a dispatcher needs.
type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (TenantConfig, error)
}

// Deliver resolves the tenant's endpoint and posts the event. retries
// overrides the configured retry count when >= 0. A tenant without a
// deliverable config is a silent no-op.
func Deliver(ctx context.Context, resolver Resolver, sender Sender, d Delivery, retries int) error {
	cfg, err := resolver.Resolve(ctx, d.TenantID)
	if err != nil {
		return fmt.Errorf("resolve workflow config: %w", err)
	}
	if !cfg.Deliverable() {
		return nil
	}
	if retries < 0 {
		retries = cfg.WebhookMaxRetries
	}
	_, err = sender.Trigger(ctx, Request{
		TenantID:  d.TenantID,
		Kind:      "workflow",
		EventName: d.Event.Type,
		URL:       cfg.WebhookURL,
		Secret:    cfg.WebhookSecret,
		Payload:   d.Event,
		Timeout:   cfg.Timeout(),
		Retries:   retries,
	})
	return err
}

// InlineDispatcher delivers synchronously with the tenant's retry budget.
type InlineDispatcher struct {
	resolver Resolver
	sender   Sender
}

func NewInlineDispatcher(resolver Resolver, sender Sender) *InlineDispatcher {
	return &InlineDispatcher{resolver: resolver, sender: sender}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, del Delivery) error {
	if err := del.Event.Validate(); err != nil {
		return err
	}
	return Deliver(ctx, d.resolver, d.sender, del, -1)
}
