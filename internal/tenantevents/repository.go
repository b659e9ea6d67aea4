package tenantevents

import (
	"context"
	"fmt"

	"portal_care_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	opListSubscriptions  = "tenantevents.repository.list_subscriptions"
	errRepoNotConfigured = "tenant webhook repository not configured"
)

// Subscription is one tenant endpoint. An empty Events list receives every
// event.
type Subscription struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	URL      string
	Secret   string
	Events   []string
}

// Repository reads RAC_tenant_webhooks.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListSubscriptions returns the active endpoints of tenantID that accept
// eventName.
func (r *Repository) ListSubscriptions(ctx context.Context, tenantID uuid.UUID, eventName string) ([]Subscription, error) {
	if r == nil || r.pool == nil {
		return nil, apperr.Internal(errRepoNotConfigured).WithOp(opListSubscriptions)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, url, secret, events
		FROM RAC_tenant_webhooks
		WHERE tenant_id = $1
			AND is_active = true
			AND (cardinality(events) = 0 OR $2 = ANY(events))
		ORDER BY created_at ASC
	`, tenantID, eventName)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("list tenant webhooks failed: %v", err)).WithOp(opListSubscriptions)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("scan tenant webhook failed: %v", err)).WithOp(opListSubscriptions)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("iterate tenant webhooks failed: %v", err)).WithOp(opListSubscriptions)
	}
	return out, nil
}
