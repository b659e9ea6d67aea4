package scheduler

import (
	"context"
	"fmt"
	"time"

	"portal_care_backend/internal/notification/outbox"
	"portal_care_backend/platform/config"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	outboxPollInterval = 2 * time.Second
	outboxClaimLimit   = 50
)

type outboxClaimer interface {
	ClaimPending(ctx context.Context, limit int) ([]outbox.Record, error)
	MarkPending(ctx context.Context, id uuid.UUID, lastError *string, runAt time.Time) error
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TenantEventOutboxDispatcher moves due outbox rows onto the asynq queue.
type TenantEventOutboxDispatcher struct {
	client *asynq.Client
	queue  string
	repo   outboxClaimer
	enq    enqueuer
	log    *logger.Logger
}

func NewTenantEventOutboxDispatcher(cfg config.SchedulerConfig, pool *pgxpool.Pool, log *logger.Logger) (*TenantEventOutboxDispatcher, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	client := asynq.NewClient(opt)
	return &TenantEventOutboxDispatcher{
		client: client,
		queue:  queue,
		repo:   outbox.New(pool),
		enq:    client,
		log:    log,
	}, nil
}

func (d *TenantEventOutboxDispatcher) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *TenantEventOutboxDispatcher) Run(ctx context.Context) {
	if d == nil || d.enq == nil || d.repo == nil {
		return
	}

	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.dispatchOnce(ctx)
	}
}

// dispatchOnce claims one batch and enqueues it. Rows that fail to enqueue go
// back to pending for the next tick.
func (d *TenantEventOutboxDispatcher) dispatchOnce(ctx context.Context) int {
	records, err := d.repo.ClaimPending(ctx, outboxClaimLimit)
	if err != nil {
		d.log.DatabaseError("tenant_event_outbox.claim", err)
		return 0
	}

	enqueued := 0
	for _, rec := range records {
		task, err := NewTenantEventOutboxDueTask(TenantEventOutboxDuePayload{
			OutboxID: rec.ID.String(),
			TenantID: rec.TenantID.String(),
		})
		if err != nil {
			msg := err.Error()
			_ = d.repo.MarkPending(ctx, rec.ID, &msg, rec.RunAt)
			continue
		}

		_, err = d.enq.EnqueueContext(ctx, task, asynq.Queue(d.queue))
		if err != nil {
			msg := err.Error()
			_ = d.repo.MarkPending(ctx, rec.ID, &msg, rec.RunAt)
			continue
		}
		enqueued++
	}
	return enqueued
}
