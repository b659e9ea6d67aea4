package scheduler

import (
	"context"
	"errors"
	"fmt"

	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/internal/events"
	"portal_care_backend/platform/config"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Worker runs the asynq server that executes queued deliveries.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	resolver workflow.Resolver
	sender   workflow.Sender
	bus      events.Bus
	log      *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, resolver workflow.Resolver, sender workflow.Sender, bus events.Bus, log *logger.Logger) (*Worker, error) {
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

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	w := newWorker(resolver, sender, bus, log)
	w.server = server
	return w, nil
}

func newWorker(resolver workflow.Resolver, sender workflow.Sender, bus events.Bus, log *logger.Logger) *Worker {
	mux := asynq.NewServeMux()
	w := &Worker{
		mux:      mux,
		resolver: resolver,
		sender:   sender,
		bus:      bus,
		log:      log,
	}

	mux.HandleFunc(TaskCareWorkflowDeliver, w.handleCareWorkflowDeliver)
	mux.HandleFunc(TaskTenantEventOutboxDue, w.handleTenantEventOutboxDue)
	return w
}

// handleCareWorkflowDeliver makes one attempt per task run; asynq owns the
// retry schedule. Rejections the endpoint will repeat are not retried.
func (w *Worker) handleCareWorkflowDeliver(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCareWorkflowDeliverPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	err = workflow.Deliver(ctx, w.resolver, w.sender, workflow.Delivery{
		TenantID: tenantID,
		Event:    payload.Event,
	}, 0)
	if errors.Is(err, workflow.ErrPermanent) {
		w.log.Warn("care workflow delivery rejected", "tenant_id", payload.TenantID, "event_id", payload.Event.EventID, "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

func (w *Worker) handleTenantEventOutboxDue(ctx context.Context, task *asynq.Task) error {
	if w.bus == nil {
		return nil
	}

	payload, err := ParseTenantEventOutboxDuePayload(task)
	if err != nil {
		return err
	}

	outboxID, err := uuid.Parse(payload.OutboxID)
	if err != nil {
		return err
	}

	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return err
	}

	return w.bus.PublishSync(ctx, events.TenantEventOutboxDue{
		BaseEvent: events.NewBaseEvent(),
		OutboxID:  outboxID,
		TenantID:  tenantID,
	})
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
