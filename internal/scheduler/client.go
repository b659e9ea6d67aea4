package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"

	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Client enqueues workflow deliveries. It implements workflow.Dispatcher.
type Client struct {
	client   *asynq.Client
	queue    string
	resolver workflow.Resolver
}

func NewClient(cfg config.SchedulerConfig, resolver workflow.Resolver) (*Client, error) {
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

	return &Client{
		client:   asynq.NewClient(opt),
		queue:    queue,
		resolver: resolver,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Dispatch validates the event and enqueues it with the tenant's retry
// budget. Tenants without a deliverable endpoint enqueue nothing.
func (c *Client) Dispatch(ctx context.Context, d workflow.Delivery) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := d.Event.Validate(); err != nil {
		return err
	}

	cfg, err := c.resolver.Resolve(ctx, d.TenantID)
	if err != nil {
		return fmt.Errorf("resolve workflow config: %w", err)
	}
	if !cfg.Deliverable() {
		return nil
	}

	task, err := NewCareWorkflowDeliverTask(CareWorkflowDeliverPayload{
		TenantID: d.TenantID.String(),
		Event:    d.Event,
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(cfg.WebhookMaxRetries),
		asynq.Timeout(cfg.Timeout()*2),
	)
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
