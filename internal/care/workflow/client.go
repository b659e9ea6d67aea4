package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Care-Event"
	HeaderDelivery  = "X-Care-Delivery"
	HeaderTimestamp = "X-Care-Timestamp"
	HeaderSignature = "X-Care-Signature"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultBaseDelay = 500 * time.Millisecond
	maxResponseBytes = 4 << 10
)

// ErrPermanent marks a delivery the endpoint rejected outright.
var ErrPermanent = errors.New("webhook rejected")

// Request describes one targeted delivery.
type Request struct {
	TenantID  uuid.UUID
	Kind      string
	EventName string
	URL       string
	Secret    string
	Payload   any
	Timeout   time.Duration
	Retries   int
}

// Result summarizes a delivery.
type Result struct {
	Attempts   int
	StatusCode int
}

// Client posts signed JSON payloads with per-attempt timeouts, bounded
// retries and a per-tenant rate limit.
type Client struct {
	http      *http.Client
	limiter   *TenantRateLimiter
	log       *logger.Logger
	metrics   *metrics.Metrics
	baseDelay time.Duration
	now       func() time.Time
}

// NewClient creates a client. ratePerSecond <= 0 disables rate limiting.
func NewClient(ratePerSecond float64, log *logger.Logger, m *metrics.Metrics) *Client {
	var limiter *TenantRateLimiter
	if ratePerSecond > 0 {
		limiter = NewTenantRateLimiter(rate.Limit(ratePerSecond), max(1, int(ratePerSecond)))
	}
	return &Client{
		http:      &http.Client{},
		limiter:   limiter,
		log:       log,
		metrics:   m,
		baseDelay: defaultBaseDelay,
		now:       time.Now,
	}
}

// Trigger delivers req.Payload to req.URL. It tries 1+Retries times and
// returns the last error once attempts are exhausted.
func (c *Client) Trigger(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := max(0, req.Retries)
	kind := req.Kind
	if kind == "" {
		kind = "workflow"
	}
	deliveryID := uuid.NewString()

	var res Result
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		if attempt > 1 {
			delay := time.Duration((attempt-1)*(attempt-1)) * c.baseDelay
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, req.TenantID); err != nil {
				return res, fmt.Errorf("webhook rate limit: %w", err)
			}
		}

		res.Attempts = attempt
		status, err := c.post(ctx, req, body, deliveryID, timeout)
		res.StatusCode = status
		c.log.WebhookDelivery(req.EventName, req.URL, attempt, status, err)
		if err == nil {
			c.observe(kind, "delivered")
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) {
			break
		}
	}

	c.observe(kind, "failed")
	return res, fmt.Errorf("deliver %s after %d attempts: %w", req.EventName, res.Attempts, lastErr)
}

func (c *Client) post(ctx context.Context, req Request, body []byte, deliveryID string, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEvent, req.EventName)
	httpReq.Header.Set(HeaderDelivery, deliveryID)
	httpReq.Header.Set(HeaderTimestamp, ts)
	if req.Secret != "" {
		httpReq.Header.Set(HeaderSignature, Sign(req.Secret, ts, body))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}

func (c *Client) observe(kind, outcome string) {
	if c.metrics != nil {
		c.metrics.WebhookDeliveries.WithLabelValues(kind, outcome).Inc()
	}
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, ts string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// TenantRateLimiter keeps one token bucket per tenant.
type TenantRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

func NewTenantRateLimiter(r rate.Limit, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{rate: r, burst: burst}
}

func (l *TenantRateLimiter) get(tenantID uuid.UUID) *rate.Limiter {
	if existing, ok := l.limiters.Load(tenantID); ok {
		return existing.(*rate.Limiter)
	}
	limiter, _ := l.limiters.LoadOrStore(tenantID, rate.NewLimiter(l.rate, l.burst))
	return limiter.(*rate.Limiter)
}

// Wait blocks until the tenant may send another request.
func (l *TenantRateLimiter) Wait(ctx context.Context, tenantID uuid.UUID) error {
	return l.get(tenantID).Wait(ctx)
}
