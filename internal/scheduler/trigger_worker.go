package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"portal_care_backend/internal/care"
	"portal_care_backend/internal/triggers/detectors"
	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/internal/triggers/suggestions"
	"portal_care_backend/platform/lock"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTriggerInterval = time.Minute
	defaultTenantLockTTL   = 5 * time.Minute
)

// TenantLister returns the tenants to scan each cycle.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]uuid.UUID, error)
}

// SuggestionLifecycle is the part of suggestions.Manager the worker drives.
type SuggestionLifecycle interface {
	CreateSuggestionIfNew(ctx context.Context, c domain.Candidate) (suggestions.Outcome, error)
	ExpireStale(ctx context.Context) (int64, error)
}

// CareProcessor runs the C.A.R.E. sequence for one candidate.
type CareProcessor interface {
	Process(ctx context.Context, c domain.Candidate) (care.Outcome, error)
}

// TriggerWorkerOptions tune the worker.
type TriggerWorkerOptions struct {
	Enabled           bool
	Interval          time.Duration
	TenantConcurrency int
	TenantLockTTL     time.Duration
	// TenantLockRenew is how often a held tenant lease is extended. Defaults
	// to a third of TenantLockTTL.
	TenantLockRenew time.Duration
}

// TriggerWorkerDeps are the worker's collaborators. Care and Locker may be
// nil.
type TriggerWorkerDeps struct {
	Tenants     TenantLister
	Detectors   []detectors.Detector
	Suggestions SuggestionLifecycle
	Care        CareProcessor
	Locker      lock.Locker
	Log         *logger.Logger
	Metrics     *metrics.Metrics
}

// WorkerState is a snapshot of the worker's lifecycle.
type WorkerState struct {
	Running      bool
	InCycle      bool
	Cycles       int64
	LastCycleAt  time.Time
	LastDuration time.Duration
	LastReport   CycleReport
	LastError    string
}

// CycleReport summarizes one run across all tenants.
type CycleReport struct {
	Tenants        int
	TenantFailures int
	TenantsLocked  int
	Candidates     int
	Suggestions    map[suggestions.Outcome]int
	CareProcessed  int
	CareFailures   int
	Expired        int64
}

// TriggerWorker periodically scans every active tenant, drives the
// suggestion lifecycle and the C.A.R.E. pipeline for each candidate, and
// sweeps expired suggestions once all tenants are done.
type TriggerWorker struct {
	deps TriggerWorkerDeps
	opts TriggerWorkerOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  WorkerState

	inCycle atomic.Bool
	now     func() time.Time
}

func NewTriggerWorker(deps TriggerWorkerDeps, opts TriggerWorkerOptions) *TriggerWorker {
	if opts.Interval <= 0 {
		opts.Interval = defaultTriggerInterval
	}
	if opts.TenantConcurrency < 1 {
		opts.TenantConcurrency = 1
	}
	if opts.TenantLockTTL <= 0 {
		opts.TenantLockTTL = defaultTenantLockTTL
	}
	if opts.TenantLockRenew <= 0 || opts.TenantLockRenew >= opts.TenantLockTTL {
		opts.TenantLockRenew = opts.TenantLockTTL / 3
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	return &TriggerWorker{
		deps: deps,
		opts: opts,
		now:  time.Now,
	}
}

// Start runs a cycle immediately and then one per interval until Stop or
// ctx is done. It is a no-op when the worker is disabled or already running.
func (w *TriggerWorker) Start(ctx context.Context) bool {
	if !w.opts.Enabled {
		w.deps.Log.Info("trigger worker disabled")
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state.Running = true

	go w.loop(loopCtx, w.done)
	w.deps.Log.Info("trigger worker started", "interval", w.opts.Interval.String(), "tenant_concurrency", w.opts.TenantConcurrency)
	return true
}

// Stop cancels the timer and waits for an in-flight cycle to finish.
func (w *TriggerWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	w.mu.Lock()
	w.state.Running = false
	w.mu.Unlock()
	w.deps.Log.Info("trigger worker stopped")
}

// State returns a snapshot of the worker's lifecycle.
func (w *TriggerWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.InCycle = w.inCycle.Load()
	return s
}

func (w *TriggerWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	w.tick(ctx)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *TriggerWorker) tick(ctx context.Context) {
	// Cancellation stops the timer, not the cycle already under way.
	if _, err := w.RunOnce(context.WithoutCancel(ctx)); err != nil {
		w.deps.Log.Error("trigger cycle failed", "error", err)
	}
}

// RunOnce performs one full cycle. Overlapping calls are skipped. Only a
// failure to list tenants is returned; everything below is isolated and
// counted in the report.
func (w *TriggerWorker) RunOnce(ctx context.Context) (CycleReport, error) {
	if !w.inCycle.CompareAndSwap(false, true) {
		w.deps.Log.Warn("trigger cycle still running, skipping tick")
		return CycleReport{}, nil
	}
	defer w.inCycle.Store(false)

	ctx = context.WithValue(ctx, logger.CycleIDKey, uuid.NewString())
	log := w.deps.Log.WithContext(ctx)
	started := w.now()

	report, err := w.runCycle(ctx, log)

	duration := w.now().Sub(started)
	w.record(started, duration, report, err)
	if w.deps.Metrics != nil {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		w.deps.Metrics.CyclesTotal.WithLabelValues(result).Inc()
		w.deps.Metrics.CycleDuration.Observe(duration.Seconds())
	}
	if err == nil {
		log.Info("trigger cycle completed",
			"tenants", report.Tenants,
			"tenant_failures", report.TenantFailures,
			"candidates", report.Candidates,
			"care_processed", report.CareProcessed,
			"expired", report.Expired,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return report, err
}

func (w *TriggerWorker) runCycle(ctx context.Context, log *logger.Logger) (CycleReport, error) {
	report := CycleReport{Suggestions: map[suggestions.Outcome]int{}}

	tenants, err := w.deps.Tenants.ListActiveTenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list active tenants: %w", err)
	}
	report.Tenants = len(tenants)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.TenantConcurrency)
	for _, tenantID := range tenants {
		g.Go(func() error {
			tr, err := w.runTenantLocked(gctx, tenantID)
			mu.Lock()
			defer mu.Unlock()
			report.merge(tr)
			if errors.Is(err, lock.ErrNotAcquired) {
				report.TenantsLocked++
				return nil
			}
			if err != nil {
				report.TenantFailures++
				if w.deps.Metrics != nil {
					w.deps.Metrics.TenantFailures.Inc()
				}
				log.Error("trigger tenant failed", "tenant_id", tenantID.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	expired, err := w.deps.Suggestions.ExpireStale(ctx)
	if err != nil {
		log.Error("suggestion sweep failed", "error", err)
	} else {
		report.Expired = expired
	}
	return report, nil
}

func (w *TriggerWorker) runTenantLocked(ctx context.Context, tenantID uuid.UUID) (CycleReport, error) {
	lease, err := w.deps.Locker.Acquire(ctx, "trigger-worker:"+tenantID.String(), w.opts.TenantLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			w.deps.Log.Info("trigger tenant locked by another worker", "tenant_id", tenantID.String())
		}
		return CycleReport{}, err
	}

	tenantCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		w.keepLease(tenantCtx, cancel, lease, tenantID)
	}()
	defer func() {
		cancel(nil)
		<-renewed
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			w.deps.Log.Warn("trigger tenant lock release failed", "tenant_id", tenantID.String(), "error", err)
		}
	}()

	report, err := w.runTenant(tenantCtx, tenantID)
	if cause := context.Cause(tenantCtx); errors.Is(cause, lock.ErrLost) {
		return report, fmt.Errorf("tenant %s: %w", tenantID, cause)
	}
	return report, err
}

// keepLease extends the tenant lease until ctx is done. Losing the lease
// cancels the tenant's work so another worker can own it alone.
func (w *TriggerWorker) keepLease(ctx context.Context, cancel context.CancelCauseFunc, lease lock.Lease, tenantID uuid.UUID) {
	ticker := time.NewTicker(w.opts.TenantLockRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Extend(ctx, w.opts.TenantLockTTL)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrLost):
				w.deps.Log.Error("trigger tenant lock lost", "tenant_id", tenantID.String())
				cancel(err)
				return
			case ctx.Err() != nil:
				return
			default:
				w.deps.Log.Warn("trigger tenant lock renew failed", "tenant_id", tenantID.String(), "error", err)
			}
		}
	}
}

// runTenant processes every detector for one tenant. A panic anywhere below
// fails this tenant only.
func (w *TriggerWorker) runTenant(ctx context.Context, tenantID uuid.UUID) (report CycleReport, err error) {
	report.Suggestions = map[suggestions.Outcome]int{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tenant %s panicked: %v", tenantID, r)
		}
	}()

	ctx = context.WithValue(ctx, logger.TenantIDKey, tenantID.String())
	log := w.deps.Log.WithContext(ctx)

	for _, d := range w.deps.Detectors {
		w.runDetector(ctx, log, tenantID, d, &report)
	}
	return report, nil
}

// runDetector drains one detector. Candidates of a tenant are handled one at
// a time so state reads and writes per entity stay ordered.
func (w *TriggerWorker) runDetector(ctx context.Context, log *logger.Logger, tenantID uuid.UUID, d detectors.Detector, report *CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("detector panicked", "trigger_id", string(d.TriggerID()), "panic", r)
		}
	}()

	for c := range d.Detect(ctx, tenantID) {
		report.Candidates++

		outcome, err := w.deps.Suggestions.CreateSuggestionIfNew(ctx, c)
		if err != nil {
			log.Error("suggestion lifecycle failed",
				"trigger_id", string(c.TriggerID()),
				"record_id", c.RecordID.String(),
				"error", err,
			)
		} else {
			report.Suggestions[outcome]++
		}

		if w.deps.Care == nil {
			continue
		}
		if _, err := w.deps.Care.Process(ctx, c); err != nil {
			report.CareFailures++
			log.Error("care pipeline failed",
				"trigger_id", string(c.TriggerID()),
				"record_type", string(c.RecordType),
				"record_id", c.RecordID.String(),
				"error", err,
			)
			continue
		}
		report.CareProcessed++
	}
}

func (w *TriggerWorker) record(at time.Time, d time.Duration, report CycleReport, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Cycles++
	w.state.LastCycleAt = at
	w.state.LastDuration = d
	w.state.LastReport = report
	w.state.LastError = ""
	if err != nil {
		w.state.LastError = err.Error()
	}
}

func (r *CycleReport) merge(o CycleReport) {
	r.Candidates += o.Candidates
	r.CareProcessed += o.CareProcessed
	r.CareFailures += o.CareFailures
	if r.Suggestions == nil {
		r.Suggestions = map[suggestions.Outcome]int{}
	}
	for k, v := range o.Suggestions {
		r.Suggestions[k] += v
	}
}
