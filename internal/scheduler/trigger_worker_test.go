package scheduler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"portal_care_backend/internal/care"
	"portal_care_backend/internal/triggers/detectors"
	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/internal/triggers/suggestions"
	"portal_care_backend/platform/lock"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTenants struct {
	ids []uuid.UUID
	err error
}

func (s staticTenants) ListActiveTenants(context.Context) ([]uuid.UUID, error) {
	return s.ids, s.err
}

type fakeDetector struct {
	trigger domain.TriggerID
	yield   func(tenantID uuid.UUID) []domain.Candidate
	panics  bool
}

func (d fakeDetector) TriggerID() domain.TriggerID { return d.trigger }

func (d fakeDetector) Detect(_ context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		if d.panics {
			panic("query builder exploded")
		}
		for _, c := range d.yield(tenantID) {
			if !yield(c) {
				return
			}
		}
	}
}

type fakeLifecycle struct {
	mu       sync.Mutex
	seen     map[string]bool
	calls    int
	sweeps   int
	sweepErr error
	failFor  uuid.UUID
}

func (f *fakeLifecycle) CreateSuggestionIfNew(_ context.Context, c domain.Candidate) (suggestions.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if c.TenantID == f.failFor {
		return "", errors.New("connection reset")
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	k := c.TenantID.String() + string(c.TriggerID()) + c.RecordID.String()
	if f.seen[k] {
		return suggestions.OutcomeDuplicateSuppressed, nil
	}
	f.seen[k] = true
	return suggestions.OutcomeCreated, nil
}

func (f *fakeLifecycle) ExpireStale(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	return 3, nil
}

type fakeCare struct {
	mu        sync.Mutex
	processed []domain.Candidate
	err       error
	panicFor  uuid.UUID
}

func (f *fakeCare) Process(_ context.Context, c domain.Candidate) (care.Outcome, error) {
	if c.TenantID == f.panicFor {
		panic("nil map")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, c)
	return care.Outcome{}, f.err
}

func stableLeads(n int) func(uuid.UUID) []domain.Candidate {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return func(tenantID uuid.UUID) []domain.Candidate {
		out := make([]domain.Candidate, 0, n)
		for _, id := range ids {
			out = append(out, domain.Candidate{
				TenantID:   tenantID,
				RecordType: domain.RecordLead,
				RecordID:   id,
				Context:    domain.LeadStagnantContext{DaysStagnant: 9},
			})
		}
		return out
	}
}

func newTestWorker(deps TriggerWorkerDeps, opts TriggerWorkerOptions) *TriggerWorker {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return NewTriggerWorker(deps, opts)
}

func TestRunOnceDrivesLifecycleAndCare(t *testing.T) {
	tenants := []uuid.UUID{uuid.New(), uuid.New()}
	lifecycle := &fakeLifecycle{}
	careProc := &fakeCare{}
	w := newTestWorker(TriggerWorkerDeps{
		Tenants: staticTenants{ids: tenants},
		Detectors: []detectors.Detector{
			fakeDetector{trigger: domain.TriggerLeadStagnant, yield: stableLeads(2)},
			fakeDetector{trigger: domain.TriggerDealDecay, yield: func(uuid.UUID) []domain.Candidate { return nil }},
		},
		Suggestions: lifecycle,
		Care:        careProc,
	}, TriggerWorkerOptions{Enabled: true, TenantConcurrency: 2})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Tenants)
	assert.Equal(t, 4, report.Candidates)
	assert.Equal(t, 4, report.Suggestions[suggestions.OutcomeCreated])
	assert.Equal(t, 4, report.CareProcessed)
	assert.Equal(t, int64(3), report.Expired)
	assert.Equal(t, 1, lifecycle.sweeps)

	// A second run over the same records creates nothing new.
	report, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Suggestions[suggestions.OutcomeCreated])
	assert.Equal(t, 4, report.Suggestions[suggestions.OutcomeDuplicateSuppressed])
	assert.Equal(t, int64(2), w.State().Cycles)
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	bad, panicky, good := uuid.New(), uuid.New(), uuid.New()
	lifecycle := &fakeLifecycle{failFor: bad}
	careProc := &fakeCare{panicFor: panicky}
	m := metrics.New()
	w := newTestWorker(TriggerWorkerDeps{
		Tenants: staticTenants{ids: []uuid.UUID{bad, panicky, good}},
		Detectors: []detectors.Detector{
			fakeDetector{trigger: domain.TriggerActivityOverdue, panics: true},
			fakeDetector{trigger: domain.TriggerLeadStagnant, yield: stableLeads(1)},
		},
		Suggestions: lifecycle,
		Care:        careProc,
		Metrics:     m,
	}, TriggerWorkerOptions{Enabled: true})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	// The panicking detector never stops the next one.
	assert.Equal(t, 3, report.Candidates)
	// Care still runs when the suggestion store fails.
	assert.Equal(t, 2, report.CareProcessed)
	assert.Equal(t, 1, lifecycle.sweeps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")))
}

func TestRunOnceTenantListFailure(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	m := metrics.New()
	w := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{err: errors.New("db down")},
		Suggestions: lifecycle,
		Metrics:     m,
	}, TriggerWorkerOptions{Enabled: true})

	_, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, lifecycle.sweeps)
	assert.Equal(t, "list active tenants: db down", w.State().LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failed")))
}

func TestRunOnceSkipsTenantsLockedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.NewRedisLocker(rdb, "test:")

	locked, free := uuid.New(), uuid.New()
	held, err := locker.Acquire(context.Background(), "trigger-worker:"+locked.String(), time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	careProc := &fakeCare{}
	w := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{ids: []uuid.UUID{locked, free}},
		Detectors:   []detectors.Detector{fakeDetector{trigger: domain.TriggerLeadStagnant, yield: stableLeads(1)}},
		Suggestions: &fakeLifecycle{},
		Care:        careProc,
		Locker:      locker,
	}, TriggerWorkerOptions{Enabled: true, TenantConcurrency: 2})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TenantsLocked)
	assert.Zero(t, report.TenantFailures)
	require.Len(t, careProc.processed, 1)
	assert.Equal(t, free, careProc.processed[0].TenantID)

	// Our own lease is released after the tenant finishes.
	assert.False(t, mr.Exists("test:trigger-worker:"+free.String()))
}

func TestStartStopLifecycle(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	w := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{ids: []uuid.UUID{uuid.New()}},
		Suggestions: lifecycle,
	}, TriggerWorkerOptions{Enabled: true, Interval: time.Hour})

	require.True(t, w.Start(context.Background()))
	assert.False(t, w.Start(context.Background()), "second start is a no-op")
	assert.True(t, w.State().Running)

	require.Eventually(t, func() bool { return w.State().Cycles >= 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, w.State().Running)
	w.Stop()
}

func TestStartDisabled(t *testing.T) {
	w := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{},
		Suggestions: &fakeLifecycle{},
	}, TriggerWorkerOptions{Enabled: false})

	assert.False(t, w.Start(context.Background()))
	assert.False(t, w.State().Running)
	w.Stop()
}

func TestStopLetsInFlightCycleFinish(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	careProc := &blockingCare{entered: entered, release: release}
	w := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{ids: []uuid.UUID{uuid.New()}},
		Detectors:   []detectors.Detector{fakeDetector{trigger: domain.TriggerLeadStagnant, yield: stableLeads(1)}},
		Suggestions: &fakeLifecycle{},
		Care:        careProc,
	}, TriggerWorkerOptions{Enabled: true, Interval: time.Hour})

	require.True(t, w.Start(context.Background()))
	<-entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Equal(t, int64(1), w.State().Cycles)
	assert.Nil(t, careProc.ctxErr)
}

type blockingCare struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *blockingCare) Process(ctx context.Context, _ domain.Candidate) (care.Outcome, error) {
	close(b.entered)
	<-b.release
	b.ctxErr = ctx.Err()
	return care.Outcome{}, nil
}

type blockingDetector struct {
	entered chan struct{}
	release chan struct{}
}

func (d blockingDetector) TriggerID() domain.TriggerID { return domain.TriggerLeadStagnant }

func (d blockingDetector) Detect(_ context.Context, tenantID uuid.UUID) iter.Seq[domain.Candidate] {
	return func(yield func(domain.Candidate) bool) {
		close(d.entered)
		<-d.release
		yield(domain.Candidate{
			TenantID:   tenantID,
			RecordType: domain.RecordLead,
			RecordID:   uuid.New(),
			Context:    domain.LeadStagnantContext{DaysStagnant: 9},
		})
	}
}

func TestTenantLeaseOutlivesTTLWhileTenantRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	newLocker := func() lock.Locker {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return lock.NewRedisLocker(rdb, "test:")
	}
	tenant := uuid.New()
	key := "test:trigger-worker:" + tenant.String()
	opts := TriggerWorkerOptions{Enabled: true, TenantLockTTL: time.Minute, TenantLockRenew: 5 * time.Millisecond}

	slow := blockingDetector{entered: make(chan struct{}), release: make(chan struct{})}
	careA := &fakeCare{}
	workerA := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{ids: []uuid.UUID{tenant}},
		Detectors:   []detectors.Detector{slow},
		Suggestions: &fakeLifecycle{},
		Care:        careA,
		Locker:      newLocker(),
	}, opts)

	done := make(chan CycleReport)
	go func() {
		report, _ := workerA.RunOnce(context.Background())
		done <- report
	}()
	<-slow.entered

	// Two minutes pass in Redis while worker A is still inside the tenant.
	for range 4 {
		mr.FastForward(30 * time.Second)
		require.Eventually(t, func() bool { return mr.TTL(key) > 45*time.Second }, time.Second, time.Millisecond)
	}

	careB := &fakeCare{}
	workerB := newTestWorker(TriggerWorkerDeps{
		Tenants:     staticTenants{ids: []uuid.UUID{tenant}},
		Detectors:   []detectors.Detector{fakeDetector{trigger: domain.TriggerLeadStagnant, yield: stableLeads(1)}},
		Suggestions: &fakeLifecycle{},
		Care:        careB,
		Locker:      newLocker(),
	}, opts)

	report, err := workerB.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TenantsLocked)
	assert.Zero(t, report.CareProcessed)
	assert.Empty(t, careB.processed)

	close(slow.release)
	reportA := <-done
	assert.Equal(t, 1, reportA.CareProcessed)
	assert.Zero(t, reportA.TenantFailures)
	assert.False(t, mr.Exists(key))
}

type lostLease struct{ released bool }

func (l *lostLease) Extend(context.Context, time.Duration) error { return lock.ErrLost }

func (l *lostLease) Release(context.Context) error {
	l.released = true
	return nil
}

type lostLocker struct{ lease *lostLease }

func (l lostLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return l.lease, nil
}

func TestLostTenantLeaseCancelsTenantWork(t *testing.T) {
	lease := &lostLease{}
	careProc := &ctxCare{}
	w := newTestWorker(TriggerWorkerDeps{
		Tenants: staticTenants{ids: []uuid.UUID{uuid.New()}},
		Detectors: []detectors.Detector{fakeDetector{trigger: domain.TriggerLeadStagnant, yield: func(tenantID uuid.UUID) []domain.Candidate {
			time.Sleep(50 * time.Millisecond)
			return stableLeads(1)(tenantID)
		}}},
		Suggestions: &fakeLifecycle{},
		Care:        careProc,
		Locker:      lostLocker{lease: lease},
	}, TriggerWorkerOptions{Enabled: true, TenantLockTTL: time.Minute, TenantLockRenew: time.Millisecond})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TenantFailures)
	assert.True(t, lease.released)
	require.Len(t, careProc.errs, 1)
	assert.ErrorIs(t, careProc.errs[0], context.Canceled)
}

type ctxCare struct {
	mu   sync.Mutex
	errs []error
}

func (c *ctxCare) Process(ctx context.Context, _ domain.Candidate) (care.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, ctx.Err())
	return care.Outcome{}, ctx.Err()
}
