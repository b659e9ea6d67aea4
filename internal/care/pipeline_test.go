package care

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portal_care_backend/internal/care/audit"
	"portal_care_backend/internal/care/repository"
	"portal_care_backend/internal/care/state"
	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/internal/events"
	"portal_care_backend/internal/triggers/domain"
	triggerrepo "portal_care_backend/internal/triggers/repository"
	"portal_care_backend/platform/apperr"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	states   map[repository.EntityKey]repository.CareState
	history  []repository.ApplyTransitionParams
	touches  int
	applyErr error
}

func newMemStore() *memStore {
	return &memStore{states: map[repository.EntityKey]repository.CareState{}}
}

func (s *memStore) seed(key repository.EntityKey, st string) {
	s.states[key] = repository.CareState{EntityKey: key, State: st, EscalationStatus: repository.EscalationNone}
}

func (s *memStore) GetOrCreate(_ context.Context, key repository.EntityKey, initial string) (repository.CareState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st, nil
	}
	st := repository.CareState{EntityKey: key, State: initial, EscalationStatus: repository.EscalationNone}
	s.states[key] = st
	return st, nil
}

func (s *memStore) ApplyTransition(_ context.Context, p repository.ApplyTransitionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	st := s.states[p.Key]
	if st.State != p.FromState {
		return apperr.Conflict("state moved")
	}
	st.State = p.ToState
	st.EscalationStatus = p.EscalationStatus
	s.states[p.Key] = st
	s.history = append(s.history, p)
	return nil
}

func (s *memStore) TouchSignal(_ context.Context, key repository.EntityKey, escalated bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return apperr.NotFound("care state not found")
	}
	if escalated {
		st.EscalationStatus = repository.EscalationOpen
	}
	st.LastSignalAt = &at
	s.states[key] = st
	s.touches++
	return nil
}

func (s *memStore) current(key repository.EntityKey) repository.CareState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

func (s *memStore) state(key repository.EntityKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key].State
}

type staticGate bool

func (g staticGate) IsCareAutonomyEnabled(context.Context, uuid.UUID) bool { return bool(g) }

type fakeLinks struct {
	links triggerrepo.OpportunityLinks
	err   error
	calls int
}

func (f *fakeLinks) GetOpportunityLinks(context.Context, uuid.UUID, uuid.UUID) (triggerrepo.OpportunityLinks, error) {
	f.calls++
	return f.links, f.err
}

type recordingDispatcher struct {
	deliveries []workflow.Delivery
	schemaErrs []error
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, del workflow.Delivery) error {
	d.deliveries = append(d.deliveries, del)
	d.schemaErrs = append(d.schemaErrs, del.Event.Validate())
	return d.err
}

type harness struct {
	pipeline   *Pipeline
	store      *memStore
	sink       *audit.MemorySink
	dispatcher *recordingDispatcher
	links      *fakeLinks
	bus        *events.InMemoryBus
}

func newHarness(t *testing.T, autonomous bool) *harness {
	t.Helper()
	table, err := state.DefaultTable()
	require.NoError(t, err)

	h := &harness{
		store:      newMemStore(),
		sink:       &audit.MemorySink{},
		dispatcher: &recordingDispatcher{},
		links:      &fakeLinks{},
		bus:        events.NewInMemoryBus(logger.Discard()),
	}
	m := metrics.New()
	defaults := workflow.TenantConfig{
		IsEnabled:         true,
		WebhookURL:        "https://hooks.example.com/care",
		WebhookTimeoutMS:  1000,
		WebhookMaxRetries: 1,
		ShadowMode:        !autonomous,
		ActionValueFloor:  10000,
	}
	h.pipeline = NewPipeline(Deps{
		Engine:     state.NewEngine(table),
		Store:      h.store,
		Links:      h.links,
		Gate:       staticGate(autonomous),
		Audit:      audit.New(logger.Discard(), m, h.sink),
		Configs:    workflow.NewConfigResolver(nil, defaults, logger.Discard()),
		Dispatcher: h.dispatcher,
		Events:     h.bus,
		Log:        logger.Discard(),
		Metrics:    m,
	}, Options{AppBaseURL: "https://app.example.com"})
	h.pipeline.now = func() time.Time { return time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) }
	return h
}

func leadCandidate(tenant uuid.UUID, days int) domain.Candidate {
	return domain.Candidate{
		TenantID:   tenant,
		RecordType: domain.RecordLead,
		RecordID:   uuid.New(),
		Context:    domain.LeadStagnantContext{LeadName: "Ada Lovelace", Status: "New", DaysStagnant: days},
	}
}

func TestShadowModeNeverMutatesState(t *testing.T) {
	h := newHarness(t, false)
	c := leadCandidate(uuid.New(), 9)

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)

	require.NotNil(t, out.Proposal)
	assert.Equal(t, "awareness", out.Proposal.ToState)
	assert.False(t, out.Applied)
	assert.Equal(t, "unaware", h.store.state(out.Entity))
	assert.Empty(t, h.store.history)
	assert.Equal(t, []string{audit.EventStateProposed, audit.EventActionSkipped}, h.sink.Types())

	proposed := h.sink.Events()[0]
	assert.Equal(t, audit.GateBlocked, proposed.PolicyGateResult)
	assert.Equal(t, true, proposed.Meta["shadow_mode"])

	require.Len(t, h.dispatcher.deliveries, 1)
	require.NoError(t, h.dispatcher.schemaErrs[0])
	ev := h.dispatcher.deliveries[0].Event
	assert.Equal(t, workflow.TypeTriggerDetected, ev.Type)
	assert.Equal(t, "unaware", ev.CareState)
	assert.Nil(t, ev.PreviousState)
	assert.True(t, ev.Meta.ShadowMode)
	assert.Equal(t, "https://app.example.com/leads/"+c.RecordID.String(), ev.DeepLink)
}

func TestAutonomousModeAppliesAndAudits(t *testing.T) {
	h := newHarness(t, true)
	c := leadCandidate(uuid.New(), 9)

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, out.Applied)
	assert.Equal(t, "awareness", h.store.state(out.Entity))
	require.Len(t, h.store.history, 1)
	assert.Equal(t, "unaware", h.store.history[0].FromState)
	assert.Equal(t, []string{audit.EventStateProposed, audit.EventStateApplied, audit.EventActionSkipped}, h.sink.Types())

	ev := h.dispatcher.deliveries[0].Event
	assert.Equal(t, "awareness", ev.CareState)
	require.NotNil(t, ev.PreviousState)
	assert.Equal(t, "unaware", *ev.PreviousState)
	assert.Equal(t, audit.GateAllowed, ev.PolicyGateResult)
}

func TestAppliedTransitionPublishesStateChange(t *testing.T) {
	for _, autonomous := range []bool{true, false} {
		h := newHarness(t, autonomous)
		var got []events.CareStateChanged
		var mu sync.Mutex
		h.bus.Subscribe(events.CareStateChanged{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e.(events.CareStateChanged))
			return nil
		}))

		out, err := h.pipeline.Process(context.Background(), leadCandidate(uuid.New(), 9))
		require.NoError(t, err)
		h.bus.Wait()

		if !autonomous {
			assert.Empty(t, got)
			continue
		}
		require.Len(t, got, 1)
		assert.Equal(t, out.Entity.EntityID, got[0].EntityID)
		assert.Equal(t, "unaware", got[0].FromState)
		assert.Equal(t, "awareness", got[0].ToState)
	}
}

func TestEscalationFromActivityNotes(t *testing.T) {
	h := newHarness(t, true)
	tenant := uuid.New()
	leadID := uuid.New()
	key := repository.EntityKey{TenantID: tenant, EntityType: "lead", EntityID: leadID}
	h.store.seed(key, "committed")

	c := domain.Candidate{
		TenantID:   tenant,
		RecordType: domain.RecordActivity,
		RecordID:   uuid.New(),
		Context: domain.ActivityOverdueContext{
			Subject:     "Call back",
			DaysOverdue: 2,
			Description: "Customer said: please stop calling me",
			RelatedTo:   domain.RecordLead,
			RelatedID:   &leadID,
		},
	}

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, key, out.Entity)
	assert.True(t, out.Escalation.Escalate)
	assert.Equal(t, "at_risk", h.store.state(key))
	assert.Equal(t, repository.EscalationOpen, h.store.history[0].EscalationStatus)
	assert.True(t, out.ActionCandidate)
	assert.Equal(t, []string{
		audit.EventStateProposed,
		audit.EventStateApplied,
		audit.EventEscalationDetected,
		audit.EventActionCandidate,
		audit.EventActionSkipped,
	}, h.sink.Types())

	require.NoError(t, h.dispatcher.schemaErrs[0])
	ev := h.dispatcher.deliveries[0].Event
	assert.Equal(t, workflow.TypeEscalationDetected, ev.Type)
	assert.Equal(t, audit.GateEscalated, ev.PolicyGateResult)
	assert.Equal(t, "activity", ev.SignalEntityType)
	assert.Equal(t, "lead", ev.EntityType)
	assert.Equal(t, []string{"objection"}, ev.Meta.EscalationReasons)
	assert.Equal(t, "human_review", ev.Intent)
}

func TestOpportunityNormalizesToAccount(t *testing.T) {
	h := newHarness(t, false)
	accountID := uuid.New()
	leadID := uuid.New()
	c := domain.Candidate{
		TenantID:   uuid.New(),
		RecordType: domain.RecordOpportunity,
		RecordID:   uuid.New(),
		Context: domain.OpportunityHotContext{
			OpportunityName: "Solar",
			Probability:     75,
			DaysToClose:     5,
			Amount:          3000,
			AccountID:       &accountID,
			LeadID:          &leadID,
		},
	}

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, "account", out.Entity.EntityType)
	assert.Equal(t, accountID, out.Entity.EntityID)
	assert.Zero(t, h.links.calls, "links in context need no lookup")
	require.NotNil(t, out.Proposal)
	assert.Equal(t, "evaluating", out.Proposal.ToState)
	assert.True(t, out.ActionCandidate, "evaluating is a meaningful state")
	assert.Contains(t, h.sink.Types(), audit.EventActionCandidate)
}

func TestOpportunityLinksLookup(t *testing.T) {
	h := newHarness(t, false)
	leadID := uuid.New()
	h.links.links = triggerrepo.OpportunityLinks{LeadID: &leadID}

	c := domain.Candidate{
		TenantID:   uuid.New(),
		RecordType: domain.RecordOpportunity,
		RecordID:   uuid.New(),
		Context:    domain.DealDecayContext{OpportunityName: "Roof", DaysInactive: 20},
	}
	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 1, h.links.calls)
	assert.Equal(t, "lead", out.Entity.EntityType)
	assert.Equal(t, leadID, out.Entity.EntityID)
}

func TestDealValueFloorQualifiesCandidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		amount float64
		want   bool
	}{
		{"above floor", 50000, true},
		{"below floor", 500, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			tenant := uuid.New()
			accountID := uuid.New()
			h.store.seed(repository.EntityKey{TenantID: tenant, EntityType: "account", EntityID: accountID}, "awareness")

			c := domain.Candidate{
				TenantID:   tenant,
				RecordType: domain.RecordOpportunity,
				RecordID:   uuid.New(),
				Context:    domain.DealDecayContext{OpportunityName: "Roof", DaysInactive: 35, Amount: tt.amount, AccountID: &accountID},
			}
			out, err := h.pipeline.Process(context.Background(), c)
			require.NoError(t, err)
			require.NotNil(t, out.Proposal)
			assert.Equal(t, "dormant", out.Proposal.ToState)
			assert.Equal(t, tt.want, out.ActionCandidate)
		})
	}
}

func TestUnresolvedEntitySkipsCare(t *testing.T) {
	h := newHarness(t, true)
	c := domain.Candidate{
		TenantID:   uuid.New(),
		RecordType: domain.RecordActivity,
		RecordID:   uuid.New(),
		Context:    domain.ActivityOverdueContext{Subject: "Orphan task", DaysOverdue: 4},
	}

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, out.Unresolved)
	assert.Empty(t, h.sink.Events())
	assert.Empty(t, h.dispatcher.deliveries)
}

type rejectingEmitter struct{}

func (rejectingEmitter) Emit(context.Context, audit.Event) (audit.Event, error) {
	return audit.Event{}, apperr.Validation("reason is required")
}

func TestAuditRejectionAbortsBeforePersist(t *testing.T) {
	h := newHarness(t, true)
	h.pipeline.deps.Audit = rejectingEmitter{}

	out, err := h.pipeline.Process(context.Background(), leadCandidate(uuid.New(), 9))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.False(t, out.Applied)
	assert.Empty(t, h.store.history)
	assert.Empty(t, h.dispatcher.deliveries)
}

func TestCollaboratorFailuresDegrade(t *testing.T) {
	h := newHarness(t, true)
	h.store.applyErr = errors.New("connection reset")
	h.dispatcher.err = errors.New("endpoint down")

	out, err := h.pipeline.Process(context.Background(), leadCandidate(uuid.New(), 9))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.False(t, out.Dispatched)
	assert.Equal(t, []string{audit.EventStateProposed, audit.EventActionSkipped}, h.sink.Types())
}

func TestNoProposalStillDispatchesAndSkips(t *testing.T) {
	h := newHarness(t, true)
	tenant := uuid.New()
	c := leadCandidate(tenant, 9)
	h.store.seed(repository.EntityKey{TenantID: tenant, EntityType: "lead", EntityID: c.RecordID}, "engagement")

	out, err := h.pipeline.Process(context.Background(), c)
	require.NoError(t, err)
	assert.Nil(t, out.Proposal)
	assert.Equal(t, []string{audit.EventActionSkipped}, h.sink.Types())
	require.Len(t, h.dispatcher.deliveries, 1)
	assert.NoError(t, h.dispatcher.schemaErrs[0])
	assert.Nil(t, h.dispatcher.deliveries[0].Event.Meta.ProposedState)
}

func TestEscalationWithoutTransitionOpensEscalation(t *testing.T) {
	for _, autonomous := range []bool{true, false} {
		h := newHarness(t, autonomous)
		tenant, leadID := uuid.New(), uuid.New()
		key := repository.EntityKey{TenantID: tenant, EntityType: "lead", EntityID: leadID}
		h.store.seed(key, "dormant")

		out, err := h.pipeline.Process(context.Background(), domain.Candidate{
			TenantID:   tenant,
			RecordType: domain.RecordActivity,
			RecordID:   uuid.New(),
			Context: domain.ActivityOverdueContext{
				Subject:     "Call back",
				DaysOverdue: 2,
				Description: "please stop calling me",
				RelatedTo:   domain.RecordLead,
				RelatedID:   &leadID,
			},
		})
		require.NoError(t, err)
		require.Nil(t, out.Proposal)
		require.True(t, out.Escalation.Escalate)
		assert.Empty(t, h.store.history)

		got := h.store.current(key)
		assert.Equal(t, "dormant", got.State)
		if !autonomous {
			assert.Equal(t, repository.EscalationNone, got.EscalationStatus)
			assert.Nil(t, got.LastSignalAt)
			assert.Zero(t, h.store.touches)
			continue
		}
		assert.Equal(t, repository.EscalationOpen, got.EscalationStatus)
		require.NotNil(t, got.LastSignalAt)
		assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), *got.LastSignalAt)
		assert.Equal(t, "open", h.dispatcher.deliveries[0].Event.EscalationStatus)
	}
}

func TestAppliedTransitionDoesNotTouchSeparately(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.pipeline.Process(context.Background(), leadCandidate(uuid.New(), 9))
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Zero(t, h.store.touches)
}
