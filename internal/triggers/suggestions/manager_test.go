package suggestions

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/internal/triggers/repository"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	rows      []domain.Suggestion
	params    []repository.InsertSuggestionParams
	findErr   error
	insertErr error
	// raceOnInsert simulates a concurrent writer winning the unique index.
	raceOnInsert bool
}

func (s *memStore) FindActiveSuggestion(_ context.Context, tenantID uuid.UUID, triggerID domain.TriggerID, recordID uuid.UUID, rejectedSince time.Time) (domain.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return domain.Suggestion{}, s.findErr
	}
	for _, r := range s.rows {
		if r.TenantID != tenantID || r.TriggerID != triggerID || r.RecordID != recordID {
			continue
		}
		if r.Status == domain.SuggestionPending {
			return r, nil
		}
		if r.Status == domain.SuggestionRejected && !r.UpdatedAt.Before(rejectedSince) {
			return r, nil
		}
	}
	return domain.Suggestion{}, repository.ErrNotFound
}

func (s *memStore) InsertSuggestion(_ context.Context, p repository.InsertSuggestionParams) (repository.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return repository.InsertResult{}, s.insertErr
	}
	if s.raceOnInsert {
		return repository.InsertResult{Outcome: repository.InsertDuplicate}, nil
	}
	for _, r := range s.rows {
		if r.TenantID == p.TenantID && r.TriggerID == p.TriggerID && r.RecordID == p.RecordID && r.Status == domain.SuggestionPending {
			return repository.InsertResult{Outcome: repository.InsertDuplicate}, nil
		}
	}
	id := uuid.New()
	s.params = append(s.params, p)
	s.rows = append(s.rows, domain.Suggestion{
		ID:         id,
		TenantID:   p.TenantID,
		TriggerID:  p.TriggerID,
		RecordType: p.RecordType,
		RecordID:   p.RecordID,
		Action:     p.Action,
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
		Priority:   p.Priority,
		Status:     domain.SuggestionPending,
		Source:     p.Source,
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  fixedNow,
		UpdatedAt:  fixedNow,
	})
	return repository.InsertResult{Outcome: repository.InsertCreated, ID: id}, nil
}

func (s *memStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.rows {
		if s.rows[i].Status == domain.SuggestionPending && s.rows[i].ExpiresAt.Before(now) {
			s.rows[i].Status = domain.SuggestionExpired
			n++
		}
	}
	return n, nil
}

type fakeNotifier struct {
	events []string
	err    error
}

func (n *fakeNotifier) EmitTenantWebhooks(_ context.Context, _ uuid.UUID, event string, _ any) error {
	n.events = append(n.events, event)
	return n.err
}

type fakeProposer struct {
	resp  ProposalResponse
	err   error
	block bool
	calls int
}

func (p *fakeProposer) ProposeActions(ctx context.Context, _ ProposalRequest) (ProposalResponse, error) {
	p.calls++
	if p.block {
		<-ctx.Done()
		return ProposalResponse{}, ctx.Err()
	}
	return p.resp, p.err
}

func newManager(store Store, proposer Proposer, notifier Notifier) (*Manager, *metrics.Metrics) {
	m := metrics.New()
	mgr := NewManager(store, proposer, notifier, Options{
		Cooldown:   7 * 24 * time.Hour,
		TTL:        72 * time.Hour,
		LLMTimeout: 50 * time.Millisecond,
	}, logger.Discard(), m)
	mgr.now = func() time.Time { return fixedNow }
	return mgr, m
}

func leadCandidate(tenantID uuid.UUID, days int) domain.Candidate {
	return domain.Candidate{
		TenantID:   tenantID,
		RecordType: domain.RecordLead,
		RecordID:   uuid.New(),
		Context: domain.LeadStagnantContext{
			LeadName:      "Jane Doe",
			Status:        "New",
			LastTouchedAt: fixedNow.AddDate(0, 0, -days),
			DaysStagnant:  days,
		},
		DetectedAt: fixedNow,
	}
}

func TestCreateSuggestionIfNewIsIdempotentAcrossRuns(t *testing.T) {
	store := &memStore{}
	notifier := &fakeNotifier{}
	mgr, m := newManager(store, nil, notifier)
	c := leadCandidate(uuid.New(), 9)

	first, err := mgr.CreateSuggestionIfNew(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first)

	second, err := mgr.CreateSuggestionIfNew(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateSuppressed, second)

	require.Len(t, store.params, 1)
	p := store.params[0]
	assert.Equal(t, domain.SourceTemplate, p.Source)
	assert.Equal(t, "create_task", p.Action.ToolName)
	assert.Equal(t, fixedNow.Add(72*time.Hour), p.ExpiresAt)
	assert.Equal(t, []string{EventSuggestionGenerated}, notifier.events)

	trigger := string(domain.TriggerLeadStagnant)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuggestionOutcomes.WithLabelValues(trigger, string(OutcomeCreated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuggestionOutcomes.WithLabelValues(trigger, string(OutcomeDuplicateSuppressed))))
}

func TestCreateSuggestionIfNewRespectsRejectionCooldown(t *testing.T) {
	tenantID := uuid.New()
	c := leadCandidate(tenantID, 12)

	tests := []struct {
		name       string
		rejectedAt time.Time
		want       Outcome
	}{
		{name: "rejected inside cooldown", rejectedAt: fixedNow.Add(-2 * 24 * time.Hour), want: OutcomeDuplicateSuppressed},
		{name: "rejected exactly at cooldown edge", rejectedAt: fixedNow.Add(-7 * 24 * time.Hour), want: OutcomeDuplicateSuppressed},
		{name: "rejected before cooldown", rejectedAt: fixedNow.Add(-8 * 24 * time.Hour), want: OutcomeCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{rows: []domain.Suggestion{{
				ID:        uuid.New(),
				TenantID:  tenantID,
				TriggerID: c.TriggerID(),
				RecordID:  c.RecordID,
				Status:    domain.SuggestionRejected,
				UpdatedAt: tt.rejectedAt,
			}}}
			mgr, _ := newManager(store, nil, nil)

			got, err := mgr.CreateSuggestionIfNew(context.Background(), c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateSuggestionIfNewUsesModelOutput(t *testing.T) {
	store := &memStore{}
	proposer := &fakeProposer{resp: ProposalResponse{
		ProposedActions: []ProposedAction{{
			Type:       "draft_email",
			Entity:     "lead",
			Payload:    map[string]any{"subject": "Checking in"},
			Confidence: 1.4,
			Reason:     "Nine quiet days on a new lead.",
		}},
	}}
	mgr, _ := newManager(store, proposer, nil)

	got, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 9))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, got)

	require.Len(t, store.params, 1)
	p := store.params[0]
	assert.Equal(t, domain.SourceLLM, p.Source)
	assert.Equal(t, "draft_email", p.Action.ToolName)
	assert.Equal(t, "Checking in", p.Action.ToolArgs["subject"])
	assert.Equal(t, 1.0, p.Confidence)
	assert.Equal(t, "Nine quiet days on a new lead.", p.Reasoning)
}

func TestCreateSuggestionIfNewFallsBackToTemplate(t *testing.T) {
	tests := []struct {
		name     string
		proposer *fakeProposer
	}{
		{name: "model error", proposer: &fakeProposer{err: errors.New("upstream 503")}},
		{name: "empty proposal", proposer: &fakeProposer{}},
		{name: "timeout", proposer: &fakeProposer{block: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{}
			mgr, _ := newManager(store, tt.proposer, nil)

			got, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 20))
			require.NoError(t, err)
			assert.Equal(t, OutcomeCreated, got)
			assert.Equal(t, 1, tt.proposer.calls)
			require.Len(t, store.params, 1)
			assert.Equal(t, domain.SourceTemplate, store.params[0].Source)
			assert.Equal(t, domain.PriorityHigh, store.params[0].Priority)
		})
	}
}

func TestCreateSuggestionIfNewGenerationFailed(t *testing.T) {
	store := &memStore{}
	mgr, _ := newManager(store, nil, nil)
	c := leadCandidate(uuid.New(), 9)
	c.Context = nil

	got, err := mgr.CreateSuggestionIfNew(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerationFailed, got)
	assert.Empty(t, store.params)
}

func TestCreateSuggestionIfNewRaceDuplicate(t *testing.T) {
	store := &memStore{raceOnInsert: true}
	notifier := &fakeNotifier{}
	mgr, _ := newManager(store, nil, notifier)

	got, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 9))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaceDuplicate, got)
	assert.Empty(t, notifier.events)
}

func TestCreateSuggestionIfNewStoreErrors(t *testing.T) {
	t.Run("dedup lookup", func(t *testing.T) {
		mgr, _ := newManager(&memStore{findErr: errors.New("connection reset")}, nil, nil)
		_, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 9))
		require.Error(t, err)
	})
	t.Run("insert", func(t *testing.T) {
		mgr, _ := newManager(&memStore{insertErr: errors.New("disk full")}, nil, nil)
		_, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 9))
		require.Error(t, err)
	})
}

func TestCreateSuggestionIfNewNotifyFailureStillCreates(t *testing.T) {
	store := &memStore{}
	mgr, _ := newManager(store, nil, &fakeNotifier{err: errors.New("outbox down")})

	got, err := mgr.CreateSuggestionIfNew(context.Background(), leadCandidate(uuid.New(), 9))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, got)
	assert.Len(t, store.params, 1)
}

func TestExpireStale(t *testing.T) {
	tenantID := uuid.New()
	store := &memStore{rows: []domain.Suggestion{
		{ID: uuid.New(), TenantID: tenantID, Status: domain.SuggestionPending, ExpiresAt: fixedNow.Add(-time.Hour)},
		{ID: uuid.New(), TenantID: tenantID, Status: domain.SuggestionPending, ExpiresAt: fixedNow.Add(time.Hour)},
		{ID: uuid.New(), TenantID: tenantID, Status: domain.SuggestionAccepted, ExpiresAt: fixedNow.Add(-time.Hour)},
	}}
	mgr, m := newManager(store, nil, nil)

	n, err := mgr.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, domain.SuggestionExpired, store.rows[0].Status)
	assert.Equal(t, domain.SuggestionPending, store.rows[1].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuggestionsExpired))
}

type scriptedLLM struct {
	reply string
	err   error
	req   *model.LLMRequest
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) GenerateContent(_ context.Context, req *model.LLMRequest, _ bool) iter.Seq2[*model.LLMResponse, error] {
	s.req = req
	return func(yield func(*model.LLMResponse, error) bool) {
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		yield(&model.LLMResponse{Content: genai.NewContentFromText(s.reply, genai.RoleModel)}, nil)
	}
}

func TestLLMProposer(t *testing.T) {
	t.Run("parses fenced json", func(t *testing.T) {
		llm := &scriptedLLM{reply: "```json\n{\"proposed_actions\":[{\"type\":\"create_task\",\"confidence\":0.6,\"reason\":\"stale\"}],\"summary\":\"follow up\"}\n```"}
		resp, err := NewLLMProposer(llm).ProposeActions(context.Background(), ProposalRequest{TenantID: uuid.New()})
		require.NoError(t, err)
		require.Len(t, resp.ProposedActions, 1)
		assert.Equal(t, "create_task", resp.ProposedActions[0].Type)
		assert.Equal(t, "follow up", resp.Summary)

		require.NotNil(t, llm.req)
		assert.Equal(t, "application/json", llm.req.Config.ResponseMIMEType)
		assert.Equal(t, "scripted", llm.req.Model)
	})
	t.Run("empty reply", func(t *testing.T) {
		_, err := NewLLMProposer(&scriptedLLM{reply: "  "}).ProposeActions(context.Background(), ProposalRequest{})
		assert.ErrorIs(t, err, errEmptyProposal)
	})
	t.Run("invalid json", func(t *testing.T) {
		_, err := NewLLMProposer(&scriptedLLM{reply: "sure, here you go"}).ProposeActions(context.Background(), ProposalRequest{})
		assert.Error(t, err)
	})
	t.Run("model error", func(t *testing.T) {
		_, err := NewLLMProposer(&scriptedLLM{err: errors.New("quota")}).ProposeActions(context.Background(), ProposalRequest{})
		assert.Error(t, err)
	})
}
