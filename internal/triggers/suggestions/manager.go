// Package suggestions owns the suggestion lifecycle: dedup against active
// suggestions, generate a proposal, persist it once, notify the tenant and
// expire what nobody reviewed.
package suggestions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal_care_backend/internal/triggers/domain"
	"portal_care_backend/internal/triggers/repository"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
)

// EventSuggestionGenerated is published after a suggestion is stored.
const EventSuggestionGenerated = "ai.suggestion.generated"

// Outcome is how CreateSuggestionIfNew resolved.
type Outcome string

const (
	OutcomeCreated             Outcome = "created"
	OutcomeDuplicateSuppressed Outcome = "duplicate_suppressed"
	OutcomeGenerationFailed    Outcome = "generation_failed"
	OutcomeRaceDuplicate       Outcome = "race_duplicate"
)

// Store is the suggestion persistence the manager needs.
type Store interface {
	FindActiveSuggestion(ctx context.Context, tenantID uuid.UUID, triggerID domain.TriggerID, recordID uuid.UUID, rejectedSince time.Time) (domain.Suggestion, error)
	InsertSuggestion(ctx context.Context, p repository.InsertSuggestionParams) (repository.InsertResult, error)
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// Notifier publishes tenant-scoped events.
type Notifier interface {
	EmitTenantWebhooks(ctx context.Context, tenantID uuid.UUID, event string, payload any) error
}

// Options tune the manager.
type Options struct {
	Cooldown   time.Duration
	TTL        time.Duration
	LLMTimeout time.Duration
}

// Manager runs the suggestion lifecycle.
type Manager struct {
	store    Store
	proposer Proposer
	notifier Notifier
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	template func(domain.Candidate) (domain.Draft, error)
}

// NewManager builds a manager. proposer and notifier may be nil.
func NewManager(store Store, proposer Proposer, notifier Notifier, opts Options, log *logger.Logger, m *metrics.Metrics) *Manager {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 7 * 24 * time.Hour
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 20 * time.Second
	}
	return &Manager{
		store:    store,
		proposer: proposer,
		notifier: notifier,
		opts:     opts,
		log:      log,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		template: Template,
	}
}

// CreateSuggestionIfNew stores at most one suggestion for the candidate. A
// non-nil error means a data-store failure; every other path resolves to an
// Outcome.
func (m *Manager) CreateSuggestionIfNew(ctx context.Context, c domain.Candidate) (Outcome, error) {
	now := m.now()
	log := m.log.WithTenant(c.TenantID.String())

	_, err := m.store.FindActiveSuggestion(ctx, c.TenantID, c.TriggerID(), c.RecordID, now.Add(-m.opts.Cooldown))
	switch {
	case err == nil:
		return m.done(log, c, OutcomeDuplicateSuppressed), nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", fmt.Errorf("dedup check: %w", err)
	}

	draft, ok := m.generate(ctx, c)
	if !ok {
		return m.done(log, c, OutcomeGenerationFailed), nil
	}

	res, err := m.store.InsertSuggestion(ctx, repository.InsertSuggestionParams{
		TenantID:       c.TenantID,
		TriggerID:      c.TriggerID(),
		RecordType:     c.RecordType,
		RecordID:       c.RecordID,
		Action:         draft.Action,
		Confidence:     draft.Confidence,
		Reasoning:      draft.Reasoning,
		Priority:       draft.Priority,
		Source:         draft.Source,
		TriggerContext: c.Context,
		ExpiresAt:      now.Add(m.opts.TTL),
	})
	if err != nil {
		return "", fmt.Errorf("insert suggestion: %w", err)
	}
	if res.Outcome == repository.InsertDuplicate {
		return m.done(log, c, OutcomeRaceDuplicate), nil
	}

	m.notify(ctx, log, c, res.ID, draft)
	return m.done(log, c, OutcomeCreated), nil
}

// ExpireStale moves overdue pending suggestions to expired.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	n, err := m.store.ExpirePending(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if m.metrics != nil {
		m.metrics.SuggestionsExpired.Add(float64(n))
	}
	return n, nil
}

// generate tries the model first and falls back to the template.
func (m *Manager) generate(ctx context.Context, c domain.Candidate) (domain.Draft, bool) {
	if m.proposer != nil {
		draft, err := m.fromModel(ctx, c)
		if err == nil {
			return draft, true
		}
		m.log.Warn("llm suggestion failed, using template",
			"tenant_id", c.TenantID,
			"trigger_id", c.TriggerID(),
			"record_id", c.RecordID,
			"error", err,
		)
	}

	draft, err := m.template(c)
	if err != nil {
		m.log.Error("suggestion template failed",
			"tenant_id", c.TenantID,
			"trigger_id", c.TriggerID(),
			"record_id", c.RecordID,
			"error", err,
		)
		return domain.Draft{}, false
	}
	return draft, true
}

func (m *Manager) fromModel(ctx context.Context, c domain.Candidate) (domain.Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LLMTimeout)
	defer cancel()

	fallback, tmplErr := m.template(c)

	resp, err := m.proposer.ProposeActions(ctx, ProposalRequest{
		TenantID: c.TenantID,
		TaskType: string(c.TriggerID()),
		Mode:     ModeProposeActions,
		Context: map[string]any{
			"trigger_id":  c.TriggerID(),
			"record_type": c.RecordType,
			"record_id":   c.RecordID,
			"details":     c.Context,
		},
	})
	if err != nil {
		return domain.Draft{}, err
	}
	for _, a := range resp.ProposedActions {
		if a.Type == "" {
			continue
		}
		reason := a.Reason
		if reason == "" {
			reason = resp.Summary
		}
		if reason == "" && tmplErr == nil {
			reason = fallback.Reasoning
		}
		priority := domain.PriorityNormal
		if tmplErr == nil {
			priority = fallback.Priority
		}
		args := a.Payload
		if args == nil {
			args = map[string]any{}
		}
		return domain.Draft{
			Action:     domain.Action{ToolName: a.Type, ToolArgs: args},
			Confidence: domain.ClampConfidence(a.Confidence),
			Reasoning:  reason,
			Priority:   priority,
			Source:     domain.SourceLLM,
		}, nil
	}
	return domain.Draft{}, errEmptyProposal
}

func (m *Manager) notify(ctx context.Context, log *logger.Logger, c domain.Candidate, id uuid.UUID, draft domain.Draft) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.EmitTenantWebhooks(ctx, c.TenantID, EventSuggestionGenerated, map[string]any{
		"suggestion_id": id.String(),
		"trigger_id":    string(c.TriggerID()),
		"record_type":   string(c.RecordType),
		"record_id":     c.RecordID.String(),
		"action":        draft.Action,
		"confidence":    draft.Confidence,
		"priority":      string(draft.Priority),
		"reasoning":     draft.Reasoning,
		"source":        string(draft.Source),
	})
	if err != nil {
		log.Warn("suggestion notification failed", "suggestion_id", id, "error", err)
	}
}

func (m *Manager) done(log *logger.Logger, c domain.Candidate, o Outcome) Outcome {
	log.TriggerOutcome(string(c.TriggerID()), c.RecordID.String(), string(o))
	if m.metrics != nil {
		m.metrics.SuggestionOutcomes.WithLabelValues(string(c.TriggerID()), string(o)).Inc()
	}
	return o
}
