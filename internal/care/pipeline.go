// Package care runs the C.A.R.E. sequence for one detected trigger. Every
// step is audited; applied transitions are gated and escalations notify the
// tenant's workflow endpoint.
package care

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal_care_backend/internal/care/audit"
	"portal_care_backend/internal/care/escalation"
	"portal_care_backend/internal/care/repository"
	"portal_care_backend/internal/care/signals"
	"portal_care_backend/internal/care/state"
	"portal_care_backend/internal/care/workflow"
	"portal_care_backend/internal/events"
	"portal_care_backend/internal/triggers/domain"
	triggerrepo "portal_care_backend/internal/triggers/repository"
	"portal_care_backend/platform/apperr"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	historyEventTransition = "state_transition"
	actorCare              = "care_engine"
	reasonActionsDisabled  = "autonomous actions are disabled; state handling only"
)

// DefaultMeaningfulStates are the target states that make a proposal an
// action candidate regardless of deal value.
var DefaultMeaningfulStates = []string{"evaluating", "committed", "at_risk"}

// StateStore reads and writes relationship state.
type StateStore interface {
	GetOrCreate(ctx context.Context, key repository.EntityKey, initialState string) (repository.CareState, error)
	ApplyTransition(ctx context.Context, p repository.ApplyTransitionParams) error
	TouchSignal(ctx context.Context, key repository.EntityKey, escalated bool, at time.Time) error
}

// LinkResolver maps an opportunity to its relationship entities.
type LinkResolver interface {
	GetOpportunityLinks(ctx context.Context, tenantID, opportunityID uuid.UUID) (triggerrepo.OpportunityLinks, error)
}

// AutonomyGate is the policy gate.
type AutonomyGate interface {
	IsCareAutonomyEnabled(ctx context.Context, tenantID uuid.UUID) bool
}

// AuditEmitter emits validated audit events.
type AuditEmitter interface {
	Emit(ctx context.Context, ev audit.Event) (audit.Event, error)
}

// ConfigSource resolves per-tenant delivery config.
type ConfigSource interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (workflow.TenantConfig, error)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Engine     *state.Engine
	Store      StateStore
	Links      LinkResolver
	Gate       AutonomyGate
	Audit      AuditEmitter
	Configs    ConfigSource
	Dispatcher workflow.Dispatcher
	Events     events.Bus // optional
	Log        *logger.Logger
	Metrics    *metrics.Metrics
}

// Options tune the pipeline.
type Options struct {
	AppBaseURL       string
	MeaningfulStates []string
}

// Pipeline runs the per-record sequence.
type Pipeline struct {
	deps       Deps
	appBaseURL string
	meaningful map[string]bool
	now        func() time.Time
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	states := opts.MeaningfulStates
	if len(states) == 0 {
		states = DefaultMeaningfulStates
	}
	meaningful := make(map[string]bool, len(states))
	for _, s := range states {
		meaningful[s] = true
	}
	return &Pipeline{
		deps:       deps,
		appBaseURL: opts.AppBaseURL,
		meaningful: meaningful,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome reports what Process did for one candidate.
type Outcome struct {
	Entity          repository.EntityKey
	Unresolved      bool
	PreviousState   string
	Proposal        *state.Proposal
	Autonomous      bool
	Applied         bool
	Escalation      escalation.Result
	Dispatched      bool
	ActionCandidate bool
}

// Process runs the full sequence for c. A returned error means the record's
// sequence was aborted: either the state read failed or an audit event was
// rejected. Webhook and persistence failures are logged and do not abort.
func (p *Pipeline) Process(ctx context.Context, c domain.Candidate) (Outcome, error) {
	log := p.deps.Log.WithTenant(c.TenantID.String())

	key, ok, err := p.resolveEntity(ctx, c)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve relationship entity: %w", err)
	}
	if !ok {
		log.Info("care entity unresolved, skipping",
			"record_type", c.RecordType,
			"record_id", c.RecordID,
			"trigger_id", c.TriggerID(),
		)
		return Outcome{Unresolved: true}, nil
	}
	out := Outcome{Entity: key}

	current, err := p.deps.Store.GetOrCreate(ctx, key, p.deps.Engine.InitialState())
	if err != nil {
		return out, err
	}
	out.PreviousState = current.State

	sig := signals.FromTrigger(c.Context, c.RecordType, c.RecordID)
	esc := escalation.Detect(signals.EscalationInput(c.Context, audit.OriginCareAutonomous))
	sig = sig.WithEscalation(esc)
	out.Escalation = esc

	proposal := p.deps.Engine.ProposeTransition(state.Input{
		CurrentState: current.State,
		Signals:      sig,
		ActionOrigin: audit.OriginCareAutonomous,
	})
	out.Proposal = proposal

	cfg, cfgErr := p.deps.Configs.Resolve(ctx, c.TenantID)
	if cfgErr != nil {
		log.Warn("care tenant config unavailable, using defaults", "error", cfgErr)
	}

	autonomous := p.deps.Gate.IsCareAutonomyEnabled(ctx, c.TenantID)
	out.Autonomous = autonomous
	gateResult := audit.GateBlocked
	if autonomous {
		gateResult = audit.GateAllowed
	}

	base := p.baseMeta(c, sig)

	if proposal != nil {
		p.observeProposal(proposal.ToState, gateResult)
		if err := p.emit(ctx, key, audit.EventStateProposed, proposal.Reason, gateResult, withMeta(base, map[string]any{
			"from_state":  proposal.FromState,
			"to_state":    proposal.ToState,
			"rule":        proposal.Rule,
			"shadow_mode": !autonomous,
		})); err != nil {
			return out, err
		}
	}

	escalationStatus := current.EscalationStatus
	if esc.Escalate {
		escalationStatus = repository.EscalationOpen
	}
	if escalationStatus == "" {
		escalationStatus = repository.EscalationNone
	}

	if proposal != nil && autonomous {
		applyErr := p.deps.Store.ApplyTransition(ctx, repository.ApplyTransitionParams{
			Key:              key,
			FromState:        proposal.FromState,
			ToState:          proposal.ToState,
			EscalationStatus: escalationStatus,
			SignalAt:         p.now(),
			EventType:        historyEventTransition,
			Reason:           proposal.Reason,
			ActorType:        actorCare,
			Meta:             withMeta(base, map[string]any{"rule": proposal.Rule}),
		})
		switch {
		case applyErr == nil:
			out.Applied = true
		case apperr.Is(applyErr, apperr.KindConflict):
			log.Info("care transition lost race, not applied", "entity_id", key.EntityID, "error", applyErr)
		default:
			log.Error("care transition persist failed", "entity_id", key.EntityID, "error", applyErr)
		}
		if out.Applied {
			if err := p.emit(ctx, key, audit.EventStateApplied, proposal.Reason, audit.GateAllowed, withMeta(base, map[string]any{
				"from_state": proposal.FromState,
				"to_state":   proposal.ToState,
				"rule":       proposal.Rule,
			})); err != nil {
				return out, err
			}
			p.publishChange(ctx, key, proposal, esc.Escalate)
		}
	}

	if autonomous && !out.Applied {
		if err := p.deps.Store.TouchSignal(ctx, key, esc.Escalate, p.now()); err != nil {
			log.Warn("care signal touch failed", "entity_id", key.EntityID, "error", err)
		}
	}

	if esc.Escalate {
		if p.deps.Metrics != nil {
			p.deps.Metrics.CareEscalations.WithLabelValues(string(esc.Confidence)).Inc()
		}
		if err := p.emit(ctx, key, audit.EventEscalationDetected, escalationReason(esc), audit.GateEscalated, withMeta(base, map[string]any{
			"reasons":    reasonStrings(esc.Reasons),
			"confidence": string(esc.Confidence),
			"matches":    esc.Meta.Matches,
		})); err != nil {
			return out, err
		}
	}

	effective := current.State
	if out.Applied {
		effective = proposal.ToState
	}
	event := p.buildEvent(c, key, current.State, effective, out, gateResult, escalationStatus, sig)
	if p.deps.Dispatcher != nil {
		if err := p.deps.Dispatcher.Dispatch(ctx, workflow.Delivery{TenantID: c.TenantID, Event: event}); err != nil {
			log.Warn("care workflow dispatch failed", "entity_id", key.EntityID, "event_id", event.EventID, "error", err)
		} else {
			out.Dispatched = true
		}
	}

	if proposal != nil && p.qualifies(proposal, c, cfg) {
		out.ActionCandidate = true
		if err := p.emit(ctx, key, audit.EventActionCandidate, proposal.Reason, gateResult, withMeta(base, map[string]any{
			"to_state":           proposal.ToState,
			"action_value_floor": cfg.ActionValueFloor,
		})); err != nil {
			return out, err
		}
	}

	if err := p.emit(ctx, key, audit.EventActionSkipped, reasonActionsDisabled, audit.GateBlocked, base); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Pipeline) qualifies(proposal *state.Proposal, c domain.Candidate, cfg workflow.TenantConfig) bool {
	if p.meaningful[proposal.ToState] {
		return true
	}
	value, ok := c.DealValue()
	return ok && cfg.ActionValueFloor > 0 && value >= cfg.ActionValueFloor
}

func (p *Pipeline) emit(ctx context.Context, key repository.EntityKey, eventType, reason, gate string, meta map[string]any) error {
	_, err := p.deps.Audit.Emit(ctx, audit.Event{
		TenantID:         key.TenantID.String(),
		EntityType:       key.EntityType,
		EntityID:         key.EntityID.String(),
		EventType:        eventType,
		ActionOrigin:     audit.OriginCareAutonomous,
		Reason:           reason,
		PolicyGateResult: gate,
		Meta:             meta,
	})
	if err != nil {
		return fmt.Errorf("emit %s audit: %w", eventType, err)
	}
	return nil
}

func (p *Pipeline) publishChange(ctx context.Context, key repository.EntityKey, proposal *state.Proposal, escalated bool) {
	if p.deps.Events == nil {
		return
	}
	p.deps.Events.Publish(ctx, events.CareStateChanged{
		BaseEvent:  events.NewBaseEvent(),
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		FromState:  proposal.FromState,
		ToState:    proposal.ToState,
		Reason:     proposal.Reason,
		Escalated:  escalated,
	})
}

func (p *Pipeline) observeProposal(toState, gate string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.CareProposals.WithLabelValues(toState, gate).Inc()
	}
}

func (p *Pipeline) baseMeta(c domain.Candidate, sig signals.Signals) map[string]any {
	return map[string]any{
		"trigger_type":       string(c.TriggerID()),
		"signal_entity_type": string(c.RecordType),
		"signal_entity_id":   c.RecordID.String(),
		"signals":            signalMap(sig),
	}
}

func (p *Pipeline) buildEvent(c domain.Candidate, key repository.EntityKey, previous, effective string, out Outcome, gate, escalationStatus string, sig signals.Signals) workflow.CareEvent {
	eventType := workflow.TypeTriggerDetected
	reason := fmt.Sprintf("%s detected", c.TriggerID())
	if out.Proposal != nil {
		reason = out.Proposal.Reason
	}
	if out.Escalation.Escalate {
		eventType = workflow.TypeEscalationDetected
		gate = audit.GateEscalated
		reason = escalationReason(out.Escalation)
	}

	var prev *string
	if out.Applied {
		prev = &previous
	}
	var proposed *string
	if out.Proposal != nil {
		to := out.Proposal.ToState
		proposed = &to
	}

	return workflow.CareEvent{
		EventID:            uuid.NewString(),
		Type:               eventType,
		TS:                 p.now(),
		TenantID:           c.TenantID.String(),
		EntityID:           key.EntityID.String(),
		EntityType:         key.EntityType,
		SignalEntityID:     c.RecordID.String(),
		SignalEntityType:   string(c.RecordType),
		TriggerType:        string(c.TriggerID()),
		ActionOrigin:       audit.OriginCareAutonomous,
		PolicyGateResult:   gate,
		Reason:             reason,
		CareState:          effective,
		PreviousState:      prev,
		EscalationDetected: out.Escalation.Escalate,
		EscalationStatus:   escalationStatus,
		DeepLink:           workflow.DeepLink(p.appBaseURL, key.EntityType, key.EntityID.String()),
		Intent:             intentFor(c.TriggerID(), out.Escalation.Escalate),
		Meta: workflow.EventMeta{
			EscalationReasons:    reasonStrings(out.Escalation.Reasons),
			EscalationConfidence: string(out.Escalation.Confidence),
			ProposedState:        proposed,
			ShadowMode:           !out.Autonomous,
			Signals:              signalMap(sig),
		},
	}
}

// resolveEntity maps the signal record onto the durable relationship entity
// that owns C.A.R.E. state.
func (p *Pipeline) resolveEntity(ctx context.Context, c domain.Candidate) (repository.EntityKey, bool, error) {
	key := func(rt domain.RecordType, id uuid.UUID) repository.EntityKey {
		return repository.EntityKey{TenantID: c.TenantID, EntityType: string(rt), EntityID: id}
	}

	if c.RecordType.IsRelationshipEntity() {
		return key(c.RecordType, c.RecordID), true, nil
	}

	switch tc := c.Context.(type) {
	case domain.DealDecayContext:
		if rt, id, ok := pickLinks(tc.AccountID, tc.LeadID, tc.ContactID); ok {
			return key(rt, id), true, nil
		}
		return p.fromOpportunity(ctx, c.TenantID, c.RecordID, key)
	case domain.OpportunityHotContext:
		if rt, id, ok := pickLinks(tc.AccountID, tc.LeadID, tc.ContactID); ok {
			return key(rt, id), true, nil
		}
		return p.fromOpportunity(ctx, c.TenantID, c.RecordID, key)
	case domain.ActivityOverdueContext:
		if tc.RelatedID == nil {
			return repository.EntityKey{}, false, nil
		}
		if tc.RelatedTo.IsRelationshipEntity() {
			return key(tc.RelatedTo, *tc.RelatedID), true, nil
		}
		if tc.RelatedTo == domain.RecordOpportunity {
			return p.fromOpportunity(ctx, c.TenantID, *tc.RelatedID, key)
		}
	}
	return repository.EntityKey{}, false, nil
}

func (p *Pipeline) fromOpportunity(ctx context.Context, tenantID, oppID uuid.UUID, key func(domain.RecordType, uuid.UUID) repository.EntityKey) (repository.EntityKey, bool, error) {
	if p.deps.Links == nil {
		return repository.EntityKey{}, false, nil
	}
	links, err := p.deps.Links.GetOpportunityLinks(ctx, tenantID, oppID)
	if errors.Is(err, triggerrepo.ErrNotFound) {
		return repository.EntityKey{}, false, nil
	}
	if err != nil {
		return repository.EntityKey{}, false, err
	}
	rt, id, ok := pickLinks(links.AccountID, links.LeadID, links.ContactID)
	if !ok {
		return repository.EntityKey{}, false, nil
	}
	return key(rt, id), true, nil
}

// pickLinks prefers account, then lead, then contact.
func pickLinks(account, lead, contact *uuid.UUID) (domain.RecordType, uuid.UUID, bool) {
	switch {
	case account != nil && *account != uuid.Nil:
		return domain.RecordAccount, *account, true
	case lead != nil && *lead != uuid.Nil:
		return domain.RecordLead, *lead, true
	case contact != nil && *contact != uuid.Nil:
		return domain.RecordContact, *contact, true
	}
	return "", uuid.Nil, false
}

func intentFor(trigger domain.TriggerID, escalated bool) string {
	if escalated {
		return "human_review"
	}
	switch trigger {
	case domain.TriggerLeadStagnant:
		return "re_engage"
	case domain.TriggerDealDecay:
		return "revive_deal"
	case domain.TriggerActivityOverdue:
		return "complete_follow_up"
	case domain.TriggerOpportunityHot:
		return "close_deal"
	}
	return "review"
}

func escalationReason(res escalation.Result) string {
	return "escalation: " + strings.Join(reasonStrings(res.Reasons), ",")
}

func reasonStrings(reasons []escalation.Reason) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, string(r))
	}
	return out
}

func signalMap(sig signals.Signals) map[string]any {
	m := make(map[string]any, len(sig.Numbers)+len(sig.Flags))
	for k, v := range sig.Numbers {
		m[k] = v
	}
	for k, v := range sig.Flags {
		m[k] = v
	}
	return m
}

func withMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
