// Package audit validates and emits C.A.R.E. audit events.
//
// Emission is synchronous. An invalid event is never written anywhere: Emit
// returns a validation error and EmitBatch rejects the whole batch.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"portal_care_backend/platform/apperr"
	"portal_care_backend/platform/logger"
	"portal_care_backend/platform/metrics"
	"portal_care_backend/platform/validator"

	playground "github.com/go-playground/validator/v10"
)

const (
	opEmit      = "care.audit.emit"
	opEmitBatch = "care.audit.emit_batch"
)

// Event types written by the pipeline.
const (
	EventStateProposed      = "state_proposed"
	EventStateApplied       = "state_applied"
	EventEscalationDetected = "escalation_detected"
	EventActionCandidate    = "action_candidate"
	EventActionSkipped      = "action_skipped"
)

// Action origins.
const (
	OriginUserDirected   = "user_directed"
	OriginCareAutonomous = "care_autonomous"
)

// Policy gate results.
const (
	GateAllowed   = "allowed"
	GateBlocked   = "blocked"
	GateEscalated = "escalated"
)

// Event is one audit record.
type Event struct {
	TS               time.Time      `json:"ts"`
	TenantID         string         `json:"tenant_id" validate:"required"`
	EntityType       string         `json:"entity_type" validate:"required"`
	EntityID         string         `json:"entity_id" validate:"required"`
	EventType        string         `json:"event_type" validate:"required"`
	ActionOrigin     string         `json:"action_origin" validate:"required,oneof=user_directed care_autonomous"`
	Reason           string         `json:"reason" validate:"notblank"`
	PolicyGateResult string         `json:"policy_gate_result" validate:"required,oneof=allowed blocked escalated"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// Sink receives validated events in emission order.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Emitter validates events and fans them out to sinks.
type Emitter struct {
	val     *validator.Validator
	sinks   []Sink
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds an emitter. Sink write failures are logged and do not fail
// the emission.
func New(log *logger.Logger, m *metrics.Metrics, sinks ...Sink) *Emitter {
	val := validator.New()
	// RegisterValidation only fails on an empty tag.
	_ = val.RegisterValidation("notblank", func(fl playground.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return &Emitter{
		val:     val,
		sinks:   sinks,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit validates ev, stamps ts when unset, and writes it.
func (e *Emitter) Emit(ctx context.Context, ev Event) (Event, error) {
	ev, err := e.prepare(ev)
	if err != nil {
		return Event{}, apperr.Validation(err.Error()).WithOp(opEmit).WithDetails(validator.Messages(err))
	}
	e.write(ctx, []Event{ev})
	return ev, nil
}

// EmitBatch validates every event first; one invalid event rejects the batch.
func (e *Emitter) EmitBatch(ctx context.Context, events []Event) ([]Event, error) {
	prepared := make([]Event, 0, len(events))
	for i, ev := range events {
		p, err := e.prepare(ev)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("event %d: %v", i, err)).WithOp(opEmitBatch).WithDetails(validator.Messages(err))
		}
		prepared = append(prepared, p)
	}
	if len(prepared) > 0 {
		e.write(ctx, prepared)
	}
	return prepared, nil
}

func (e *Emitter) prepare(ev Event) (Event, error) {
	if err := e.val.Struct(ev); err != nil {
		return Event{}, fmt.Errorf("invalid audit event: %s", strings.Join(validator.Messages(err), "; "))
	}
	if ev.TS.IsZero() {
		ev.TS = e.now()
	}
	return ev, nil
}

func (e *Emitter) write(ctx context.Context, events []Event) {
	for _, s := range e.sinks {
		if err := s.Write(ctx, events); err != nil {
			e.log.Error("audit sink write failed",
				"sink", fmt.Sprintf("%T", s),
				"events", len(events),
				"error", err,
			)
		}
	}
	if e.metrics != nil {
		for _, ev := range events {
			e.metrics.AuditEventsEmitted.WithLabelValues(ev.EventType).Inc()
		}
	}
}
