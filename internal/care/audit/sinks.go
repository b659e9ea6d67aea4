package audit

import (
	"context"
	"fmt"
	"sync"

	"portal_care_backend/internal/care/repository"
	"portal_care_backend/platform/logger"

	"github.com/google/uuid"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.log.Info("care_audit",
			"ts", ev.TS,
			"tenant_id", ev.TenantID,
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"event_type", ev.EventType,
			"action_origin", ev.ActionOrigin,
			"reason", ev.Reason,
			"policy_gate_result", ev.PolicyGateResult,
			"meta", ev.Meta,
		)
	}
	return nil
}

// Store persists audit records.
type Store interface {
	InsertAuditEvents(ctx context.Context, records []repository.AuditRecord) error
}

// StoreSink persists events for later ingestion.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, events []Event) error {
	records := make([]repository.AuditRecord, 0, len(events))
	for _, ev := range events {
		tenantID, err := uuid.Parse(ev.TenantID)
		if err != nil {
			return fmt.Errorf("audit tenant_id %q: %w", ev.TenantID, err)
		}
		records = append(records, repository.AuditRecord{
			TS:               ev.TS,
			TenantID:         tenantID,
			EntityType:       ev.EntityType,
			EntityID:         ev.EntityID,
			EventType:        ev.EventType,
			ActionOrigin:     ev.ActionOrigin,
			Reason:           ev.Reason,
			PolicyGateResult: ev.PolicyGateResult,
			Meta:             ev.Meta,
		})
	}
	return s.store.InsertAuditEvents(ctx, records)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the event types written so far, in order.
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}
