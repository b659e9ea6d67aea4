// Package workflow delivers normalized C.A.R.E. events to the workflow
// endpoint each tenant configures.
package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Wire event types.
const (
	TypeTriggerDetected    = "care.trigger_detected"
	TypeEscalationDetected = "care.escalation_detected"
)

// CareEvent is the payload posted to workflow endpoints. Entity fields name
// the relationship entity; signal fields name the record that fired.
type CareEvent struct {
	EventID            string    `json:"event_id"`
	Type               string    `json:"type"`
	TS                 time.Time `json:"ts"`
	TenantID           string    `json:"tenant_id"`
	EntityID           string    `json:"entity_id"`
	EntityType         string    `json:"entity_type"`
	SignalEntityID     string    `json:"signal_entity_id"`
	SignalEntityType   string    `json:"signal_entity_type"`
	TriggerType        string    `json:"trigger_type"`
	ActionOrigin       string    `json:"action_origin"`
	PolicyGateResult   string    `json:"policy_gate_result"`
	Reason             string    `json:"reason"`
	CareState          string    `json:"care_state"`
	PreviousState      *string   `json:"previous_state"`
	EscalationDetected bool      `json:"escalation_detected"`
	EscalationStatus   string    `json:"escalation_status"`
	DeepLink           string    `json:"deep_link,omitempty"`
	Intent             string    `json:"intent"`
	Meta               EventMeta `json:"meta"`
}

// EventMeta carries classifier and engine detail.
type EventMeta struct {
	EscalationReasons    []string       `json:"escalation_reasons"`
	EscalationConfidence string         `json:"escalation_confidence,omitempty"`
	ProposedState        *string        `json:"proposed_state"`
	ShadowMode           bool           `json:"shadow_mode"`
	Signals              map[string]any `json:"signals,omitempty"`
}

// DeepLink builds the app URL for an entity. It returns "" without a base.
func DeepLink(baseURL, entityType, entityID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/%ss/%s", base, entityType, entityID)
}

//go:embed care_event.schema.json
var careEventSchema []byte

const careEventSchemaURL = "https://schemas.portal.local/care/care_event.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(careEventSchemaURL, bytes.NewReader(careEventSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(careEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// Validate checks the event against the wire schema.
func (e CareEvent) Validate() error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal care event: %w", err)
	}
	return ValidatePayload(raw)
}

// ValidatePayload checks raw JSON against the wire schema.
func ValidatePayload(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode care event: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("care event schema: %w", err)
	}
	return nil
}
