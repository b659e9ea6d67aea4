package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders suggestions for the reviewer.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SuggestionStatus is the review state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionExpired  SuggestionStatus = "expired"
)

// Action is the structured tool call a reviewer can accept.
type Action struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// SuggestionSource records which generator produced a suggestion.
type SuggestionSource string

const (
	SourceLLM      SuggestionSource = "llm"
	SourceTemplate SuggestionSource = "template"
)

// Suggestion is a human-reviewable proposal tied to one trigger occurrence.
type Suggestion struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	TriggerID  TriggerID
	RecordType RecordType
	RecordID   uuid.UUID
	Action     Action
	Confidence float64
	Reasoning  string
	Priority   Priority
	Status     SuggestionStatus
	Source     SuggestionSource
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Draft is a generated but not yet persisted suggestion body.
type Draft struct {
	Action     Action
	Confidence float64
	Reasoning  string
	Priority   Priority
	Source     SuggestionSource
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
