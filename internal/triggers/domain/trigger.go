// Package domain holds the trigger pipeline's core types: trigger identifiers,
// the per-trigger context variants and the suggestion model.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerID names a detected business condition.
type TriggerID string

const (
	TriggerLeadStagnant    TriggerID = "lead_stagnant"
	TriggerDealDecay       TriggerID = "deal_decay"
	TriggerActivityOverdue TriggerID = "activity_overdue"
	TriggerOpportunityHot  TriggerID = "opportunity_hot"
)

// AllTriggers lists every trigger in detection order.
var AllTriggers = []TriggerID{
	TriggerLeadStagnant,
	TriggerDealDecay,
	TriggerActivityOverdue,
	TriggerOpportunityHot,
}

// RecordType names a CRM entity type.
type RecordType string

const (
	RecordLead        RecordType = "lead"
	RecordContact     RecordType = "contact"
	RecordAccount     RecordType = "account"
	RecordOpportunity RecordType = "opportunity"
	RecordActivity    RecordType = "activity"
)

// IsRelationshipEntity reports whether C.A.R.E. state may be keyed on t.
// Opportunities and activities are signal records only.
func (t RecordType) IsRelationshipEntity() bool {
	switch t {
	case RecordLead, RecordContact, RecordAccount:
		return true
	default:
		return false
	}
}

// ParseRecordType maps a loosely typed column value onto a RecordType.
func ParseRecordType(v string) (RecordType, bool) {
	switch RecordType(v) {
	case RecordLead, RecordContact, RecordAccount, RecordOpportunity, RecordActivity:
		return RecordType(v), true
	}
	return "", false
}

// Sentiment is an optional sentiment reading attached to a record.
type Sentiment struct {
	Label string   `json:"label,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// TriggerContext is the tagged union of per-trigger context payloads.
// Each variant carries only the fields its trigger produces.
type TriggerContext interface {
	TriggerID() TriggerID
	isTriggerContext()
}

// LeadStagnantContext describes a lead nobody has touched for a while.
type LeadStagnantContext struct {
	LeadName      string     `json:"lead_name"`
	Company       string     `json:"company,omitempty"`
	Status        string     `json:"status"`
	LastTouchedAt time.Time  `json:"last_touched_at"`
	DaysStagnant  int        `json:"days_stagnant"`
	AssignedTo    *uuid.UUID `json:"assigned_to,omitempty"`
	LastNote      string     `json:"last_note,omitempty"`
	Sentiment     *Sentiment `json:"sentiment,omitempty"`
}

func (LeadStagnantContext) TriggerID() TriggerID { return TriggerLeadStagnant }
func (LeadStagnantContext) isTriggerContext()    {}

// DealDecayContext describes an open opportunity without recent activity.
type DealDecayContext struct {
	OpportunityName string     `json:"opportunity_name"`
	Stage           string     `json:"stage"`
	Amount          float64    `json:"amount"`
	Probability     int        `json:"probability"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	DaysInactive    int        `json:"days_inactive"`
	AccountID       *uuid.UUID `json:"account_id,omitempty"`
	LeadID          *uuid.UUID `json:"lead_id,omitempty"`
	ContactID       *uuid.UUID `json:"contact_id,omitempty"`
	AssignedTo      *uuid.UUID `json:"assigned_to,omitempty"`
}

func (DealDecayContext) TriggerID() TriggerID { return TriggerDealDecay }
func (DealDecayContext) isTriggerContext()    {}

// ActivityOverdueContext describes an open task past its due date.
type ActivityOverdueContext struct {
	Subject      string     `json:"subject"`
	ActivityType string     `json:"activity_type"`
	Description  string     `json:"description,omitempty"`
	DueDate      time.Time  `json:"due_date"`
	DaysOverdue  int        `json:"days_overdue"`
	RelatedTo    RecordType `json:"related_to,omitempty"`
	RelatedID    *uuid.UUID `json:"related_id,omitempty"`
	AssignedTo   *uuid.UUID `json:"assigned_to,omitempty"`
	Sentiment    *Sentiment `json:"sentiment,omitempty"`
}

func (ActivityOverdueContext) TriggerID() TriggerID { return TriggerActivityOverdue }
func (ActivityOverdueContext) isTriggerContext()    {}

// OpportunityHotContext describes a likely deal closing soon.
type OpportunityHotContext struct {
	OpportunityName string     `json:"opportunity_name"`
	Stage           string     `json:"stage"`
	Amount          float64    `json:"amount"`
	Probability     int        `json:"probability"`
	CloseDate       time.Time  `json:"close_date"`
	DaysToClose     int        `json:"days_to_close"`
	AccountID       *uuid.UUID `json:"account_id,omitempty"`
	LeadID          *uuid.UUID `json:"lead_id,omitempty"`
	ContactID       *uuid.UUID `json:"contact_id,omitempty"`
	AssignedTo      *uuid.UUID `json:"assigned_to,omitempty"`
}

func (OpportunityHotContext) TriggerID() TriggerID { return TriggerOpportunityHot }
func (OpportunityHotContext) isTriggerContext()    {}

// Candidate is one record a detector flagged, with the staleness metric
// computed at detection time inside its context.
type Candidate struct {
	TenantID   uuid.UUID
	RecordType RecordType
	RecordID   uuid.UUID
	Context    TriggerContext
	DetectedAt time.Time
}

// TriggerID is a shorthand for the context's trigger.
func (c Candidate) TriggerID() TriggerID {
	if c.Context == nil {
		return ""
	}
	return c.Context.TriggerID()
}

// DealValue returns the monetary amount carried by opportunity contexts.
func (c Candidate) DealValue() (float64, bool) {
	switch v := c.Context.(type) {
	case DealDecayContext:
		return v.Amount, true
	case OpportunityHotContext:
		return v.Amount, true
	}
	return 0, false
}
