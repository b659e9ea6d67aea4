// Package signals maps trigger contexts onto the normalized signal vocabulary
// consumed by the state engine, and renders the short text summary fed to
// the escalation classifier.
package signals

import (
	"fmt"
	"strings"

	"portal_care_backend/internal/care/escalation"
	"portal_care_backend/internal/triggers/domain"

	"github.com/google/uuid"
)

// Signal names understood by transition guards.
const (
	SilenceDays       = "silence_days"
	DaysOverdue       = "days_overdue"
	DaysToClose       = "days_to_close"
	DealValue         = "deal_value"
	Probability       = "probability"
	SentimentScore    = "sentiment_score"
	NegativeSentiment = "negative_sentiment"
	HotOpportunity    = "hot_opportunity"
	OverdueTask       = "overdue_task"
	Escalation        = "escalation"
)

// Signals is the normalized bag for one trigger occurrence.
type Signals struct {
	TriggerType domain.TriggerID   `json:"trigger_type"`
	RecordType  domain.RecordType  `json:"record_type"`
	RecordID    uuid.UUID          `json:"record_id"`
	Numbers     map[string]float64 `json:"numbers"`
	Flags       map[string]bool    `json:"flags"`
	Sentiment   *domain.Sentiment  `json:"sentiment,omitempty"`
}

// Number returns a numeric signal and whether it is present.
func (s Signals) Number(name string) (float64, bool) {
	v, ok := s.Numbers[name]
	return v, ok
}

// Flag returns a boolean signal; absent flags are false.
func (s Signals) Flag(name string) bool {
	return s.Flags[name]
}

// WithEscalation returns a copy carrying the classifier decision.
func (s Signals) WithEscalation(res escalation.Result) Signals {
	out := s.clone()
	out.Flags[Escalation] = res.Escalate
	return out
}

func (s Signals) clone() Signals {
	out := s
	out.Numbers = make(map[string]float64, len(s.Numbers))
	for k, v := range s.Numbers {
		out.Numbers[k] = v
	}
	out.Flags = make(map[string]bool, len(s.Flags)+1)
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	return out
}

// FromTrigger maps a trigger context to signals.
func FromTrigger(ctx domain.TriggerContext, recordType domain.RecordType, recordID uuid.UUID) Signals {
	s := Signals{
		RecordType: recordType,
		RecordID:   recordID,
		Numbers:    map[string]float64{},
		Flags:      map[string]bool{},
	}
	if ctx == nil {
		return s
	}
	s.TriggerType = ctx.TriggerID()

	switch c := ctx.(type) {
	case domain.LeadStagnantContext:
		s.Numbers[SilenceDays] = float64(c.DaysStagnant)
		s.applySentiment(c.Sentiment)
	case domain.DealDecayContext:
		s.Numbers[SilenceDays] = float64(c.DaysInactive)
		s.Numbers[DealValue] = c.Amount
		s.Numbers[Probability] = float64(c.Probability)
	case domain.ActivityOverdueContext:
		s.Numbers[DaysOverdue] = float64(c.DaysOverdue)
		s.Flags[OverdueTask] = true
		s.applySentiment(c.Sentiment)
	case domain.OpportunityHotContext:
		s.Numbers[DaysToClose] = float64(c.DaysToClose)
		s.Numbers[DealValue] = c.Amount
		s.Numbers[Probability] = float64(c.Probability)
		s.Flags[HotOpportunity] = true
	}
	return s
}

func (s *Signals) applySentiment(sent *domain.Sentiment) {
	if sent == nil {
		return
	}
	s.Sentiment = sent
	if sent.Score != nil {
		s.Numbers[SentimentScore] = *sent.Score
	}
	if strings.EqualFold(sent.Label, "negative") || (sent.Score != nil && *sent.Score < escalation.NegativeScoreThreshold) {
		s.Flags[NegativeSentiment] = true
	}
}

// EscalationInput builds the classifier input for a trigger context.
func EscalationInput(ctx domain.TriggerContext, actionOrigin string) escalation.Input {
	in := escalation.Input{
		Text:         EscalationText(ctx),
		Channel:      "system",
		ActionOrigin: actionOrigin,
	}
	var sent *domain.Sentiment
	switch c := ctx.(type) {
	case domain.LeadStagnantContext:
		sent = c.Sentiment
	case domain.ActivityOverdueContext:
		sent = c.Sentiment
	}
	if sent != nil {
		in.Sentiment = &escalation.Sentiment{Label: sent.Label, Score: sent.Score}
	}
	return in
}

// EscalationText renders a short natural-language summary of a trigger,
// including any free text captured on the record. It is classifier input
// only and is never persisted.
func EscalationText(ctx domain.TriggerContext) string {
	switch c := ctx.(type) {
	case domain.LeadStagnantContext:
		name := c.LeadName
		if c.Company != "" {
			name = fmt.Sprintf("%s (%s)", name, c.Company)
		}
		text := fmt.Sprintf("Lead %s has had no contact for %d days. Status: %s.", orUnknown(name), c.DaysStagnant, orUnknown(c.Status))
		return appendNote(text, "Last note", c.LastNote)
	case domain.DealDecayContext:
		return fmt.Sprintf("Opportunity %s in stage %s has been inactive for %d days.", orUnknown(c.OpportunityName), orUnknown(c.Stage), c.DaysInactive)
	case domain.ActivityOverdueContext:
		kind := c.ActivityType
		if kind == "" {
			kind = "activity"
		}
		text := fmt.Sprintf("Overdue %s %q is %d days past due.", kind, c.Subject, c.DaysOverdue)
		return appendNote(text, "Notes", c.Description)
	case domain.OpportunityHotContext:
		return fmt.Sprintf("Opportunity %s at %d%% likelihood closes in %d days.", orUnknown(c.OpportunityName), c.Probability, c.DaysToClose)
	}
	return ""
}

func appendNote(text, label, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return text
	}
	return fmt.Sprintf("%s %s: %s", text, label, note)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
