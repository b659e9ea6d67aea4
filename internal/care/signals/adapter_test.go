package signals

import (
	"strings"
	"testing"

	"portal_care_backend/internal/care/escalation"
	"portal_care_backend/internal/triggers/domain"

	"github.com/google/uuid"
)

func score(v float64) *float64 { return &v }

func TestFromTrigger(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		ctx     domain.TriggerContext
		rt      domain.RecordType
		numbers map[string]float64
		flags   map[string]bool
	}{
		{
			name:    "stagnant lead",
			ctx:     domain.LeadStagnantContext{LeadName: "Ada", DaysStagnant: 9},
			rt:      domain.RecordLead,
			numbers: map[string]float64{SilenceDays: 9},
		},
		{
			name:    "stagnant lead with negative score",
			ctx:     domain.LeadStagnantContext{DaysStagnant: 8, Sentiment: &domain.Sentiment{Score: score(-0.8)}},
			rt:      domain.RecordLead,
			numbers: map[string]float64{SilenceDays: 8, SentimentScore: -0.8},
			flags:   map[string]bool{NegativeSentiment: true},
		},
		{
			name:    "mild score is not negative",
			ctx:     domain.LeadStagnantContext{DaysStagnant: 8, Sentiment: &domain.Sentiment{Score: score(-0.2)}},
			rt:      domain.RecordLead,
			numbers: map[string]float64{SilenceDays: 8, SentimentScore: -0.2},
		},
		{
			name:    "decaying deal",
			ctx:     domain.DealDecayContext{DaysInactive: 20, Amount: 50000, Probability: 40},
			rt:      domain.RecordOpportunity,
			numbers: map[string]float64{SilenceDays: 20, DealValue: 50000, Probability: 40},
		},
		{
			name:    "overdue activity",
			ctx:     domain.ActivityOverdueContext{DaysOverdue: 3, Sentiment: &domain.Sentiment{Label: "Negative"}},
			rt:      domain.RecordActivity,
			numbers: map[string]float64{DaysOverdue: 3},
			flags:   map[string]bool{OverdueTask: true, NegativeSentiment: true},
		},
		{
			name:    "hot opportunity",
			ctx:     domain.OpportunityHotContext{DaysToClose: 5, Amount: 12000, Probability: 80},
			rt:      domain.RecordOpportunity,
			numbers: map[string]float64{DaysToClose: 5, DealValue: 12000, Probability: 80},
			flags:   map[string]bool{HotOpportunity: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromTrigger(tt.ctx, tt.rt, id)
			if s.TriggerType != tt.ctx.TriggerID() {
				t.Errorf("trigger type = %q, want %q", s.TriggerType, tt.ctx.TriggerID())
			}
			if s.RecordType != tt.rt || s.RecordID != id {
				t.Errorf("record = %s/%s, want %s/%s", s.RecordType, s.RecordID, tt.rt, id)
			}
			if len(s.Numbers) != len(tt.numbers) {
				t.Errorf("numbers = %v, want %v", s.Numbers, tt.numbers)
			}
			for k, want := range tt.numbers {
				if got, ok := s.Number(k); !ok || got != want {
					t.Errorf("%s = %v (present %v), want %v", k, got, ok, want)
				}
			}
			for _, k := range []string{NegativeSentiment, HotOpportunity, OverdueTask, Escalation} {
				if s.Flag(k) != tt.flags[k] {
					t.Errorf("flag %s = %v, want %v", k, s.Flag(k), tt.flags[k])
				}
			}
		})
	}
}

func TestFromTriggerNilContext(t *testing.T) {
	s := FromTrigger(nil, domain.RecordLead, uuid.Nil)
	if s.TriggerType != "" || len(s.Numbers) != 0 || len(s.Flags) != 0 {
		t.Fatalf("expected empty signals, got %+v", s)
	}
}

func TestWithEscalationDoesNotMutateOriginal(t *testing.T) {
	base := FromTrigger(domain.LeadStagnantContext{DaysStagnant: 9}, domain.RecordLead, uuid.New())
	esc := base.WithEscalation(escalation.Result{Escalate: true})

	if !esc.Flag(Escalation) {
		t.Error("expected escalation flag on copy")
	}
	if base.Flag(Escalation) {
		t.Error("original signals were mutated")
	}
}

func TestEscalationText(t *testing.T) {
	tests := []struct {
		name     string
		ctx      domain.TriggerContext
		contains []string
	}{
		{
			name:     "lead with note",
			ctx:      domain.LeadStagnantContext{LeadName: "Ada Lovelace", Company: "Acme", Status: "New", DaysStagnant: 9, LastNote: "Not interested anymore"},
			contains: []string{"Ada Lovelace (Acme)", "9 days", "Last note: Not interested anymore"},
		},
		{
			name:     "activity with description",
			ctx:      domain.ActivityOverdueContext{Subject: "Call back", ActivityType: "call", DaysOverdue: 3, Description: "Customer asked about a refund"},
			contains: []string{`call "Call back"`, "3 days past due", "refund"},
		},
		{
			name:     "deal",
			ctx:      domain.DealDecayContext{OpportunityName: "Roof", Stage: "proposal", DaysInactive: 15},
			contains: []string{"Roof", "proposal", "15 days"},
		},
		{
			name:     "hot",
			ctx:      domain.OpportunityHotContext{OpportunityName: "Solar", Probability: 85, DaysToClose: 4},
			contains: []string{"Solar", "85%", "4 days"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := EscalationText(tt.ctx)
			for _, want := range tt.contains {
				if !strings.Contains(text, want) {
					t.Errorf("text %q does not contain %q", text, want)
				}
			}
		})
	}
}

func TestEscalationTextFeedsClassifier(t *testing.T) {
	ctx := domain.ActivityOverdueContext{Subject: "Follow up", DaysOverdue: 2, Description: "Please stop calling me"}
	res := escalation.Detect(EscalationInput(ctx, "care_autonomous"))
	if !res.Escalate {
		t.Fatalf("expected escalation from activity notes, got %+v", res)
	}

	quiet := domain.DealDecayContext{OpportunityName: "Roof", Stage: "proposal", DaysInactive: 15}
	if res := escalation.Detect(EscalationInput(quiet, "care_autonomous")); res.Escalate {
		t.Fatalf("template text alone must not escalate, got %+v", res)
	}
}
