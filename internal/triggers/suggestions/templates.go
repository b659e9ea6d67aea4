package suggestions

import (
	"fmt"
	"strings"

	"portal_care_backend/internal/triggers/domain"

	"github.com/google/uuid"
)

// Template confidences. Templates never claim more certainty than the model.
const (
	confidenceFollowUp   = 0.7
	confidenceDealRevive = 0.65
	confidenceOverdue    = 0.8
	confidenceHotDeal    = 0.75
)

const highValueDeal = 50000

// Template builds the deterministic fallback suggestion for a candidate.
func Template(c domain.Candidate) (domain.Draft, error) {
	switch tc := c.Context.(type) {
	case domain.LeadStagnantContext:
		priority := domain.PriorityNormal
		if tc.DaysStagnant >= 14 {
			priority = domain.PriorityHigh
		}
		name := displayName(tc.LeadName, "this lead")
		return domain.Draft{
			Action: domain.Action{
				ToolName: "create_task",
				ToolArgs: withAssignee(map[string]any{
					"record_type": string(c.RecordType),
					"record_id":   c.RecordID.String(),
					"title":       fmt.Sprintf("Follow up with %s", name),
					"due_in_days": 1,
				}, tc.AssignedTo),
			},
			Confidence: confidenceFollowUp,
			Reasoning:  fmt.Sprintf("No contact with %s for %d days (status %s).", name, tc.DaysStagnant, displayName(tc.Status, "unknown")),
			Priority:   priority,
			Source:     domain.SourceTemplate,
		}, nil

	case domain.DealDecayContext:
		priority := domain.PriorityNormal
		if tc.Amount >= highValueDeal {
			priority = domain.PriorityHigh
		}
		name := displayName(tc.OpportunityName, "this opportunity")
		return domain.Draft{
			Action: domain.Action{
				ToolName: "schedule_follow_up",
				ToolArgs: withAssignee(map[string]any{
					"opportunity_id": c.RecordID.String(),
					"channel":        "call",
					"note":           fmt.Sprintf("Check in on %s, quiet for %d days", name, tc.DaysInactive),
				}, tc.AssignedTo),
			},
			Confidence: confidenceDealRevive,
			Reasoning:  fmt.Sprintf("%s has had no activity for %d days in stage %s.", name, tc.DaysInactive, displayName(tc.Stage, "unknown")),
			Priority:   priority,
			Source:     domain.SourceTemplate,
		}, nil

	case domain.ActivityOverdueContext:
		priority := domain.PriorityNormal
		switch {
		case tc.DaysOverdue >= 7:
			priority = domain.PriorityUrgent
		case tc.DaysOverdue >= 3:
			priority = domain.PriorityHigh
		}
		subject := displayName(tc.Subject, "activity")
		return domain.Draft{
			Action: domain.Action{
				ToolName: "reschedule_activity",
				ToolArgs: withAssignee(map[string]any{
					"activity_id": c.RecordID.String(),
					"due_in_days": 1,
				}, tc.AssignedTo),
			},
			Confidence: confidenceOverdue,
			Reasoning:  fmt.Sprintf("%q is %d days overdue.", subject, tc.DaysOverdue),
			Priority:   priority,
			Source:     domain.SourceTemplate,
		}, nil

	case domain.OpportunityHotContext:
		priority := domain.PriorityHigh
		if tc.DaysToClose <= 3 {
			priority = domain.PriorityUrgent
		}
		name := displayName(tc.OpportunityName, "this opportunity")
		return domain.Draft{
			Action: domain.Action{
				ToolName: "draft_email",
				ToolArgs: withAssignee(map[string]any{
					"opportunity_id": c.RecordID.String(),
					"template":       "closing_push",
				}, tc.AssignedTo),
			},
			Confidence: confidenceHotDeal,
			Reasoning:  fmt.Sprintf("%s is at %d%% and closes in %d days.", name, tc.Probability, tc.DaysToClose),
			Priority:   priority,
			Source:     domain.SourceTemplate,
		}, nil
	}
	return domain.Draft{}, fmt.Errorf("no template for trigger %q", c.TriggerID())
}

func withAssignee(args map[string]any, assignee *uuid.UUID) map[string]any {
	if assignee != nil {
		args["assigned_to"] = assignee.String()
	}
	return args
}

func displayName(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
