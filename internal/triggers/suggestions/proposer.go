package suggestions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// ModeProposeActions is the only mode the worker requests.
const ModeProposeActions = "propose_actions"

// ProposalRequest asks the model for actions on one record.
type ProposalRequest struct {
	TenantID uuid.UUID      `json:"tenant_id"`
	UserID   *uuid.UUID     `json:"user_id,omitempty"`
	TaskType string         `json:"task_type"`
	Mode     string         `json:"mode"`
	Context  map[string]any `json:"context"`
}

// ProposedAction is one model-proposed action.
type ProposedAction struct {
	Type       string         `json:"type"`
	Entity     string         `json:"entity"`
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
}

// ProposalResponse is the model's answer.
type ProposalResponse struct {
	ProposedActions []ProposedAction `json:"proposed_actions"`
	Summary         string           `json:"summary"`
}

// Proposer generates action proposals. Implementations are best effort.
type Proposer interface {
	ProposeActions(ctx context.Context, req ProposalRequest) (ProposalResponse, error)
}

var errEmptyProposal = errors.New("model returned no content")

const proposalInstruction = `You help sales teams decide the next step on a CRM record.
Reply with a single JSON object: {"proposed_actions":[{"type":"<tool name>","entity":"<record type>","payload":{...},"confidence":<0..1>,"reason":"<one sentence>"}],"summary":"<one sentence>"}.
Allowed tool names: create_task, schedule_follow_up, reschedule_activity, draft_email, update_stage.
Propose at most one action. Do not invent facts that are not in the context.`

// LLMProposer asks an ADK model for a proposal in JSON mode.
type LLMProposer struct {
	llm model.LLM
}

func NewLLMProposer(llm model.LLM) *LLMProposer {
	return &LLMProposer{llm: llm}
}

func (p *LLMProposer) ProposeActions(ctx context.Context, req ProposalRequest) (ProposalResponse, error) {
	if req.Mode == "" {
		req.Mode = ModeProposeActions
	}
	input, err := json.Marshal(req)
	if err != nil {
		return ProposalResponse{}, fmt.Errorf("marshal proposal request: %w", err)
	}

	temperature := float32(0.2)
	llmReq := &model.LLMRequest{
		Model:    p.llm.Name(),
		Contents: []*genai.Content{genai.NewContentFromText(string(input), genai.RoleUser)},
		Config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(proposalInstruction, genai.RoleUser),
			Temperature:       &temperature,
			ResponseMIMEType:  "application/json",
		},
	}

	var text strings.Builder
	for resp, err := range p.llm.GenerateContent(ctx, llmReq, false) {
		if err != nil {
			return ProposalResponse{}, fmt.Errorf("generate proposal: %w", err)
		}
		if resp == nil || resp.Content == nil {
			continue
		}
		for _, part := range resp.Content.Parts {
			if part != nil {
				text.WriteString(part.Text)
			}
		}
	}
	return parseProposal(text.String())
}

func parseProposal(raw string) (ProposalResponse, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProposalResponse{}, errEmptyProposal
	}
	var out ProposalResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return ProposalResponse{}, fmt.Errorf("decode proposal: %w", err)
	}
	return out, nil
}
