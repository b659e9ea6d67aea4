package scheduler

import (
	"encoding/json"

	"portal_care_backend/internal/care/workflow"

	"github.com/hibiken/asynq"
)

const TaskCareWorkflowDeliver = "care.workflow.deliver"

const TaskTenantEventOutboxDue = "tenant.event.outbox.due"

// CareWorkflowDeliverPayload carries the event only. The endpoint and secret
// are resolved again when the task runs so they never sit in Redis.
type CareWorkflowDeliverPayload struct {
	TenantID string             `json:"tenantId"`
	Event    workflow.CareEvent `json:"event"`
}

type TenantEventOutboxDuePayload struct {
	OutboxID string `json:"outboxId"`
	TenantID string `json:"tenantId"`
}

func NewCareWorkflowDeliverTask(payload CareWorkflowDeliverPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCareWorkflowDeliver, data), nil
}

func ParseCareWorkflowDeliverPayload(task *asynq.Task) (CareWorkflowDeliverPayload, error) {
	var payload CareWorkflowDeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CareWorkflowDeliverPayload{}, err
	}
	return payload, nil
}

func NewTenantEventOutboxDueTask(payload TenantEventOutboxDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTenantEventOutboxDue, data), nil
}

func ParseTenantEventOutboxDuePayload(task *asynq.Task) (TenantEventOutboxDuePayload, error) {
	var payload TenantEventOutboxDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TenantEventOutboxDuePayload{}, err
	}
	return payload, nil
}
