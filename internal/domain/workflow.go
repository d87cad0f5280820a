package domain

import (
	"encoding/json"
	"time"
)

type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Workflow is the persisted state of one workflow run. The row is the
// canonical state; per-step job payloads only carry a snapshot for handler
// input.
type Workflow struct {
	ID             string
	DefinitionName string
	CurrentStep    string
	Data           json.RawMessage
	StepResults    map[string]json.RawMessage
	CompletedSteps []string
	PendingSteps   []string
	Status         WorkflowStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	FailureReason  *string
}

// StepPayload is the payload of a workflow-step job.
type StepPayload struct {
	WorkflowID string          `json:"workflowId"`
	Step       string          `json:"step"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (p StepPayload) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}
