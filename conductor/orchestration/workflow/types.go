package workflow

import (
	"time"
)

// InitialStage is the stage of a freshly initialized workflow.
const InitialStage = "initialized"

// AssignmentStatus is the lifecycle of one agent task.
type AssignmentStatus string

const (
	StatusPending   AssignmentStatus = "pending"
	StatusActive    AssignmentStatus = "active"
	StatusCompleted AssignmentStatus = "completed"
)

// Assignment is one task handed to an agent.
type Assignment struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	Task        string           `json:"task"`
	Status      AssignmentStatus `json:"status"`
	AssignedAt  time.Time        `json:"assigned_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// State is the persisted record of one workflow.
type State struct {
	ID               string         `json:"id"`
	Generation       int            `json:"generation"` // bumped each time an expired id is re-initialized
	WorkflowType     string         `json:"workflow_type,omitempty"`
	CurrentStage     string         `json:"current_stage"`
	PreviousStages   []string       `json:"previous_stages"`
	ContextData      map[string]any `json:"context_data,omitempty"`
	AgentAssignments []Assignment   `json:"agent_assignments"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdateTime   time.Time      `json:"last_update_time"`
	LastError        string         `json:"last_error,omitempty"`
	Turns            int            `json:"turns"`
}

// ActiveAt reports whether the workflow is still live at now.
func (s *State) ActiveAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastUpdateTime) < timeout
}

// Updates is a partial change applied by UpdateWorkflowState.
type Updates struct {
	// Stage, when set and different from the current stage, transitions the workflow.
	Stage *string
	// Context keys are merged into ContextData.
	Context map[string]any
}

// Stage is a convenience for building Updates.
func Stage(s string) *string { return &s }
