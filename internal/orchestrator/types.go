package orchestrator

import (
	"time"

	"github.com/nidhogg/agentmesh/internal/task"
)

// WorkflowStatus tracks execution state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Workflow is an ordered list of steps. Each step spawns one task.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Steps       []WorkflowStep `json:"steps"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"current_step"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowStep names the agent and task type for one unit of a workflow.
// ParallelWith lists steps that may run at the same time as this one.
type WorkflowStep struct {
	StepNumber   int            `json:"step_number"`
	AgentID      string         `json:"agent_id"`
	TaskType     task.Type      `json:"task_type"`
	DependsOn    []int          `json:"depends_on,omitempty"`
	ParallelWith []int          `json:"parallel_with,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`
}

// WorkflowResult is returned by ExecuteWorkflow. Results holds the output
// of every completed step keyed by step number.
type WorkflowResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     WorkflowStatus         `json:"status"`
	Results    map[int]map[string]any `json:"results"`
	TaskIDs    map[int]string         `json:"task_ids"`
	Errors     []string               `json:"errors,omitempty"`
	Duration   time.Duration          `json:"duration"`

	// Err is the first step error, kept for errors.Is at call sites.
	Err error `json:"-"`
}

// AgentHealth is the observed availability of one agent.
type AgentHealth struct {
	AgentID     string     `json:"agent_id"`
	Status      string     `json:"status"` // healthy|busy|unresponsive
	CurrentTask string     `json:"current_task,omitempty"`
	TaskCount   int        `json:"task_count"`
	LastActive  *time.Time `json:"last_active,omitempty"`
}

// Handoff records one task moved between agents.
type Handoff struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// RebalanceReport summarizes one rebalancing pass.
type RebalanceReport struct {
	MeanLoad   float64        `json:"mean_load"`
	AgentLoads map[string]int `json:"agent_loads"`
	Moves      []Handoff      `json:"moves"`
}
