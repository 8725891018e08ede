package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority is the caller-assigned urgency of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Task is a unit of work executed by exactly one agent at a time.
type Task struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	CreatedBy    string         `json:"created_by"`
	Dependencies []string       `json:"dependencies,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no slices or maps with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	c.InputData = cloneMap(t.InputData)
	c.OutputData = cloneMap(t.OutputData)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Spec is the caller-supplied part of a new task.
type Spec struct {
	Type         Type
	Title        string
	Description  string
	Priority     Priority
	CreatedBy    string
	Dependencies []string
	InputData    map[string]any
	Deadline     *time.Time
}

// Action names a history event.
type Action string

const (
	ActionCreated    Action = "created"
	ActionAssigned   Action = "assigned"
	ActionReassigned Action = "reassigned"
	ActionStarted    Action = "started"
	ActionCompleted  Action = "completed"
	ActionFailed     Action = "failed"
)

// HistoryEntry is an immutable audit record of one task transition.
type HistoryEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Action     Action    `json:"action"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AgentStatus is the availability of an agent.
type AgentStatus string

const (
	AgentIdle  AgentStatus = "idle"
	AgentBusy  AgentStatus = "busy"
	AgentError AgentStatus = "error"
)

// Agent is a worker that executes tasks.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          string      `json:"role"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastActive    *time.Time  `json:"last_active,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// validTransitions defines allowed state transitions.
// assigned → assigned is a handoff to another agent.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned},
	StatusAssigned:   {StatusAssigned, StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transitions from %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
}
