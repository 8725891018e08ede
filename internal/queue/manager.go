package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/metrics"
	"github.com/nidhogg/agentmesh/internal/task"
)

// Manager applies lifecycle operations to tasks stored in a Repository.
// Transitions are serialized so a read-check-write never interleaves.
type Manager struct {
	repo   Repository
	mu     sync.Mutex
	watch  *watchers
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a Manager over repo.
func NewManager(repo Repository, logger *zap.Logger) *Manager {
	return &Manager{
		repo:   repo,
		watch:  newWatchers(),
		logger: logger,
		now:    time.Now,
	}
}

// Create stores a new pending task. Dependencies are not checked here.
func (m *Manager) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("create task: unknown type %q", spec.Type)
	}
	if spec.Priority == "" {
		spec.Priority = task.PriorityMedium
	}
	now := m.now()
	t := &task.Task{
		ID:           uuid.New().String(),
		Type:         spec.Type,
		Title:        spec.Title,
		Description:  spec.Description,
		Status:       task.StatusPending,
		Priority:     spec.Priority,
		CreatedBy:    spec.CreatedBy,
		Dependencies: append([]string(nil), spec.Dependencies...),
		InputData:    spec.InputData,
		Deadline:     spec.Deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Title == "" {
		t.Title = string(t.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.record(ctx, t, spec.CreatedBy, task.ActionCreated, "", task.StatusPending, "")
	m.logger.Info("task created",
		zap.String("task_id", t.ID), zap.String("type", string(t.Type)), zap.String("priority", string(t.Priority)))
	return t.Clone(), nil
}

// Assign gives a pending task to agentID once every dependency has completed.
func (m *Manager) Assign(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("assign %s: %w", taskID, err)
	}
	if t.Status != task.StatusPending {
		return nil, fmt.Errorf("assign %s: %w: task is %s", taskID, task.ErrInvalidTransition, t.Status)
	}
	if err := m.checkDependencies(ctx, t); err != nil {
		return nil, fmt.Errorf("assign %s: %w", taskID, err)
	}

	from := t.Status
	t.Status = task.StatusAssigned
	t.AssignedTo = agentID
	t.UpdatedAt = m.now()
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("assign %s: %w", taskID, err)
	}
	m.record(ctx, t, agentID, task.ActionAssigned, from, t.Status, "")
	m.setAgent(ctx, agentID, task.AgentBusy, t.ID)
	return t, nil
}

func (m *Manager) checkDependencies(ctx context.Context, t *task.Task) error {
	for _, depID := range t.Dependencies {
		dep, err := m.repo.GetTask(ctx, depID)
		if errors.Is(err, task.ErrTaskNotFound) {
			return fmt.Errorf("%w: %s does not exist", task.ErrDependenciesUnmet, depID)
		}
		if err != nil {
			return err
		}
		if dep.Status != task.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", task.ErrDependenciesUnmet, depID, dep.Status)
		}
	}
	return nil
}

// Start moves an assigned task to in_progress. Only the assignee may start it.
func (m *Manager) Start(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	return m.advance(ctx, taskID, agentID, task.StatusInProgress, task.ActionStarted, func(t *task.Task, now time.Time) {
		t.StartedAt = &now
	})
}

// Complete stores output and frees the agent.
func (m *Manager) Complete(ctx context.Context, taskID, agentID string, output map[string]any) (*task.Task, error) {
	return m.advance(ctx, taskID, agentID, task.StatusCompleted, task.ActionCompleted, func(t *task.Task, now time.Time) {
		t.OutputData = output
		t.ErrorMessage = ""
		t.CompletedAt = &now
	})
}

// Fail records a human-readable error and frees the agent.
func (m *Manager) Fail(ctx context.Context, taskID, agentID, message string) (*task.Task, error) {
	if message == "" {
		message = "task failed without a message"
	}
	return m.advance(ctx, taskID, agentID, task.StatusFailed, task.ActionFailed, func(t *task.Task, now time.Time) {
		t.ErrorMessage = message
		t.CompletedAt = &now
	})
}

func (m *Manager) advance(ctx context.Context, taskID, agentID string, to task.Status, action task.Action, apply func(*task.Task, time.Time)) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, taskID, err)
	}
	if t.AssignedTo != agentID {
		return nil, fmt.Errorf("%s %s by %s: %w", action, taskID, agentID, task.ErrNotAssignedToAgent)
	}
	if err := task.Transition(t.Status, to); err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, taskID, err)
	}

	from := t.Status
	now := m.now()
	t.Status = to
	t.UpdatedAt = now
	apply(t, now)
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, taskID, err)
	}

	note := ""
	if to == task.StatusFailed {
		note = t.ErrorMessage
	}
	m.record(ctx, t, agentID, action, from, to, note)
	if to.Terminal() {
		m.releaseAgent(ctx, agentID)
		m.watch.publish(t)
	} else {
		m.setAgent(ctx, agentID, task.AgentBusy, t.ID)
	}
	return t, nil
}

// Reassign hands an assigned, not yet started task to another agent.
// The task keeps its status.
func (m *Manager) Reassign(ctx context.Context, taskID, toAgent, reason string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reassign %s: %w", taskID, err)
	}
	if t.Status != task.StatusAssigned {
		return nil, fmt.Errorf("reassign %s: %w: task is %s", taskID, task.ErrInvalidTransition, t.Status)
	}
	fromAgent := t.AssignedTo
	t.AssignedTo = toAgent
	t.UpdatedAt = m.now()
	if err := m.repo.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("reassign %s: %w", taskID, err)
	}

	note := fmt.Sprintf("%s -> %s", fromAgent, toAgent)
	if reason != "" {
		note += ": " + reason
	}
	m.record(ctx, t, toAgent, task.ActionReassigned, t.Status, t.Status, note)
	m.releaseAgent(ctx, fromAgent)
	m.setAgent(ctx, toAgent, task.AgentBusy, t.ID)
	return t, nil
}

// record appends history and counts the transition. Failures are logged:
// the transition itself has already been stored.
func (m *Manager) record(ctx context.Context, t *task.Task, agentID string, action task.Action, from, to task.Status, notes string) {
	e := &task.HistoryEntry{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		AgentID:    agentID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Notes:      notes,
		CreatedAt:  m.now(),
	}
	if err := m.repo.AppendHistory(ctx, e); err != nil {
		m.logger.Error("append task history", zap.String("task_id", t.ID), zap.Error(err))
	}
	metrics.TaskTransitions.WithLabelValues(string(t.Type), string(to)).Inc()
	m.logger.Debug("task transition",
		zap.String("task_id", t.ID),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("agent", agentID))
}

// releaseAgent recomputes an agent's status from the tasks it still holds:
// busy on its in-progress task, else on its oldest assigned one, else idle.
func (m *Manager) releaseAgent(ctx context.Context, agentID string) {
	held, err := m.repo.ListTasksByAgent(ctx, agentID)
	if err != nil {
		m.logger.Error("list agent tasks", zap.String("agent", agentID), zap.Error(err))
		m.setAgent(ctx, agentID, task.AgentIdle, "")
		return
	}
	current := ""
	for _, t := range held {
		if t.Status == task.StatusInProgress {
			current = t.ID
			break
		}
		if t.Status == task.StatusAssigned && current == "" {
			current = t.ID
		}
	}
	if current == "" {
		m.setAgent(ctx, agentID, task.AgentIdle, "")
		return
	}
	m.setAgent(ctx, agentID, task.AgentBusy, current)
}

func (m *Manager) setAgent(ctx context.Context, agentID string, status task.AgentStatus, currentTask string) {
	if agentID == "" {
		return
	}
	a, err := m.repo.GetAgent(ctx, agentID)
	if err != nil {
		a = &task.Agent{ID: agentID, Name: agentID}
	}
	now := m.now()
	a.Status = status
	a.CurrentTaskID = currentTask
	a.LastActive = &now
	a.UpdatedAt = now
	if err := m.repo.UpsertAgent(ctx, a); err != nil {
		m.logger.Error("update agent status", zap.String("agent", agentID), zap.Error(err))
	}
}

// RegisterAgent adds or updates an agent record.
func (m *Manager) RegisterAgent(ctx context.Context, a *task.Agent) error {
	if a.Status == "" {
		a.Status = task.AgentIdle
	}
	a.UpdatedAt = m.now()
	return m.repo.UpsertAgent(ctx, a)
}

// Get returns one task.
func (m *Manager) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return m.repo.GetTask(ctx, taskID)
}

// ListByStatus returns tasks with the given status; empty status lists all.
func (m *Manager) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return m.repo.ListTasks(ctx, status)
}

// ListByAgent returns the tasks currently held by agentID, in any status.
func (m *Manager) ListByAgent(ctx context.Context, agentID string) ([]*task.Task, error) {
	return m.repo.ListTasksByAgent(ctx, agentID)
}

// History returns the audit trail of a task, oldest first.
func (m *Manager) History(ctx context.Context, taskID string) ([]*task.HistoryEntry, error) {
	return m.repo.ListHistory(ctx, taskID)
}

// Agent returns one agent record.
func (m *Manager) Agent(ctx context.Context, agentID string) (*task.Agent, error) {
	return m.repo.GetAgent(ctx, agentID)
}

// Agents lists known agents.
func (m *Manager) Agents(ctx context.Context) ([]*task.Agent, error) {
	return m.repo.ListAgents(ctx)
}

// Watch returns a channel that receives the task once it reaches a terminal
// status. Call cancel when no longer interested.
func (m *Manager) Watch(taskID string) (<-chan *task.Task, func()) {
	return m.watch.add(taskID)
}
