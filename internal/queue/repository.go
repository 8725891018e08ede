// Package queue tracks the task lifecycle: creation, assignment, execution
// and termination, with an append-only history per task.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/nidhogg/agentmesh/internal/task"
)

// Repository is the durable store behind a Manager. GetTask and GetAgent
// return task.ErrTaskNotFound and task.ErrAgentNotFound for missing rows. Implementations
// must offer read-your-writes for a single task ID.
type Repository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	// ListTasks returns tasks in creation order. Empty status means all.
	ListTasks(ctx context.Context, status task.Status) ([]*task.Task, error)
	ListTasksByAgent(ctx context.Context, agentID string) ([]*task.Task, error)

	AppendHistory(ctx context.Context, e *task.HistoryEntry) error
	ListHistory(ctx context.Context, taskID string) ([]*task.HistoryEntry, error)

	UpsertAgent(ctx context.Context, a *task.Agent) error
	GetAgent(ctx context.Context, id string) (*task.Agent, error)
	ListAgents(ctx context.Context) ([]*task.Agent, error)
}

// MemoryRepository is a mutex-guarded in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	order   []string
	history map[string][]*task.HistoryEntry
	agents  map[string]*task.Agent
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:   make(map[string]*task.Task),
		history: make(map[string][]*task.HistoryEntry),
		agents:  make(map[string]*task.Agent),
	}
}

func (r *MemoryRepository) CreateTask(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) GetTask(_ context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) UpdateTask(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return task.ErrTaskNotFound
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) ListTasks(_ context.Context, status task.Status) ([]*task.Task, error) {
	return r.filter(func(t *task.Task) bool { return status == "" || t.Status == status }), nil
}

func (r *MemoryRepository) ListTasksByAgent(_ context.Context, agentID string) ([]*task.Task, error) {
	return r.filter(func(t *task.Task) bool { return t.AssignedTo == agentID }), nil
}

func (r *MemoryRepository) filter(keep func(*task.Task) bool) []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*task.Task
	for _, id := range r.order {
		if t := r.tasks[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (r *MemoryRepository) AppendHistory(_ context.Context, e *task.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.history[e.TaskID] = append(r.history[e.TaskID], &c)
	return nil
}

func (r *MemoryRepository) ListHistory(_ context.Context, taskID string) ([]*task.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[taskID]
	out := make([]*task.HistoryEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (r *MemoryRepository) UpsertAgent(_ context.Context, a *task.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.agents[a.ID] = &c
	return nil
}

func (r *MemoryRepository) GetAgent(_ context.Context, id string) (*task.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, task.ErrAgentNotFound
	}
	c := *a
	return &c, nil
}

func (r *MemoryRepository) ListAgents(_ context.Context) ([]*task.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
