package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/agentmesh/internal/task"
)

// AgentMetrics summarizes the work an agent holds.
type AgentMetrics struct {
	AgentID           string        `json:"agent_id"`
	TotalTasks        int           `json:"total_tasks"`
	CompletedTasks    int           `json:"completed_tasks"`
	FailedTasks       int           `json:"failed_tasks"`
	ActiveTasks       int           `json:"active_tasks"`
	SuccessRate       float64       `json:"success_rate"` // percent of finished tasks that completed
	AvgCompletionTime time.Duration `json:"avg_completion_time"`
}

// AgentMetrics computes totals, success rate and mean start-to-finish time.
func (m *Manager) AgentMetrics(ctx context.Context, agentID string) (*AgentMetrics, error) {
	tasks, err := m.repo.ListTasksByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent metrics %s: %w", agentID, err)
	}
	return summarizeAgent(agentID, tasks), nil
}

func summarizeAgent(agentID string, tasks []*task.Task) *AgentMetrics {
	am := &AgentMetrics{AgentID: agentID, TotalTasks: len(tasks)}
	var total time.Duration
	timed := 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			am.CompletedTasks++
			if t.StartedAt != nil && t.CompletedAt != nil {
				total += t.CompletedAt.Sub(*t.StartedAt)
				timed++
			}
		case task.StatusFailed:
			am.FailedTasks++
		case task.StatusAssigned, task.StatusInProgress:
			am.ActiveTasks++
		}
	}
	if finished := am.CompletedTasks + am.FailedTasks; finished > 0 {
		am.SuccessRate = float64(am.CompletedTasks) / float64(finished) * 100
	}
	if timed > 0 {
		am.AvgCompletionTime = total / time.Duration(timed)
	}
	return am
}
