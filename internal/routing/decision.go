package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/agentmesh/internal/task"
	"go.uber.org/zap"
)

// Decision is the append-only audit record of one routing decision.
type Decision struct {
	ID                string       `json:"id"`
	TaskID            string       `json:"task_id"`
	TaskType          task.Type    `json:"task_type"`
	TaskMetadata      TaskMetadata `json:"task_metadata"`
	SelectedModel     string       `json:"selected_model"`
	SelectedProvider  string       `json:"selected_provider"`
	SelectionReason   string       `json:"selection_reason"`
	AlternativeModels []string     `json:"alternative_models"`
	EstimatedCost     float64      `json:"estimated_cost"`
	RoutingStrategy   Strategy     `json:"routing_strategy"`
	DecidedAt         time.Time    `json:"decided_at"`
}

// DecisionLog persists routing decisions.
type DecisionLog interface {
	SaveDecision(ctx context.Context, d *Decision) error
	ListDecisionsSince(ctx context.Context, since time.Time) ([]*Decision, error)
}

// LogDecision records res for taskID and returns the decision ID.
func (s *Selector) LogDecision(ctx context.Context, taskID string, taskType task.Type, md TaskMetadata, res *SelectionResult) (string, error) {
	if s.log == nil {
		return "", fmt.Errorf("log decision: no decision log configured")
	}
	d := &Decision{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		TaskType:          taskType,
		TaskMetadata:      md,
		SelectedModel:     res.SelectedModel,
		SelectedProvider:  res.SelectedProvider,
		SelectionReason:   res.SelectionReason,
		AlternativeModels: append([]string(nil), res.AlternativeModels...),
		EstimatedCost:     res.EstimatedCost,
		RoutingStrategy:   res.RoutingStrategy,
		DecidedAt:         time.Now(),
	}
	if err := s.log.SaveDecision(ctx, d); err != nil {
		return "", fmt.Errorf("log decision for task %s: %w", taskID, err)
	}
	s.logger.Debug("routing decision logged", zap.String("decision", d.ID), zap.String("task", taskID))
	return d.ID, nil
}

// Stats summarises routing decisions over a time window.
type Stats struct {
	TotalDecisions       int              `json:"total_decisions"`
	ModelsUsed           map[string]int   `json:"models_used"`
	AvgCostPerTask       float64          `json:"avg_cost_per_task"`
	TotalEstimatedCost   float64          `json:"total_estimated_cost"`
	StrategyDistribution map[Strategy]int `json:"strategy_distribution"`
}

// Stats aggregates the decisions made within window of now.
func (s *Selector) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if s.log == nil {
		return nil, fmt.Errorf("routing stats: no decision log configured")
	}
	decisions, err := s.log.ListDecisionsSince(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("routing stats: %w", err)
	}
	return Summarize(decisions), nil
}

// Summarize aggregates decisions into Stats.
func Summarize(decisions []*Decision) *Stats {
	st := &Stats{
		TotalDecisions:       len(decisions),
		ModelsUsed:           make(map[string]int),
		StrategyDistribution: make(map[Strategy]int),
	}
	for _, d := range decisions {
		st.ModelsUsed[d.SelectedModel]++
		st.StrategyDistribution[d.RoutingStrategy]++
		st.TotalEstimatedCost += d.EstimatedCost
	}
	if len(decisions) > 0 {
		st.AvgCostPerTask = st.TotalEstimatedCost / float64(len(decisions))
	}
	return st
}

// MemoryDecisionLog keeps decisions in process memory.
type MemoryDecisionLog struct {
	mu        sync.Mutex
	decisions []*Decision
}

// NewMemoryDecisionLog creates an empty in-memory log.
func NewMemoryDecisionLog() *MemoryDecisionLog {
	return &MemoryDecisionLog{}
}

// SaveDecision implements DecisionLog.
func (l *MemoryDecisionLog) SaveDecision(_ context.Context, d *Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *d
	l.decisions = append(l.decisions, &cp)
	return nil
}

// ListDecisionsSince implements DecisionLog.
func (l *MemoryDecisionLog) ListDecisionsSince(_ context.Context, since time.Time) ([]*Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Decision
	for _, d := range l.decisions {
		if !d.DecidedAt.Before(since) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
