package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/agentmesh/internal/routing"
)

// SaveDecision appends a routing decision.
func (s *Store) SaveDecision(ctx context.Context, d *routing.Decision) error {
	md, err := json.Marshal(d.TaskMetadata)
	if err != nil {
		return fmt.Errorf("marshal task_metadata: %w", err)
	}
	alts := d.AlternativeModels
	if alts == nil {
		alts = []string{}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO llm_routing_decisions (id, task_id, task_type, task_metadata, selected_model,
			selected_provider, selection_reason, alternative_models, estimated_cost, routing_strategy, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TaskID, string(d.TaskType), md, d.SelectedModel, d.SelectedProvider,
		d.SelectionReason, alts, d.EstimatedCost, string(d.RoutingStrategy), d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert routing decision: %w", err)
	}
	return nil
}

// ListDecisionsSince returns decisions made at or after since, oldest first.
func (s *Store) ListDecisionsSince(ctx context.Context, since time.Time) ([]*routing.Decision, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, task_type, task_metadata, selected_model, selected_provider,
		       selection_reason, alternative_models, estimated_cost, routing_strategy, decided_at
		FROM llm_routing_decisions WHERE decided_at >= $1 ORDER BY decided_at`, since)
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer rows.Close()

	var out []*routing.Decision
	for rows.Next() {
		var d routing.Decision
		var md []byte
		if err := rows.Scan(&d.ID, &d.TaskID, &d.TaskType, &md, &d.SelectedModel, &d.SelectedProvider,
			&d.SelectionReason, &d.AlternativeModels, &d.EstimatedCost, &d.RoutingStrategy, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		if err := json.Unmarshal(md, &d.TaskMetadata); err != nil {
			return nil, fmt.Errorf("decode task_metadata: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
