package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

// LoadCapabilities returns every registered model in insertion order.
func (s *Store) LoadCapabilities(ctx context.Context) ([]routing.Capability, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, model_name, provider, context_window_kb, cost_per_1k_input_tokens,
		       cost_per_1k_output_tokens, avg_speed_tps, strengths, suitable_for, max_tokens,
		       supports_vision, supports_function_calling
		FROM llm_capabilities ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var caps []routing.Capability
	for rows.Next() {
		var c routing.Capability
		var suitable []string
		if err := rows.Scan(&c.ID, &c.ModelName, &c.Provider, &c.ContextWindowKB,
			&c.CostPer1KInputTokens, &c.CostPer1KOutputTokens, &c.AvgSpeedTPS, &c.Strengths,
			&suitable, &c.MaxTokens, &c.SupportsVision, &c.SupportsFunctionCalling); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		for _, tt := range suitable {
			c.SuitableFor = append(c.SuitableFor, task.Type(tt))
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// SaveCapability upserts a model row. Existing rows keep their position.
func (s *Store) SaveCapability(ctx context.Context, c *routing.Capability) error {
	suitable := make([]string, len(c.SuitableFor))
	for i, tt := range c.SuitableFor {
		suitable[i] = string(tt)
	}
	strengths := c.Strengths
	if strengths == nil {
		strengths = []string{}
	}
	id := c.ID
	if id == "" {
		id = c.ModelName
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO llm_capabilities (id, model_name, provider, context_window_kb,
			cost_per_1k_input_tokens, cost_per_1k_output_tokens, avg_speed_tps, strengths,
			suitable_for, max_tokens, supports_vision, supports_function_calling)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			model_name = EXCLUDED.model_name,
			provider = EXCLUDED.provider,
			context_window_kb = EXCLUDED.context_window_kb,
			cost_per_1k_input_tokens = EXCLUDED.cost_per_1k_input_tokens,
			cost_per_1k_output_tokens = EXCLUDED.cost_per_1k_output_tokens,
			avg_speed_tps = EXCLUDED.avg_speed_tps,
			strengths = EXCLUDED.strengths,
			suitable_for = EXCLUDED.suitable_for,
			max_tokens = EXCLUDED.max_tokens,
			supports_vision = EXCLUDED.supports_vision,
			supports_function_calling = EXCLUDED.supports_function_calling`,
		id, c.ModelName, c.Provider, c.ContextWindowKB, c.CostPer1KInputTokens,
		c.CostPer1KOutputTokens, c.AvgSpeedTPS, strengths, suitable, c.MaxTokens,
		c.SupportsVision, c.SupportsFunctionCalling,
	)
	if err != nil {
		return fmt.Errorf("save capability %s: %w", id, err)
	}
	return nil
}
