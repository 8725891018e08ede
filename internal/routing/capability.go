package routing

import (
	"context"
	"sync"

	"github.com/nidhogg/agentmesh/internal/task"
	"go.uber.org/zap"
)

// Capability is the static description of one model backend.
type Capability struct {
	ID                      string      `json:"id"`
	ModelName               string      `json:"model_name"`
	Provider                string      `json:"provider"`
	ContextWindowKB         int         `json:"context_window_kb"`
	CostPer1KInputTokens    float64     `json:"cost_per_1k_input_tokens"`
	CostPer1KOutputTokens   float64     `json:"cost_per_1k_output_tokens"`
	AvgSpeedTPS             float64     `json:"avg_speed_tps"`
	Strengths               []string    `json:"strengths"`
	SuitableFor             []task.Type `json:"suitable_for"`
	MaxTokens               int         `json:"max_tokens"`
	SupportsVision          bool        `json:"supports_vision"`
	SupportsFunctionCalling bool        `json:"supports_function_calling"`
}

// AvgCost is the mean of the input and output per-1k token prices.
func (c *Capability) AvgCost() float64 {
	return (c.CostPer1KInputTokens + c.CostPer1KOutputTokens) / 2
}

// Suits reports whether the model accepts tasks of type tt. An empty
// SuitableFor list accepts everything.
func (c *Capability) Suits(tt task.Type) bool {
	if len(c.SuitableFor) == 0 {
		return true
	}
	for _, s := range c.SuitableFor {
		if s == tt {
			return true
		}
	}
	return false
}

// CapabilitySource loads capability rows from durable storage.
type CapabilitySource interface {
	LoadCapabilities(ctx context.Context) ([]Capability, error)
}

// StaticSource serves a fixed list, e.g. from configuration.
type StaticSource []Capability

// LoadCapabilities implements CapabilitySource.
func (s StaticSource) LoadCapabilities(context.Context) ([]Capability, error) {
	out := make([]Capability, len(s))
	copy(out, s)
	return out, nil
}

// Registry lazily loads and caches capabilities. The cache is read-only
// until Invalidate is called.
type Registry struct {
	source CapabilitySource
	mu     sync.RWMutex
	caps   []Capability
	loaded bool
	logger *zap.Logger
}

// NewRegistry creates a registry backed by source.
func NewRegistry(source CapabilitySource, logger *zap.Logger) *Registry {
	return &Registry{source: source, logger: logger}
}

// Load returns the cached capabilities, reading the source on first use.
// Storage errors are returned as-is; an empty result is not cached.
func (r *Registry) Load(ctx context.Context) ([]Capability, error) {
	r.mu.RLock()
	if r.loaded {
		caps := r.caps
		r.mu.RUnlock()
		return caps, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.caps, nil
	}
	caps, err := r.source.LoadCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		r.caps = caps
		r.loaded = true
	}
	r.logger.Info("loaded llm capabilities", zap.Int("count", len(caps)))
	return caps, nil
}

// IsEmpty reports whether no models are registered. It triggers a load when
// nothing has been cached yet.
func (r *Registry) IsEmpty(ctx context.Context) bool {
	caps, err := r.Load(ctx)
	return err != nil || len(caps) == 0
}

// Invalidate drops the cache so the next Load reads the source again.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = nil
	r.loaded = false
	r.logger.Info("capability cache invalidated")
}
