package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nidhogg/agentmesh/internal/metrics"
	"github.com/nidhogg/agentmesh/internal/task"
	"go.uber.org/zap"
)

// Strategy is the optimization objective used to score models.
type Strategy string

const (
	StrategyCost        Strategy = "cost"
	StrategyPerformance Strategy = "performance"
	StrategyBalanced    Strategy = "balanced"
)

// StrategyFor maps a priority dimension to a scoring strategy.
func StrategyFor(d Dimension) Strategy {
	switch d {
	case DimensionCost:
		return StrategyCost
	case DimensionSpeed, DimensionQuality:
		return StrategyPerformance
	default:
		return StrategyBalanced
	}
}

// SelectionResult is the outcome of one routing decision.
type SelectionResult struct {
	SelectedModel     string   `json:"selected_model"`
	SelectedProvider  string   `json:"selected_provider"`
	SelectionReason   string   `json:"selection_reason"`
	EstimatedCost     float64  `json:"estimated_cost"`
	AlternativeModels []string `json:"alternative_models"`
	RoutingStrategy   Strategy `json:"routing_strategy"`
}

const (
	costEpsilon       = 0.0001
	strengthBonus     = 20
	freeModelBonus    = 1000
	defaultTokenCount = 1000
	inputTokenShare   = 0.6
	maxAlternatives   = 2
)

// ErrNoModelsRegistered is returned when the registry holds no capabilities.
var ErrNoModelsRegistered = fmt.Errorf("%w: no models registered", task.ErrNoCapableModel)

// Selector picks a model backend for a task.
type Selector struct {
	registry *Registry
	log      DecisionLog
	logger   *zap.Logger
}

// NewSelector creates a Selector. log may be nil when decisions are not
// persisted.
func NewSelector(registry *Registry, log DecisionLog, logger *zap.Logger) *Selector {
	return &Selector{registry: registry, log: log, logger: logger}
}

// SelectModel filters, scores and ranks the registered capabilities for the
// given task. It returns task.ErrNoCapableModel when nothing qualifies.
func (s *Selector) SelectModel(ctx context.Context, taskID string, taskType task.Type, md TaskMetadata) (*SelectionResult, error) {
	caps, err := s.registry.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(caps) == 0 {
		return nil, ErrNoModelsRegistered
	}

	strategy := StrategyFor(md.PriorityDimension)
	ranked := Rank(Filter(caps, taskType, md), md, strategy)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w for task type %s", task.ErrNoCapableModel, taskType)
	}

	best := ranked[0]
	alts := make([]string, 0, maxAlternatives)
	for _, c := range ranked[1:] {
		if len(alts) == maxAlternatives {
			break
		}
		alts = append(alts, c.ModelName)
	}

	res := &SelectionResult{
		SelectedModel:     best.ModelName,
		SelectedProvider:  best.Provider,
		SelectionReason:   reason(&best, md, strategy),
		EstimatedCost:     EstimateCost(&best, md.EstimatedTokens),
		AlternativeModels: alts,
		RoutingStrategy:   strategy,
	}

	metrics.RoutingDecisions.WithLabelValues(string(strategy), res.SelectedModel).Inc()
	s.logger.Info("llm model selected",
		zap.String("task", taskID),
		zap.String("type", string(taskType)),
		zap.String("model", res.SelectedModel),
		zap.String("strategy", string(strategy)),
		zap.Float64("estimated_cost", res.EstimatedCost))
	return res, nil
}

// Filter keeps the capabilities able to run a task of type tt with md.
func Filter(caps []Capability, tt task.Type, md TaskMetadata) []Capability {
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if !c.Suits(tt) {
			continue
		}
		if c.ContextWindowKB < md.RequiredContextKB {
			continue
		}
		if md.RequiresVision && !c.SupportsVision {
			continue
		}
		if md.RequiresFunctionCalling && !c.SupportsFunctionCalling {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Rank orders candidates by descending score. Ties keep input order.
func Rank(candidates []Capability, md TaskMetadata, strategy Strategy) []Capability {
	type scored struct {
		c     Capability
		score float64
	}
	list := make([]scored, len(candidates))
	for i, c := range candidates {
		list[i] = scored{c: c, score: Score(&c, md, strategy)}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	out := make([]Capability, len(list))
	for i, s := range list {
		out[i] = s.c
	}
	return out
}

// Score computes the weighted score of one model; higher wins.
func Score(c *Capability, md TaskMetadata, strategy Strategy) float64 {
	var score float64
	for _, s := range c.Strengths {
		if strengthMatches(s, md) {
			score += strengthBonus
			break
		}
	}

	avg := c.AvgCost()
	costScore := 1 / (avg + costEpsilon)
	speedScore := c.AvgSpeedTPS
	contextScore := float64(c.ContextWindowKB) / 200
	if md.Complexity == ComplexityComplex {
		contextScore = float64(c.ContextWindowKB) / 100
	}

	switch strategy {
	case StrategyCost:
		score += costScore*100 + speedScore*0.5 + contextScore*0.5
		if avg == 0 {
			score += freeModelBonus
		}
	case StrategyPerformance:
		score += speedScore*50 + contextScore*10 + costScore*0.1
	default:
		score += costScore*30 + speedScore*20 + contextScore*10
	}
	return score
}

func strengthMatches(strength string, md TaskMetadata) bool {
	s := strings.ToLower(strength)
	switch {
	case md.Complexity == ComplexityComplex && strings.Contains(s, "complex"):
		return true
	case md.Complexity == ComplexitySimple && strings.Contains(s, "simple"):
		return true
	case md.PriorityDimension == DimensionSpeed && strings.Contains(s, "fast"):
		return true
	case md.PriorityDimension == DimensionQuality &&
		(strings.Contains(s, "quality") || strings.Contains(s, "reasoning")):
		return true
	}
	return false
}

// EstimateCost prices tokens as 60% input and 40% output, rounded to six
// decimal places. Zero tokens are treated as the default budget.
func EstimateCost(c *Capability, tokens int) float64 {
	if tokens <= 0 {
		tokens = defaultTokenCount
	}
	in := float64(tokens) * inputTokenShare
	out := float64(tokens) - in
	cost := in/1000*c.CostPer1KInputTokens + out/1000*c.CostPer1KOutputTokens
	return math.Round(cost*1e6) / 1e6
}

func reason(c *Capability, md TaskMetadata, strategy Strategy) string {
	parts := []string{fmt.Sprintf("Selected via %s strategy", strategy)}

	avg := c.AvgCost()
	if avg == 0 {
		parts = append(parts, "free tier model (max cost savings)")
	} else if avg < 0.001 {
		parts = append(parts, "low-cost model")
	}
	if md.Complexity == ComplexityComplex {
		parts = append(parts, fmt.Sprintf("handles complex tasks with %dKB context", c.ContextWindowKB))
	}
	if md.PriorityDimension == DimensionSpeed {
		parts = append(parts, fmt.Sprintf("fast performance (%g tokens/sec)", c.AvgSpeedTPS))
	}
	if md.RequiresVision && c.SupportsVision {
		parts = append(parts, "supports vision capabilities")
	}
	if md.RequiresFunctionCalling && c.SupportsFunctionCalling {
		parts = append(parts, "supports function calling")
	}
	return strings.Join(parts, ", ")
}
