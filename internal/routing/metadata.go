package routing

import (
	"encoding/json"

	"github.com/nidhogg/agentmesh/internal/classify"
	"github.com/nidhogg/agentmesh/internal/task"
)

// Complexity is the estimated difficulty of a task.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Dimension is what a task cares about most when a model is picked.
type Dimension string

const (
	DimensionSpeed    Dimension = "speed"
	DimensionQuality  Dimension = "quality"
	DimensionCost     Dimension = "cost"
	DimensionBalanced Dimension = "balanced"
)

// TaskMetadata holds routing hints derived from a task. It is never persisted
// on the task itself, only inside routing decisions.
type TaskMetadata struct {
	Complexity              Complexity `json:"complexity"`
	RequiredContextKB       int        `json:"required_context_kb"`
	PriorityDimension       Dimension  `json:"priority_dimension"`
	EstimatedTokens         int        `json:"estimated_tokens"`
	RequiresVision          bool       `json:"requires_vision"`
	RequiresFunctionCalling bool       `json:"requires_function_calling"`
}

const (
	minContextKB       = 5
	maxContextKB       = 100
	largeContextKB     = 50
	maxEstimatedTokens = 100000
	outputTokenBudget  = 500
	charsPerToken      = 4
)

var (
	complexTypes = typeSet(task.TypeDesignArchitecture, task.TypeImplementFeature,
		task.TypeSecurityReview, task.TypeComplianceCheck)
	simpleTypes       = typeSet(task.TypeCostAlert, task.TypeEstimateCost, task.TypeDeploy)
	largeContextTypes = typeSet(task.TypeDesignArchitecture, task.TypeImplementFeature,
		task.TypeSecurityReview, task.TypeComplianceCheck, task.TypeAnalyzeData)
	qualityTypes = typeSet(task.TypeSecurityReview, task.TypeComplianceCheck,
		task.TypeVulnerabilityScan, task.TypeDesignReview)
	costTypes   = typeSet(task.TypeEstimateCost, task.TypeOptimizeResources, task.TypeCostAlert)
	visionTypes = typeSet(task.TypeDesignUIUX, task.TypeCreatePrototype, task.TypeDesignReview)
)

func typeSet(types ...task.Type) map[task.Type]bool {
	m := make(map[task.Type]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Deriver computes TaskMetadata using a pluggable text classifier.
type Deriver struct {
	Classifier classify.Classifier
}

// DeriveMetadata derives metadata with the default keyword classifier.
func DeriveMetadata(t *task.Task) TaskMetadata {
	return Deriver{Classifier: classify.Default}.Derive(t)
}

// Derive is a pure function of the task's type, description, input size and
// priority.
func (d Deriver) Derive(t *task.Task) TaskMetadata {
	c := d.Classifier
	if c == nil {
		c = classify.Default
	}
	tags := c.Classify(t.Description)
	descLen := len(t.Description)
	inputLen := payloadSize(t.InputData)

	return TaskMetadata{
		Complexity:              complexity(t.Type, descLen, inputLen),
		RequiredContextKB:       requiredContext(t.Type, inputLen),
		PriorityDimension:       dimension(t.Type, t.Priority),
		EstimatedTokens:         estimateTokens(descLen, inputLen),
		RequiresVision:          visionTypes[t.Type] || classify.Has(tags, classify.TagVision),
		RequiresFunctionCalling: t.Type == task.TypeDevelopAPI || classify.Has(tags, classify.TagFunctionCalling),
	}
}

// payloadSize is the JSON-encoded size of the input. encoding/json sorts map
// keys, so the size is stable for equal inputs.
func payloadSize(data map[string]any) int {
	if len(data) == 0 {
		return 0
	}
	b, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(b)
}

func complexity(tt task.Type, descLen, inputLen int) Complexity {
	switch {
	case complexTypes[tt] || descLen > 500 || inputLen > 1000:
		return ComplexityComplex
	case simpleTypes[tt] || (descLen < 20 && inputLen < 100):
		return ComplexitySimple
	default:
		return ComplexityMedium
	}
}

func requiredContext(tt task.Type, inputLen int) int {
	kb := minContextKB
	if largeContextTypes[tt] {
		kb = largeContextKB
	} else if inputLen > 0 {
		kb += (inputLen + 1023) / 1024
	}
	if kb > maxContextKB {
		kb = maxContextKB
	}
	return kb
}

func dimension(tt task.Type, p task.Priority) Dimension {
	switch {
	case p == task.PriorityHigh || p == task.PriorityCritical:
		return DimensionSpeed
	case qualityTypes[tt]:
		return DimensionQuality
	case costTypes[tt]:
		return DimensionCost
	default:
		return DimensionBalanced
	}
}

func estimateTokens(descLen, inputLen int) int {
	n := (descLen+inputLen+charsPerToken-1)/charsPerToken + outputTokenBudget
	if n > maxEstimatedTokens {
		n = maxEstimatedTokens
	}
	return n
}
