package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/classify"
	"github.com/nidhogg/agentmesh/internal/metrics"
	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

// ErrNoHealthyProviders means no registered backend can take the operation.
var ErrNoHealthyProviders = errors.New("no healthy providers")

// OperationKind is the kind of backend call.
type OperationKind string

const (
	OpChat  OperationKind = "chat"
	OpEmbed OperationKind = "embed"
)

// Operation is a backend-agnostic request. Exactly one payload matches Kind.
type Operation struct {
	Kind  OperationKind
	Chat  *ChatRequest
	Embed *EmbeddingRequest
}

// ChatOp wraps a chat request.
func ChatOp(req *ChatRequest) Operation { return Operation{Kind: OpChat, Chat: req} }

// EmbedOp wraps an embedding request.
func EmbedOp(req *EmbeddingRequest) Operation { return Operation{Kind: OpEmbed, Embed: req} }

func (op Operation) text() string {
	switch op.Kind {
	case OpChat:
		if op.Chat == nil {
			return ""
		}
		s := ""
		for _, m := range op.Chat.Messages {
			s += m.Content + "\n"
		}
		return s
	case OpEmbed:
		if op.Embed == nil {
			return ""
		}
		return op.Embed.Text
	}
	return ""
}

// withoutModel drops the model name so an alternate backend uses its own default.
func (op Operation) withoutModel() Operation {
	if op.Chat != nil && op.Chat.Model != "" {
		c := *op.Chat
		c.Model = ""
		op.Chat = &c
	}
	if op.Embed != nil && op.Embed.Model != "" {
		e := *op.Embed
		e.Model = ""
		op.Embed = &e
	}
	return op
}

func (op Operation) size() int {
	if op.Kind == OpChat && op.Chat != nil {
		return op.Chat.TextLength()
	}
	if op.Kind == OpEmbed && op.Embed != nil {
		return len(op.Embed.Text)
	}
	return 0
}

// Result is the outcome of a successful call.
type Result struct {
	ProviderID string             `json:"provider_id"`
	Chat       *ChatResponse      `json:"chat,omitempty"`
	Embedding  *EmbeddingResponse `json:"embedding,omitempty"`
	Latency    time.Duration      `json:"latency"`
	FellBack   bool               `json:"fell_back"`
}

// Config controls retry, fallback and primary selection.
type Config struct {
	PreferredProvider string
	FallbackEnabled   bool
	MaxRetries        int
	Strategy          routing.Strategy
	SmallRequestChars int
	HealthCooldown    time.Duration
}

// DefaultConfig returns the stock gateway settings.
func DefaultConfig() Config {
	return Config{
		FallbackEnabled:   true,
		MaxRetries:        2,
		Strategy:          routing.StrategyBalanced,
		SmallRequestChars: 1000,
		HealthCooldown:    DefaultHealthCooldown,
	}
}

// Gateway fronts every registered backend with health tracking, bounded
// retries and a single fallback attempt.
type Gateway struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	classes    map[string]Class
	order      []string
	requests   map[string]int64
	health     *HealthTracker
	classifier classify.Classifier
	cfg        Config
	logger     *zap.Logger
}

// NewGateway creates an empty gateway.
func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.SmallRequestChars <= 0 {
		cfg.SmallRequestChars = 1000
	}
	if cfg.Strategy == "" {
		cfg.Strategy = routing.StrategyBalanced
	}
	return &Gateway{
		providers:  make(map[string]Provider),
		classes:    make(map[string]Class),
		requests:   make(map[string]int64),
		health:     NewHealthTracker(cfg.HealthCooldown),
		classifier: classify.Default,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetClassifier replaces the content classifier used by balanced selection.
func (g *Gateway) SetClassifier(c classify.Classifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classifier = c
}

// Register adds a backend. Registration order is the fallback search order.
func (g *Gateway) Register(p Provider, class Class) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.providers[p.ID()]; !ok {
		g.order = append(g.order, p.ID())
	}
	if class == "" {
		class = ClassGeneral
	}
	g.providers[p.ID()] = p
	g.classes[p.ID()] = class
	g.logger.Info("registered provider",
		zap.String("id", p.ID()), zap.String("name", p.Name()), zap.String("class", string(class)))
}

// Has reports whether a backend with this ID is registered.
func (g *Gateway) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.providers[id]
	return ok
}

// Providers returns the registered backend IDs in registration order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// ListModels asks every backend that can enumerate its models. A backend
// whose listing fails is logged and left out of the result.
func (g *Gateway) ListModels(ctx context.Context) map[string][]Model {
	g.mu.RLock()
	listers := make(map[string]ModelLister)
	for _, id := range g.order {
		if l, ok := g.providers[id].(ModelLister); ok {
			listers[id] = l
		}
	}
	g.mu.RUnlock()

	out := make(map[string][]Model, len(listers))
	for id, l := range listers {
		models, err := l.ListModels(ctx)
		if err != nil {
			g.logger.Warn("list models failed", zap.String("provider", id), zap.Error(err))
			continue
		}
		out[id] = models
	}
	return out
}

// Health exposes the tracker for inspection.
func (g *Gateway) Health() *HealthTracker { return g.health }

// Chat selects a primary by strategy and calls it.
func (g *Gateway) Chat(ctx context.Context, req *ChatRequest) (*Result, error) {
	op := ChatOp(req)
	primary, err := g.SelectPrimary(op)
	if err != nil {
		return nil, err
	}
	return g.Call(ctx, op, primary)
}

// Embed routes an embedding to the cheapest capable backend.
func (g *Gateway) Embed(ctx context.Context, req *EmbeddingRequest) (*Result, error) {
	op := EmbedOp(req)
	primary, err := g.SelectPrimary(op)
	if err != nil {
		return nil, err
	}
	return g.Call(ctx, op, primary)
}

// Call runs op on primaryID with up to MaxRetries attempts. Only the last
// failed attempt marks the primary unhealthy. If fallback is enabled one
// healthy alternate is tried once with its default model. On total failure
// the primary's error is returned wrapped with task.ErrAllProvidersFailed.
func (g *Gateway) Call(ctx context.Context, op Operation, primaryID string) (*Result, error) {
	g.mu.RLock()
	primary, ok := g.providers[primaryID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", primaryID, ErrNoHealthyProviders)
	}

	var primaryErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		res, err := g.invoke(ctx, primary, op)
		if err == nil {
			return res, nil
		}
		primaryErr = err
		if errors.Is(err, ErrEmbeddingUnsupported) {
			break
		}
		g.logger.Warn("provider call failed",
			zap.String("provider", primaryID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", g.cfg.MaxRetries),
			zap.Error(err))
		if attempt == g.cfg.MaxRetries {
			g.health.MarkUnhealthy(primaryID)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if g.cfg.FallbackEnabled && ctx.Err() == nil {
		if alt := g.fallbackFor(primaryID, op); alt != nil {
			metrics.ProviderFallbacks.WithLabelValues(primaryID, alt.ID()).Inc()
			g.logger.Info("falling back to alternate provider",
				zap.String("from", primaryID), zap.String("to", alt.ID()))
			res, err := g.invoke(ctx, alt, op.withoutModel())
			if err == nil {
				res.FellBack = true
				return res, nil
			}
			if !errors.Is(err, ErrEmbeddingUnsupported) {
				g.health.MarkUnhealthy(alt.ID())
			}
			g.logger.Warn("fallback provider failed", zap.String("provider", alt.ID()), zap.Error(err))
		}
	}

	return nil, fmt.Errorf("%w: %s: %w", task.ErrAllProvidersFailed, primaryID, primaryErr)
}

func (g *Gateway) invoke(ctx context.Context, p Provider, op Operation) (*Result, error) {
	g.mu.Lock()
	g.requests[p.ID()]++
	g.mu.Unlock()

	start := time.Now()
	res := &Result{ProviderID: p.ID()}
	var err error
	switch op.Kind {
	case OpChat:
		res.Chat, err = p.Chat(ctx, op.Chat)
	case OpEmbed:
		e, ok := p.(Embedder)
		if !ok {
			err = fmt.Errorf("provider %s: %w", p.ID(), ErrEmbeddingUnsupported)
			break
		}
		res.Embedding, err = e.Embed(ctx, op.Embed)
	default:
		err = fmt.Errorf("unknown operation %q", op.Kind)
	}
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(p.ID(), string(op.Kind), "error").Inc()
		return nil, err
	}

	res.Latency = time.Since(start)
	g.health.MarkHealthy(p.ID(), res.Latency)
	metrics.ProviderCalls.WithLabelValues(p.ID(), string(op.Kind), "ok").Inc()
	metrics.ProviderLatency.WithLabelValues(p.ID()).Observe(res.Latency.Seconds())
	return res, nil
}

// fallbackFor picks the first healthy backend other than failedID, preferring
// embedding-capable ones for embed operations.
func (g *Gateway) fallbackFor(failedID string, op Operation) Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var first Provider
	for _, id := range g.order {
		if id == failedID || !g.health.IsHealthy(id) {
			continue
		}
		p := g.providers[id]
		if op.Kind != OpEmbed {
			return p
		}
		if _, ok := p.(Embedder); ok {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

// SelectPrimary chooses the backend for op before any scoring is involved.
// A healthy preferred backend always wins; embeddings go to the cheapest
// embedding-capable backend; otherwise the configured strategy picks a class.
func (g *Gateway) SelectPrimary(op Operation) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) == 0 {
		return "", ErrNoHealthyProviders
	}
	if pref := g.cfg.PreferredProvider; pref != "" {
		if _, ok := g.providers[pref]; ok && g.health.IsHealthy(pref) {
			return pref, nil
		}
	}

	if op.Kind == OpEmbed {
		if id := g.pick(func(id string) bool {
			_, ok := g.providers[id].(Embedder)
			return ok
		}, ClassCheap, ClassGeneral, ClassQuality); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("embed: %w", ErrEmbeddingUnsupported)
	}

	var classes []Class
	switch g.cfg.Strategy {
	case routing.StrategyCost:
		classes = []Class{ClassCheap}
	case routing.StrategyPerformance:
		classes = []Class{ClassGeneral, ClassQuality}
	default:
		classes = g.balancedClasses(op)
	}
	if id := g.pick(nil, classes...); id != "" {
		return id, nil
	}
	// No backend of the wanted class is healthy: least-requested healthy backend.
	if id := g.leastRequested(func(id string) bool { return g.health.IsHealthy(id) }); id != "" {
		return id, nil
	}
	return "", ErrNoHealthyProviders
}

// balancedClasses inspects request content to bias toward a backend class.
func (g *Gateway) balancedClasses(op Operation) []Class {
	tags := g.classifier.Classify(op.text())
	switch {
	case classify.Has(tags, classify.TagComplex), classify.Has(tags, classify.TagSecurity):
		return []Class{ClassQuality, ClassGeneral}
	case classify.Has(tags, classify.TagUI):
		return []Class{ClassGeneral}
	case op.size() < g.cfg.SmallRequestChars:
		return []Class{ClassCheap, ClassGeneral}
	default:
		return []Class{ClassGeneral, ClassQuality}
	}
}

// pick returns the least-requested healthy backend of the first class that has one.
// Callers must hold g.mu.
func (g *Gateway) pick(accept func(id string) bool, classes ...Class) string {
	for _, class := range classes {
		id := g.leastRequested(func(id string) bool {
			if g.classes[id] != class || !g.health.IsHealthy(id) {
				return false
			}
			return accept == nil || accept(id)
		})
		if id != "" {
			return id
		}
	}
	return ""
}

// leastRequested returns the matching backend with the fewest requests,
// ties going to registration order. Callers must hold g.mu.
func (g *Gateway) leastRequested(match func(id string) bool) string {
	best := ""
	var bestN int64
	for _, id := range g.order {
		if !match(id) {
			continue
		}
		if n := g.requests[id]; best == "" || n < bestN {
			best, bestN = id, n
		}
	}
	return best
}

// CheckHealth probes every backend and records the outcome.
func (g *Gateway) CheckHealth(ctx context.Context) map[string]Health {
	g.mu.RLock()
	providers := make([]Provider, 0, len(g.order))
	for _, id := range g.order {
		providers = append(providers, g.providers[id])
	}
	g.mu.RUnlock()

	for _, p := range providers {
		start := time.Now()
		if err := p.HealthCheck(ctx); err != nil {
			g.health.MarkUnhealthy(p.ID())
			g.logger.Warn("provider health check failed", zap.String("provider", p.ID()), zap.Error(err))
			continue
		}
		g.health.MarkHealthy(p.ID(), time.Since(start))
	}
	return g.health.Snapshot()
}

// UsageStats returns request counts per backend.
func (g *Gateway) UsageStats() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int64, len(g.order))
	for _, id := range g.order {
		out[id] = g.requests[id]
	}
	return out
}

// ResetStats zeroes the request counters.
func (g *Gateway) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = make(map[string]int64)
}
