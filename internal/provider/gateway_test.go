package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

var errBackendDown = errors.New("backend down")

type fakeProvider struct {
	id    string
	fail  bool
	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return f.id }

func (f *fakeProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errBackendDown
	}
	return &ChatResponse{Model: f.id, Content: "from " + f.id}, nil
}

func (f *fakeProvider) HealthCheck(context.Context) error {
	if f.fail {
		return errBackendDown
	}
	return nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct{ fakeProvider }

func (f *fakeEmbedder) Embed(_ context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errBackendDown
	}
	return &EmbeddingResponse{Embedding: []float32{1, 2}, Model: f.id}, nil
}

func chatOp(content string) Operation {
	return ChatOp(&ChatRequest{Messages: []Message{{Role: "user", Content: content}}})
}

func TestGatewayCall_FallbackToHealthyAlternate(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	primary := &fakeProvider{id: "primary", fail: true}
	alt := &fakeProvider{id: "alt"}
	gw.Register(primary, ClassGeneral)
	gw.Register(alt, ClassCheap)

	res, err := gw.Call(context.Background(), chatOp("hi"), "primary")
	require.NoError(t, err)
	assert.Equal(t, "alt", res.ProviderID)
	assert.True(t, res.FellBack)
	assert.Equal(t, "from alt", res.Chat.Content)

	assert.Equal(t, 2, primary.Calls(), "primary tried MaxRetries times")
	assert.Equal(t, 1, alt.Calls(), "fallback tried once")
	assert.False(t, gw.Health().IsHealthy("primary"))
	assert.True(t, gw.Health().IsHealthy("alt"))
}

func TestGatewayCall_AllFailReturnsOriginalError(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	gw.Register(&fakeProvider{id: "a", fail: true}, ClassGeneral)
	b := &fakeProvider{id: "b", fail: true}
	gw.Register(b, ClassCheap)

	_, err := gw.Call(context.Background(), chatOp("hi"), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrAllProvidersFailed)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, 1, b.Calls())
}

func TestGatewayCall_NoFallbackWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackEnabled = false
	cfg.MaxRetries = 3
	gw := NewGateway(cfg, zap.NewNop())
	primary := &fakeProvider{id: "a", fail: true}
	alt := &fakeProvider{id: "b"}
	gw.Register(primary, ClassGeneral)
	gw.Register(alt, ClassGeneral)

	_, err := gw.Call(context.Background(), chatOp("hi"), "a")
	assert.ErrorIs(t, err, task.ErrAllProvidersFailed)
	assert.Equal(t, 3, primary.Calls())
	assert.Zero(t, alt.Calls())
}

func TestGatewayCall_FallbackSkipsUnhealthy(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	gw.Register(&fakeProvider{id: "a", fail: true}, ClassGeneral)
	sick := &fakeProvider{id: "b"}
	gw.Register(sick, ClassGeneral)
	gw.Register(&fakeProvider{id: "c"}, ClassGeneral)
	gw.Health().MarkUnhealthy("b")

	res, err := gw.Call(context.Background(), chatOp("hi"), "a")
	require.NoError(t, err)
	assert.Equal(t, "c", res.ProviderID)
	assert.Zero(t, sick.Calls())
}

func TestGatewayCall_UnknownPrimary(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	_, err := gw.Call(context.Background(), chatOp("hi"), "ghost")
	assert.ErrorIs(t, err, ErrNoHealthyProviders)
}

func TestGatewayEmbed_UnsupportedIsDistinguishable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackEnabled = false
	gw := NewGateway(cfg, zap.NewNop())
	chatOnly := &fakeProvider{id: "anthropic"}
	gw.Register(chatOnly, ClassQuality)

	_, err := gw.Call(context.Background(), EmbedOp(&EmbeddingRequest{Text: "x"}), "anthropic")
	assert.ErrorIs(t, err, ErrEmbeddingUnsupported)
	assert.True(t, gw.Health().IsHealthy("anthropic"), "unsupported embedding is not a health failure")
}

func TestGatewayEmbed_FallbackPrefersEmbedder(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	gw.Register(&fakeEmbedder{fakeProvider{id: "cheap", fail: true}}, ClassCheap)
	gw.Register(&fakeProvider{id: "chat-only"}, ClassGeneral)
	gw.Register(&fakeEmbedder{fakeProvider{id: "general-embed"}}, ClassGeneral)

	res, err := gw.Embed(context.Background(), &EmbeddingRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "general-embed", res.ProviderID)
	assert.Len(t, res.Embedding.Embedding, 2)
}

func TestSelectPrimary(t *testing.T) {
	newGW := func(strategy routing.Strategy) *Gateway {
		cfg := DefaultConfig()
		cfg.Strategy = strategy
		gw := NewGateway(cfg, zap.NewNop())
		gw.Register(&fakeEmbedder{fakeProvider{id: "gemini"}}, ClassCheap)
		gw.Register(&fakeEmbedder{fakeProvider{id: "openai"}}, ClassGeneral)
		gw.Register(&fakeProvider{id: "claude"}, ClassQuality)
		return gw
	}

	tests := []struct {
		name     string
		strategy routing.Strategy
		op       Operation
		want     string
	}{
		{"small request goes cheap", routing.StrategyBalanced, chatOp("summarize this"), "gemini"},
		{"large request goes general", routing.StrategyBalanced, chatOp(strings.Repeat("word ", 300)), "openai"},
		{"security goes quality", routing.StrategyBalanced, chatOp("check this for a vulnerability"), "claude"},
		{"complexity goes quality", routing.StrategyBalanced, chatOp("plan the migration"), "claude"},
		{"ui goes general", routing.StrategyBalanced, chatOp("fix the button color"), "openai"},
		{"cost strategy", routing.StrategyCost, chatOp(strings.Repeat("word ", 300)), "gemini"},
		{"performance strategy", routing.StrategyPerformance, chatOp("hi"), "openai"},
		{"embeddings always cheap", routing.StrategyPerformance, EmbedOp(&EmbeddingRequest{Text: "x"}), "gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newGW(tt.strategy).SelectPrimary(tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectPrimary_PreferredAndUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreferredProvider = "claude"
	gw := NewGateway(cfg, zap.NewNop())
	gw.Register(&fakeProvider{id: "gemini"}, ClassCheap)
	gw.Register(&fakeProvider{id: "claude"}, ClassQuality)

	got, err := gw.SelectPrimary(chatOp("hi"))
	require.NoError(t, err)
	assert.Equal(t, "claude", got)

	gw.Health().MarkUnhealthy("claude")
	got, err = gw.SelectPrimary(chatOp("hi"))
	require.NoError(t, err)
	assert.Equal(t, "gemini", got)
}

func TestSelectPrimary_LeastRequestsWithinClass(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	gw.Register(&fakeProvider{id: "a"}, ClassCheap)
	gw.Register(&fakeProvider{id: "b"}, ClassCheap)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := gw.Chat(ctx, &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int64{"a": 2, "b": 2}, gw.UsageStats())

	gw.ResetStats()
	assert.Equal(t, map[string]int64{"a": 0, "b": 0}, gw.UsageStats())
}

func TestSelectPrimary_NoProviders(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	_, err := gw.SelectPrimary(chatOp("hi"))
	assert.ErrorIs(t, err, ErrNoHealthyProviders)
}

func TestGatewayCheckHealth(t *testing.T) {
	gw := NewGateway(DefaultConfig(), zap.NewNop())
	gw.Register(&fakeProvider{id: "up"}, ClassCheap)
	gw.Register(&fakeProvider{id: "down", fail: true}, ClassGeneral)

	snap := gw.CheckHealth(context.Background())
	assert.True(t, snap["up"].Healthy)
	assert.False(t, snap["down"].Healthy)
}

type listingProvider struct {
	fakeProvider
	models []Model
	err    error
}

func (l *listingProvider) ListModels(context.Context) ([]Model, error) { return l.models, l.err }

func TestGatewayListModels(t *testing.T) {
	g := NewGateway(DefaultConfig(), zap.NewNop())
	g.Register(&listingProvider{fakeProvider: fakeProvider{id: "openai"}, models: []Model{{ID: "gpt-4o", Provider: "openai"}}}, ClassGeneral)
	g.Register(&listingProvider{fakeProvider: fakeProvider{id: "broken"}, err: errBackendDown}, ClassCheap)
	g.Register(&fakeProvider{id: "plain"}, ClassQuality)

	got := g.ListModels(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "gpt-4o", got["openai"][0].ID)
}
