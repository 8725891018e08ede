package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/provider"
	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

type stubBackend struct {
	id   string
	fail bool

	mu   sync.Mutex
	reqs []*provider.ChatRequest
}

func (s *stubBackend) ID() string   { return s.id }
func (s *stubBackend) Name() string { return s.id }

func (s *stubBackend) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fail {
		return nil, errors.New(s.id + " unavailable")
	}
	model := req.Model
	if model == "" {
		model = s.id + "-default"
	}
	return &provider.ChatResponse{
		Model:   model,
		Content: "done by " + s.id,
		Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *stubBackend) HealthCheck(context.Context) error { return nil }

// hangingBackend blocks every call until the caller's context ends.
type hangingBackend struct {
	entered chan struct{}
	once    sync.Once
}

func (h *hangingBackend) ID() string   { return "openai" }
func (h *hangingBackend) Name() string { return "openai" }

func (h *hangingBackend) Chat(ctx context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	h.once.Do(func() { close(h.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingBackend) HealthCheck(context.Context) error { return nil }

// ctxRepository refuses writes under a finished context, as a database
// driver would.
type ctxRepository struct {
	*queue.MemoryRepository
}

func (r ctxRepository) UpdateTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRepository.UpdateTask(ctx, t)
}

func (s *stubBackend) requests() []*provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*provider.ChatRequest(nil), s.reqs...)
}

func dispatchCapabilities() routing.StaticSource {
	return routing.StaticSource{
		{
			ID: "gpt-4o", ModelName: "gpt-4o", Provider: "openai",
			ContextWindowKB: 128, CostPer1KInputTokens: 0.0025, CostPer1KOutputTokens: 0.01,
			AvgSpeedTPS: 80, Strengths: []string{"reasoning"}, MaxTokens: 16384,
			SupportsVision: true, SupportsFunctionCalling: true,
		},
	}
}

type dispatchHarness struct {
	tasks    *queue.Manager
	gateway  *provider.Gateway
	decision *routing.MemoryDecisionLog
	disp     *Dispatcher
}

func newDispatchHarness(t *testing.T, caps routing.StaticSource, backends ...*stubBackend) *dispatchHarness {
	t.Helper()
	logger := zap.NewNop()
	gw := provider.NewGateway(provider.DefaultConfig(), logger)
	for _, b := range backends {
		gw.Register(b, provider.ClassGeneral)
	}
	log := routing.NewMemoryDecisionLog()
	sel := routing.NewSelector(routing.NewRegistry(caps, logger), log, logger)
	m := queue.NewManager(queue.NewMemoryRepository(), logger)
	return &dispatchHarness{tasks: m, gateway: gw, decision: log, disp: NewDispatcher(m, sel, gw, logger)}
}

func (h *dispatchHarness) assigned(t *testing.T, tt task.Type, agent string) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk, err := h.tasks.Create(ctx, task.Spec{
		Type:        tt,
		Title:       "Write the PRD",
		Description: "Invoice export for finance",
		InputData:   map[string]any{"customer": "acme"},
	})
	require.NoError(t, err)
	tk, err = h.tasks.Assign(ctx, tk.ID, agent)
	require.NoError(t, err)
	return tk
}

func TestDispatcher_Execute(t *testing.T) {
	openai := &stubBackend{id: "openai"}
	h := newDispatchHarness(t, dispatchCapabilities(), openai)
	ctx := context.Background()
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	require.NoError(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))

	got, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "done by openai", got.OutputData["content"])
	assert.Equal(t, "gpt-4o", got.OutputData["model"])
	assert.Equal(t, "openai", got.OutputData["provider"])
	assert.Equal(t, false, got.OutputData["fell_back"])
	assert.NotEmpty(t, got.OutputData["routing_decision_id"])

	reqs := openai.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Contains(t, reqs[0].Messages[0].Content, task.AgentPM)
	assert.Contains(t, reqs[0].Messages[1].Content, "Write the PRD")
	assert.Contains(t, reqs[0].Messages[1].Content, `"customer": "acme"`)

	decisions, err := h.decision.ListDecisionsSince(ctx, got.CreatedAt.Add(-1))
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, tk.ID, decisions[0].TaskID)
}

func TestDispatcher_FallsBackToOtherBackend(t *testing.T) {
	h := newDispatchHarness(t, dispatchCapabilities(), &stubBackend{id: "openai", fail: true}, &stubBackend{id: "anthropic"})
	ctx := context.Background()
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	require.NoError(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))

	got, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "anthropic", got.OutputData["provider"])
	assert.Equal(t, "anthropic-default", got.OutputData["model"], "fallback uses its own model")
	assert.Equal(t, true, got.OutputData["fell_back"])
}

func TestDispatcher_AllBackendsFail(t *testing.T) {
	h := newDispatchHarness(t, dispatchCapabilities(), &stubBackend{id: "openai", fail: true})
	ctx := context.Background()
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	err := h.disp.Execute(ctx, tk.ID, task.AgentPM)
	assert.ErrorIs(t, err, task.ErrAllProvidersFailed)

	got, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "model call failed")
}

func TestDispatcher_NoCapableModel(t *testing.T) {
	h := newDispatchHarness(t, routing.StaticSource{}, &stubBackend{id: "openai"})
	ctx := context.Background()
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	assert.Error(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))
	got, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "model selection failed")
}

func TestDispatcher_UnregisteredProviderUsesGatewaySelection(t *testing.T) {
	gemini := &stubBackend{id: "gemini"}
	h := newDispatchHarness(t, dispatchCapabilities(), gemini)
	ctx := context.Background()
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	require.NoError(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))
	reqs := gemini.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Model, "vendor model names are not sent to another backend")
}

func TestDispatcher_WrongAgent(t *testing.T) {
	h := newDispatchHarness(t, dispatchCapabilities(), &stubBackend{id: "openai"})
	tk := h.assigned(t, task.TypeWritePRD, task.AgentPM)

	err := h.disp.Execute(context.Background(), tk.ID, task.AgentQA)
	assert.ErrorIs(t, err, task.ErrNotAssignedToAgent)
}

func TestDispatcher_ShutdownStillFailsTask(t *testing.T) {
	logger := zap.NewNop()
	backend := &hangingBackend{entered: make(chan struct{})}
	gw := provider.NewGateway(provider.DefaultConfig(), logger)
	gw.Register(backend, provider.ClassGeneral)
	sel := routing.NewSelector(routing.NewRegistry(dispatchCapabilities(), logger), routing.NewMemoryDecisionLog(), logger)
	m := queue.NewManager(ctxRepository{queue.NewMemoryRepository()}, logger)
	disp := NewDispatcher(m, sel, gw, logger)

	bg := context.Background()
	tk, err := m.Create(bg, task.Spec{Type: task.TypeWritePRD})
	require.NoError(t, err)
	_, err = m.Assign(bg, tk.ID, task.AgentPM)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- disp.Execute(ctx, tk.ID, task.AgentPM) }()

	<-backend.entered
	cancel()
	require.Error(t, <-done)

	got, err := m.Get(bg, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "model call failed")
}

func TestDispatcher_PassesTaskTools(t *testing.T) {
	openai := &stubBackend{id: "openai"}
	h := newDispatchHarness(t, dispatchCapabilities(), openai)
	ctx := context.Background()
	tk, err := h.tasks.Create(ctx, task.Spec{
		Type:  task.TypeWritePRD,
		Title: "Look up the invoice schema",
		InputData: map[string]any{
			"customer": "acme",
			"tools": []any{map[string]any{
				"function": map[string]any{
					"name":        "fetch_schema",
					"description": "returns a table schema",
					"parameters":  map[string]any{"type": "object"},
				},
			}},
		},
	})
	require.NoError(t, err)
	_, err = h.tasks.Assign(ctx, tk.ID, task.AgentPM)
	require.NoError(t, err)

	require.NoError(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))

	reqs := openai.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "function", reqs[0].Tools[0].Type)
	assert.Equal(t, "fetch_schema", reqs[0].Tools[0].Function.Name)
	assert.Equal(t, "auto", reqs[0].ToolChoice)
	assert.NotContains(t, reqs[0].Messages[1].Content, "fetch_schema", "tools are not repeated in the prompt")

	decisions, err := h.decision.ListDecisionsSince(ctx, tk.CreatedAt.Add(-1))
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].TaskMetadata.RequiresFunctionCalling)
}

func TestDispatcher_InvalidToolsFailTask(t *testing.T) {
	h := newDispatchHarness(t, dispatchCapabilities(), &stubBackend{id: "openai"})
	ctx := context.Background()
	tk, err := h.tasks.Create(ctx, task.Spec{
		Type:      task.TypeWritePRD,
		InputData: map[string]any{"tools": []any{map[string]any{"type": "function"}}},
	})
	require.NoError(t, err)
	_, err = h.tasks.Assign(ctx, tk.ID, task.AgentPM)
	require.NoError(t, err)

	assert.Error(t, h.disp.Execute(ctx, tk.ID, task.AgentPM))
	got, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "invalid tools")
}
