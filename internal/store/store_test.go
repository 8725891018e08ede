package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

// startPostgres starts a PostgreSQL testcontainer and returns a migrated Store.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("agentmesh_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	return s
}

func TestStore_TaskLifecycleThroughManager(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	m := queue.NewManager(s, zap.NewNop())

	dep, err := m.Create(ctx, task.Spec{Type: task.TypeWritePRD, Title: "PRD", InputData: map[string]any{"feature": "login"}})
	require.NoError(t, err)
	child, err := m.Create(ctx, task.Spec{Type: task.TypeDesignArchitecture, Dependencies: []string{dep.ID}})
	require.NoError(t, err)

	_, err = m.Assign(ctx, child.ID, task.AgentArchitect)
	assert.ErrorIs(t, err, task.ErrDependenciesUnmet)

	_, err = m.Assign(ctx, dep.ID, task.AgentPM)
	require.NoError(t, err)
	_, err = m.Start(ctx, dep.ID, task.AgentPM)
	require.NoError(t, err)
	done, err := m.Complete(ctx, dep.ID, task.AgentPM, map[string]any{"prd": "ok"})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "login", got.InputData["feature"])
	assert.Equal(t, "ok", got.OutputData["prd"])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, *done.CompletedAt, *got.CompletedAt, time.Millisecond)

	_, err = m.Assign(ctx, child.ID, task.AgentArchitect)
	require.NoError(t, err)

	hist, err := s.ListHistory(ctx, dep.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 4)

	agent, err := s.GetAgent(ctx, task.AgentArchitect)
	require.NoError(t, err)
	assert.Equal(t, task.AgentBusy, agent.Status)
	assert.Equal(t, child.ID, agent.CurrentTaskID)

	assigned, err := s.ListTasks(ctx, task.StatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, []string{dep.ID}, assigned[0].Dependencies)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrAgentNotFound)
}

func TestStore_CapabilitiesAndDecisions(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	caps := []routing.Capability{
		{ID: "gemini-2.0-flash", ModelName: "gemini-2.0-flash", Provider: "gemini", ContextWindowKB: 1000,
			AvgSpeedTPS: 150, Strengths: []string{"fast"}, SuitableFor: []task.Type{task.TypeDesignUIUX},
			MaxTokens: 8192, SupportsVision: true},
		{ID: "gpt-4o-mini", ModelName: "gpt-4o-mini", Provider: "openai", ContextWindowKB: 128,
			CostPer1KInputTokens: 0.00015, CostPer1KOutputTokens: 0.0006, AvgSpeedTPS: 100,
			MaxTokens: 16384, SupportsFunctionCalling: true},
	}
	for i := range caps {
		require.NoError(t, s.SaveCapability(ctx, &caps[i]))
	}

	loaded, err := s.LoadCapabilities(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "gemini-2.0-flash", loaded[0].ModelName, "insertion order preserved")
	assert.Equal(t, []task.Type{task.TypeDesignUIUX}, loaded[0].SuitableFor)
	assert.Empty(t, loaded[1].SuitableFor)

	sel := routing.NewSelector(routing.NewRegistry(s, zap.NewNop()), s, zap.NewNop())
	md := routing.TaskMetadata{Complexity: routing.ComplexitySimple, RequiredContextKB: 5,
		PriorityDimension: routing.DimensionCost, EstimatedTokens: 800}
	res, err := sel.SelectModel(ctx, "t-1", task.TypeDesignUIUX, md)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", res.SelectedModel)

	id, err := sel.LogDecision(ctx, "t-1", task.TypeDesignUIUX, md, res)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	decisions, err := s.ListDecisionsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, md, decisions[0].TaskMetadata)
	assert.Equal(t, routing.StrategyCost, decisions[0].RoutingStrategy)

	stats, err := sel.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDecisions)
	assert.Equal(t, 1, stats.ModelsUsed["gemini-2.0-flash"])
}
