package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/task"
)

type sentMessage struct {
	From, To, Kind string
	Payload        map[string]any
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingNotifier) Notify(_ context.Context, from, to, kind string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{From: from, To: to, Kind: kind, Payload: payload})
}

func (r *recordingNotifier) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

// fakeAgents plays every agent: on assignment it starts the task and then
// completes it, fails it, or leaves it running.
type fakeAgents struct {
	tasks   *queue.Manager
	failing map[string]bool
	stall   map[string]bool

	mu      sync.Mutex
	active  int
	peak    int
	started []string
}

func newFakeAgents(m *queue.Manager) *fakeAgents {
	return &fakeAgents{tasks: m, failing: map[string]bool{}, stall: map[string]bool{}}
}

func (f *fakeAgents) Notify(ctx context.Context, _, to, kind string, payload map[string]any) {
	if kind != KindTaskAssigned {
		return
	}
	id, _ := payload["task_id"].(string)
	go func() {
		f.mu.Lock()
		f.active++
		if f.active > f.peak {
			f.peak = f.active
		}
		f.started = append(f.started, to)
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()

		if _, err := f.tasks.Start(ctx, id, to); err != nil {
			return
		}
		if f.stall[to] {
			return
		}
		// Hold the task briefly so parallel steps overlap.
		time.Sleep(20 * time.Millisecond)
		if f.failing[to] {
			f.tasks.Fail(ctx, id, to, fmt.Sprintf("%s gave up", to))
			return
		}
		f.tasks.Complete(ctx, id, to, map[string]any{"by": to})
	}()
}

func (f *fakeAgents) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func newTestOrchestrator(t *testing.T, n Notifier) (*Orchestrator, *queue.Manager) {
	t.Helper()
	m := queue.NewManager(queue.NewMemoryRepository(), zap.NewNop())
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StepTimeout = 2 * time.Second
	return New(m, n, cfg, zap.NewNop()), m
}

func assignN(t *testing.T, m *queue.Manager, n int, tt task.Type, agent string) []*task.Task {
	t.Helper()
	ctx := context.Background()
	out := make([]*task.Task, 0, n)
	for i := 0; i < n; i++ {
		tk, err := m.Create(ctx, task.Spec{Type: tt})
		require.NoError(t, err)
		tk, err = m.Assign(ctx, tk.ID, agent)
		require.NoError(t, err)
		out = append(out, tk)
	}
	return out
}
