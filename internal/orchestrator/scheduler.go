package orchestrator

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Executor runs one assigned task on behalf of an agent.
type Executor interface {
	Execute(ctx context.Context, taskID, agentID string) error
}

// Scheduler runs agent work in a bounded goroutine pool. It reacts to
// assignment and handoff messages, so it can be used directly as the
// orchestrator's Notifier or fed from a MessageBus subscription.
type Scheduler struct {
	exec    Executor
	pool    chan struct{} // semaphore-based pool
	mu      sync.Mutex
	running map[string]struct{} // task id + agent id
	wg      sync.WaitGroup
	ctx     context.Context
	logger  *zap.Logger
}

// NewScheduler creates a scheduler with at most poolSize tasks in flight.
// Work runs under ctx rather than the context of the triggering message.
func NewScheduler(ctx context.Context, exec Executor, poolSize int, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Scheduler{
		exec:    exec,
		pool:    make(chan struct{}, poolSize),
		running: make(map[string]struct{}),
		ctx:     ctx,
		logger:  logger,
	}
}

// Notify implements Notifier. Assignment and handoff messages start the
// task for the receiving agent; other kinds are ignored.
func (s *Scheduler) Notify(_ context.Context, from, to, kind string, payload map[string]any) {
	msg := &AgentMessage{From: from, To: to, Kind: kind, Payload: payload}
	s.handle(msg)
}

func (s *Scheduler) handle(msg *AgentMessage) {
	if msg.Kind != KindTaskAssigned && msg.Kind != KindTaskHandoff {
		return
	}
	taskID := msg.TaskID()
	if taskID == "" {
		s.logger.Warn("message without task id", zap.String("kind", msg.Kind), zap.String("to", msg.To))
		return
	}

	// Keyed per agent: after a handoff the new holder must still run it.
	key := taskID + "/" + msg.To
	s.mu.Lock()
	if _, ok := s.running[key]; ok {
		s.mu.Unlock()
		return
	}
	s.running[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()

		select {
		case s.pool <- struct{}{}: // acquire slot
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.pool }() // release slot

		if err := s.exec.Execute(s.ctx, taskID, msg.To); err != nil {
			s.logger.Warn("task execution failed",
				zap.String("task_id", taskID), zap.String("agent", msg.To), zap.Error(err))
		}
	}()
}

// ConsumerGroup is the stream consumer group schedulers read agent
// messages through.
const ConsumerGroup = "agentmesh-scheduler"

// Consume joins the agent's consumer group and handles its messages until
// ctx ends. The group exists when Consume returns, so no message published
// afterwards is missed. Wait also waits for the reader to stop.
func (s *Scheduler) Consume(ctx context.Context, bus *MessageBus, agentID string) error {
	msgs, err := bus.SubscribeGroup(ctx, agentID, ConsumerGroup, consumerName())
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range msgs {
			s.handle(msg)
		}
	}()
	return nil
}

// consumerName is stable across restarts on one host, so a restarted
// scheduler picks up the entries its previous run left pending.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "scheduler"
	}
	return "scheduler-" + host
}

// Running returns the number of tasks queued or executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until all started work has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
