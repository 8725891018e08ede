// Package orchestrator executes multi-step workflows over the task queue,
// rebalances work between agents and dispatches tasks to model backends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/agentmesh/internal/metrics"
	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/task"
)

// Config controls workflow waiting and agent monitoring.
type Config struct {
	Coordinator       string
	PollInterval      time.Duration
	StepTimeout       time.Duration
	MaxParallel       int
	BusyThreshold     int
	UnresponsiveAfter time.Duration
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Coordinator:       task.AgentCoordinator,
		PollInterval:      time.Second,
		StepTimeout:       5 * time.Minute,
		MaxParallel:       4,
		BusyThreshold:     3,
		UnresponsiveAfter: 5 * time.Minute,
	}
}

// Orchestrator drives workflows and agent workload.
type Orchestrator struct {
	tasks    *queue.Manager
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an Orchestrator. Zero config fields take their defaults.
func New(tasks *queue.Manager, notifier Notifier, cfg Config, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Coordinator == "" {
		cfg.Coordinator = def.Coordinator
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.BusyThreshold <= 0 {
		cfg.BusyThreshold = def.BusyThreshold
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = def.UnresponsiveAfter
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Orchestrator{tasks: tasks, notifier: notifier, cfg: cfg, logger: logger, now: time.Now}
}

// ExecuteWorkflow runs wf to completion or first failure. Steps run in
// ascending step number; a step may share a wave with the steps it is
// parallel_with when it does not depend on them. A step starts only when
// every step it depends on has a recorded result. Failures never escape as
// errors: they are collected in the result.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *Workflow) *WorkflowResult {
	start := o.now()
	if wf.ID == "" {
		wf.ID = "workflow-" + uuid.New().String()
	}
	res := &WorkflowResult{
		WorkflowID: wf.ID,
		Results:    make(map[int]map[string]any),
		TaskIDs:    make(map[int]string),
	}
	wf.Status = WorkflowRunning
	wf.StartedAt = &start
	o.logger.Info("workflow started",
		zap.String("workflow", wf.ID), zap.String("name", wf.Name), zap.Int("steps", len(wf.Steps)))

	err := o.run(ctx, wf, res)

	end := o.now()
	wf.CompletedAt = &end
	res.Duration = end.Sub(start)
	if err != nil {
		wf.Status = WorkflowFailed
		res.Status = WorkflowFailed
		res.Err = err
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, err.Error())
		}
		o.logger.Error("workflow failed",
			zap.String("workflow", wf.ID), zap.Strings("errors", res.Errors), zap.Duration("duration", res.Duration))
	} else {
		wf.Status = WorkflowCompleted
		res.Status = WorkflowCompleted
		o.logger.Info("workflow completed",
			zap.String("workflow", wf.ID), zap.Duration("duration", res.Duration))
	}
	metrics.WorkflowsFinished.WithLabelValues(string(res.Status)).Inc()
	metrics.WorkflowDuration.Observe(res.Duration.Seconds())
	return res
}

func (o *Orchestrator) run(ctx context.Context, wf *Workflow, res *WorkflowResult) error {
	steps, err := sortedSteps(wf.Steps)
	if err != nil {
		return err
	}

	for _, wave := range planWaves(steps) {
		for _, st := range wave {
			for _, dep := range st.DependsOn {
				if _, ok := res.Results[dep]; !ok {
					return fmt.Errorf("step %d: %w: step %d has no result", st.StepNumber, task.ErrDependenciesUnmet, dep)
				}
			}
		}

		outputs := make([]map[string]any, len(wave))
		taskIDs := make([]string, len(wave))
		errs := make([]error, len(wave))
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxParallel)
		for i, st := range wave {
			i, st := i, st
			g.Go(func() error {
				taskIDs[i], outputs[i], errs[i] = o.runStep(ctx, wf, st, res)
				return errs[i]
			})
		}
		waveErr := g.Wait()

		// Merge in step order so results and errors are deterministic.
		for i, st := range wave {
			if taskIDs[i] != "" {
				res.TaskIDs[st.StepNumber] = taskIDs[i]
			}
			if errs[i] != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("Step %d failed: %v", st.StepNumber, errs[i]))
				continue
			}
			res.Results[st.StepNumber] = outputs[i]
			if st.StepNumber > wf.CurrentStep {
				wf.CurrentStep = st.StepNumber
			}
		}
		if waveErr != nil {
			for _, e := range errs {
				if e != nil {
					return e
				}
			}
		}
	}
	return nil
}

// runStep creates, assigns and awaits the task behind one step.
// res.Results is only read for this step's dependencies, which were
// recorded before the wave started.
func (o *Orchestrator) runStep(ctx context.Context, wf *Workflow, st WorkflowStep, res *WorkflowResult) (string, map[string]any, error) {
	o.logger.Info("executing workflow step",
		zap.String("workflow", wf.ID),
		zap.Int("step", st.StepNumber),
		zap.String("agent", st.AgentID),
		zap.String("task_type", string(st.TaskType)))

	input := make(map[string]any, len(st.InputData)+3)
	for k, v := range st.InputData {
		input[k] = v
	}
	input["workflow_id"] = wf.ID
	input["workflow_step"] = st.StepNumber
	previous := make([]map[string]any, 0, len(st.DependsOn))
	deps := make([]string, 0, len(st.DependsOn))
	for _, d := range st.DependsOn {
		previous = append(previous, res.Results[d])
		deps = append(deps, res.TaskIDs[d])
	}
	if len(previous) > 0 {
		input["previous_results"] = previous
	}

	t, err := o.tasks.Create(ctx, task.Spec{
		Type:         st.TaskType,
		Title:        fmt.Sprintf("Workflow Step %d", st.StepNumber),
		Description:  fmt.Sprintf("Execute %s by %s", st.TaskType, st.AgentID),
		Priority:     task.PriorityHigh,
		CreatedBy:    o.cfg.Coordinator,
		Dependencies: deps,
		InputData:    input,
	})
	if err != nil {
		return "", nil, err
	}
	if _, err := o.tasks.Assign(ctx, t.ID, st.AgentID); err != nil {
		return t.ID, nil, err
	}

	// Watch before notifying so a fast agent cannot finish unobserved.
	done, cancel := o.tasks.Watch(t.ID)
	defer cancel()
	o.notifier.Notify(ctx, o.cfg.Coordinator, st.AgentID, KindTaskAssigned, map[string]any{
		"task_id":       t.ID,
		"title":         t.Title,
		"description":   t.Description,
		"priority":      string(t.Priority),
		"workflow_id":   wf.ID,
		"workflow_step": st.StepNumber,
	})

	final, err := o.waitForTask(ctx, t.ID, done)
	if err != nil {
		return t.ID, nil, err
	}
	if final.Status == task.StatusFailed {
		return t.ID, nil, fmt.Errorf("task %s failed: %s", t.ID, final.ErrorMessage)
	}
	return t.ID, final.OutputData, nil
}

// waitForTask blocks until the task is terminal, the step timeout elapses
// or ctx is done. A timeout leaves the task untouched; it may still
// complete later.
func (o *Orchestrator) waitForTask(ctx context.Context, taskID string, done <-chan *task.Task) (*task.Task, error) {
	if t, err := o.tasks.Get(ctx, taskID); err == nil && t.Status.Terminal() {
		return t, nil
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(o.cfg.StepTimeout)
	defer timeout.Stop()

	for {
		select {
		case t := <-done:
			return t, nil
		case <-ticker.C:
			t, err := o.tasks.Get(ctx, taskID)
			if err != nil {
				o.logger.Warn("poll task", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			if t.Status.Terminal() {
				return t, nil
			}
		case <-timeout.C:
			return nil, fmt.Errorf("task %s after %s: %w", taskID, o.cfg.StepTimeout, task.ErrTaskTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func sortedSteps(steps []WorkflowStep) ([]WorkflowStep, error) {
	if len(steps) == 0 {
		return nil, errors.New("workflow has no steps")
	}
	out := append([]WorkflowStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	for i, st := range out {
		if i > 0 && out[i-1].StepNumber == st.StepNumber {
			return nil, fmt.Errorf("duplicate step number %d", st.StepNumber)
		}
		if !st.TaskType.Valid() {
			return nil, fmt.Errorf("step %d: unknown task type %q", st.StepNumber, st.TaskType)
		}
		if st.AgentID == "" {
			return nil, fmt.Errorf("step %d: no agent", st.StepNumber)
		}
	}
	return out, nil
}

// planWaves groups consecutive steps into waves. A step joins the current
// wave when it is parallel_with a member (in either direction) and does not
// depend on any member.
func planWaves(steps []WorkflowStep) [][]WorkflowStep {
	var waves [][]WorkflowStep
	for _, st := range steps {
		if n := len(waves); n > 0 && joinsWave(waves[n-1], st) {
			waves[n-1] = append(waves[n-1], st)
			continue
		}
		waves = append(waves, []WorkflowStep{st})
	}
	return waves
}

func joinsWave(wave []WorkflowStep, st WorkflowStep) bool {
	parallel := false
	for _, m := range wave {
		if containsInt(st.DependsOn, m.StepNumber) || containsInt(m.DependsOn, st.StepNumber) {
			return false
		}
		if containsInt(st.ParallelWith, m.StepNumber) || containsInt(m.ParallelWith, st.StepNumber) {
			parallel = true
		}
	}
	return parallel
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// NewFeatureWorkflow returns the standard six-step feature pipeline:
// PRD, architecture, backend and frontend in parallel, tests, deploy.
func NewFeatureWorkflow(description string) *Workflow {
	return &Workflow{
		ID:          "workflow-" + uuid.New().String(),
		Name:        "Feature: " + description,
		Description: description,
		Status:      WorkflowPending,
		CreatedAt:   time.Now(),
		Steps: []WorkflowStep{
			{StepNumber: 1, AgentID: task.AgentPM, TaskType: task.TypeWritePRD},
			{StepNumber: 2, AgentID: task.AgentArchitect, TaskType: task.TypeDesignArchitecture, DependsOn: []int{1}},
			{StepNumber: 3, AgentID: task.AgentBackendDev, TaskType: task.TypeImplementFeature, DependsOn: []int{2}},
			{StepNumber: 4, AgentID: task.AgentFrontendDev, TaskType: task.TypeImplementFeature, DependsOn: []int{2}, ParallelWith: []int{3}},
			{StepNumber: 5, AgentID: task.AgentQA, TaskType: task.TypeWriteTests, DependsOn: []int{3, 4}},
			{StepNumber: 6, AgentID: task.AgentDevOps, TaskType: task.TypeDeploy, DependsOn: []int{5}},
		},
	}
}
