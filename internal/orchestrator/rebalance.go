package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/metrics"
	"github.com/nidhogg/agentmesh/internal/task"
)

// CapableAgents lists, per task type, the agents allowed to take it over.
var CapableAgents = map[task.Type][]string{
	task.TypeWritePRD:           {task.AgentPM},
	task.TypeDesignArchitecture: {task.AgentArchitect},
	task.TypeDesignUIUX:         {task.AgentUIUXDesigner},
	task.TypeCreatePrototype:    {task.AgentUIUXDesigner, task.AgentFrontendDev},
	task.TypeDesignReview:       {task.AgentUIUXDesigner, task.AgentArchitect},
	task.TypeDevelopAPI:         {task.AgentBackendDev},
	task.TypeImplementFeature:   {task.AgentBackendDev, task.AgentFrontendDev},
	task.TypeWriteTests:         {task.AgentQA},
	task.TypeDeploy:             {task.AgentDevOps},
	task.TypeEstimateCost:       {task.AgentFinOpsGuardian},
	task.TypeOptimizeResources:  {task.AgentFinOpsGuardian, task.AgentDevOps},
	task.TypeCostAlert:          {task.AgentFinOpsGuardian},
	task.TypeSecurityReview:     {task.AgentSecurityGuardian},
	task.TypeVulnerabilityScan:  {task.AgentSecurityGuardian},
	task.TypeComplianceCheck:    {task.AgentSecurityGuardian},
	task.TypeAnalyzeData:        {task.AgentDataAnalyst},
	task.TypeManageKnowledge:    {task.AgentKnowledgeManager},
	task.TypeCoordinate:         {task.AgentCoordinator},
}

const overloadFactor = 1.5

// RebalanceWorkload moves assigned, not yet started tasks off agents whose
// active load exceeds 1.5x the mean, each to the least-loaded capable
// agent. Only agents overloaded at the start of the pass give up work, and a
// task only moves when the target would still hold less than the source.
func (o *Orchestrator) RebalanceWorkload(ctx context.Context) (*RebalanceReport, error) {
	o.logger.Info("starting workload rebalancing")

	loads, err := o.agentLoads(ctx)
	if err != nil {
		return nil, err
	}
	report := &RebalanceReport{AgentLoads: loads}
	if len(loads) == 0 {
		return report, nil
	}
	total := 0
	for _, n := range loads {
		total += n
	}
	report.MeanLoad = float64(total) / float64(len(loads))
	threshold := report.MeanLoad * overloadFactor

	var overloaded []string
	for id, n := range loads {
		if float64(n) > threshold {
			overloaded = append(overloaded, id)
		}
	}
	sort.Slice(overloaded, func(i, j int) bool {
		if loads[overloaded[i]] != loads[overloaded[j]] {
			return loads[overloaded[i]] > loads[overloaded[j]]
		}
		return overloaded[i] < overloaded[j]
	})

	for _, src := range overloaded {
		budget := int(math.Floor(float64(loads[src]) - report.MeanLoad))
		held, err := o.tasks.ListByAgent(ctx, src)
		if err != nil {
			return report, fmt.Errorf("rebalance %s: %w", src, err)
		}
		for _, t := range held {
			if budget <= 0 || float64(loads[src]) <= threshold {
				break
			}
			if t.Status != task.StatusAssigned {
				continue
			}
			dst := leastLoaded(loads, t.Type, src)
			if dst == "" || loads[dst]+1 >= loads[src] {
				continue
			}
			if err := o.HandoffTask(ctx, t.ID, src, dst, "Workload rebalancing"); err != nil {
				o.logger.Warn("rebalance handoff failed", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			loads[src]--
			loads[dst]++
			budget--
			report.Moves = append(report.Moves, Handoff{TaskID: t.ID, From: src, To: dst})
			metrics.TasksReassigned.Inc()
		}
	}

	o.logger.Info("workload rebalancing completed",
		zap.Int("reassigned", len(report.Moves)), zap.Float64("mean_load", report.MeanLoad))
	return report, nil
}

// agentLoads counts assigned and in-progress tasks per agent, including
// registered agents that hold nothing.
func (o *Orchestrator) agentLoads(ctx context.Context) (map[string]int, error) {
	loads := make(map[string]int)
	agents, err := o.tasks.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		loads[a.ID] = 0
	}
	for _, status := range []task.Status{task.StatusAssigned, task.StatusInProgress} {
		tasks, err := o.tasks.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if t.AssignedTo != "" {
				loads[t.AssignedTo]++
			}
		}
	}
	return loads, nil
}

// leastLoaded returns the capable agent with the lowest load, ties going
// to table order. Agents unknown to loads count as idle.
func leastLoaded(loads map[string]int, tt task.Type, exclude string) string {
	best := ""
	bestLoad := math.MaxInt
	for _, id := range CapableAgents[tt] {
		if id == exclude {
			continue
		}
		if n := loads[id]; n < bestLoad {
			best, bestLoad = id, n
		}
	}
	return best
}

// HandoffTask moves an assigned task from one agent to another and
// notifies both. The task keeps its status.
func (o *Orchestrator) HandoffTask(ctx context.Context, taskID, from, to, reason string) error {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("handoff %s: %w", taskID, err)
	}
	if t.AssignedTo != from {
		return fmt.Errorf("handoff %s from %s: %w", taskID, from, task.ErrNotAssignedToAgent)
	}
	if _, err := o.tasks.Reassign(ctx, taskID, to, reason); err != nil {
		return err
	}

	o.notifier.Notify(ctx, from, to, KindTaskHandoff, map[string]any{
		"task_id":    taskID,
		"reason":     reason,
		"from_agent": from,
	})
	o.notifier.Notify(ctx, o.cfg.Coordinator, from, KindTaskReassigned, map[string]any{
		"task_id":   taskID,
		"new_agent": to,
		"reason":    reason,
	})
	o.logger.Info("task handed off",
		zap.String("task_id", taskID), zap.String("from", from), zap.String("to", to), zap.String("reason", reason))
	return nil
}

// MonitorAgentHealth reports every known agent as healthy, busy (more
// in-progress tasks than the threshold) or unresponsive (inactive longer
// than the configured window).
func (o *Orchestrator) MonitorAgentHealth(ctx context.Context) ([]AgentHealth, error) {
	agents, err := o.tasks.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	now := o.now()
	out := make([]AgentHealth, 0, len(agents))
	for _, a := range agents {
		held, err := o.tasks.ListByAgent(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks for %s: %w", a.ID, err)
		}
		h := AgentHealth{AgentID: a.ID, Status: "healthy", TaskCount: len(held), LastActive: a.LastActive}
		inProgress := 0
		for _, t := range held {
			if t.Status == task.StatusInProgress {
				if inProgress == 0 {
					h.CurrentTask = t.ID
				}
				inProgress++
			}
		}
		if inProgress > o.cfg.BusyThreshold {
			h.Status = "busy"
		}
		if a.LastActive != nil && now.Sub(*a.LastActive) > o.cfg.UnresponsiveAfter {
			h.Status = "unresponsive"
		}
		out = append(out, h)
	}
	return out, nil
}
