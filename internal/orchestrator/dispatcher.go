package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/classify"
	"github.com/nidhogg/agentmesh/internal/provider"
	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/routing"
	"github.com/nidhogg/agentmesh/internal/task"
)

// Dispatcher executes a single assigned task: it annotates the task with
// routing metadata, picks a model, calls it through the gateway and records
// the outcome on the task.
type Dispatcher struct {
	tasks    *queue.Manager
	selector *routing.Selector
	deriver  routing.Deriver
	gateway  *provider.Gateway
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher using the default keyword classifier.
func NewDispatcher(tasks *queue.Manager, selector *routing.Selector, gateway *provider.Gateway, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		selector: selector,
		deriver:  routing.Deriver{Classifier: classify.Default},
		gateway:  gateway,
		logger:   logger,
	}
}

// SetClassifier replaces the classifier used for metadata derivation.
func (d *Dispatcher) SetClassifier(c classify.Classifier) {
	d.deriver = routing.Deriver{Classifier: c}
}

// Execute runs taskID on behalf of agentID. Routing and provider errors fail
// the task with a readable message and are also returned.
func (d *Dispatcher) Execute(ctx context.Context, taskID, agentID string) error {
	t, err := d.tasks.Start(ctx, taskID, agentID)
	if err != nil {
		return err
	}
	log := d.logger.With(zap.String("task_id", t.ID), zap.String("agent", agentID))

	md := d.deriver.Derive(t)
	tools, err := taskTools(t.InputData)
	if err != nil {
		d.fail(ctx, taskID, agentID, fmt.Sprintf("invalid tools: %v", err))
		return err
	}
	if len(tools) > 0 {
		md.RequiresFunctionCalling = true
	}
	sel, err := d.selector.SelectModel(ctx, t.ID, t.Type, md)
	if err != nil {
		d.fail(ctx, taskID, agentID, fmt.Sprintf("model selection failed: %v", err))
		return err
	}
	decisionID, err := d.selector.LogDecision(ctx, t.ID, t.Type, md, sel)
	if err != nil {
		log.Warn("routing decision not recorded", zap.Error(err))
	}

	req := &provider.ChatRequest{
		Model:     sel.SelectedModel,
		Messages:  buildMessages(agentID, t.Type, t.Title, t.Description, t.InputData),
		MaxTokens: 4096,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	var res *provider.Result
	if d.gateway.Has(sel.SelectedProvider) {
		res, err = d.gateway.Call(ctx, provider.ChatOp(req), sel.SelectedProvider)
	} else {
		// Capability rows may name a vendor with no configured backend.
		log.Warn("selected provider not registered, using gateway selection",
			zap.String("provider", sel.SelectedProvider))
		req.Model = ""
		res, err = d.gateway.Chat(ctx, req)
	}
	if err != nil {
		d.fail(ctx, taskID, agentID, fmt.Sprintf("model call failed: %v", err))
		return err
	}

	output := map[string]any{
		"content":             res.Chat.Content,
		"model":               res.Chat.Model,
		"provider":            res.ProviderID,
		"fell_back":           res.FellBack,
		"routing_decision_id": decisionID,
		"routing_strategy":    string(sel.RoutingStrategy),
		"estimated_cost":      sel.EstimatedCost,
		"total_tokens":        res.Chat.Usage.TotalTokens,
	}
	if len(res.Chat.ToolCalls) > 0 {
		output["tool_calls"] = res.Chat.ToolCalls
	}
	// Terminal writes outlive scheduler shutdown so the task never stays in_progress.
	if _, err := d.tasks.Complete(context.WithoutCancel(ctx), taskID, agentID, output); err != nil {
		return err
	}
	log.Info("task executed",
		zap.String("model", res.Chat.Model),
		zap.String("provider", res.ProviderID),
		zap.Duration("latency", res.Latency))
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, taskID, agentID, msg string) {
	if _, err := d.tasks.Fail(context.WithoutCancel(ctx), taskID, agentID, msg); err != nil {
		d.logger.Error("mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// taskTools decodes the optional "tools" input, a list of function tools in
// the chat-completions shape.
func taskTools(input map[string]any) ([]provider.Tool, error) {
	raw, ok := input["tools"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var tools []provider.Tool
	if err := json.Unmarshal(b, &tools); err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Function.Name == "" {
			return nil, fmt.Errorf("tool %d has no function name", i)
		}
		if tools[i].Type == "" {
			tools[i].Type = "function"
		}
	}
	return tools, nil
}

// buildMessages renders the task as a plain chat prompt.
func buildMessages(agentID string, taskType task.Type, title, description string, input map[string]any) []provider.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n", title)
	if description != "" {
		fmt.Fprintf(&user, "Description: %s\n", description)
	}
	// Tools travel as request tools, not prompt text.
	prompt := make(map[string]any, len(input))
	for k, v := range input {
		if k != "tools" {
			prompt[k] = v
		}
	}
	if len(prompt) > 0 {
		if b, err := json.MarshalIndent(prompt, "", "  "); err == nil {
			fmt.Fprintf(&user, "Input:\n%s\n", b)
		}
	}
	return []provider.Message{
		{Role: "system", Content: fmt.Sprintf("You are %s. Complete the %s task and reply with the result.", agentID, taskType)},
		{Role: "user", Content: user.String()},
	}
}
