package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const anthropicDefaultModel = "claude-3-5-haiku-20241022"

// AnthropicProvider implements the Provider interface for Claude API.
// Claude has no embedding endpoint, so it does not implement Embedder.
type AnthropicProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

// Chat sends a chat request to Claude.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	headers := map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": "2023-06-01",
	}
	var out claudeMessage
	if err := doJSON(ctx, p.client, http.MethodPost, p.config.Endpoint+"/messages", headers, toClaude(req, p.defaultModel()), &out); err != nil {
		return nil, err
	}
	return out.chatResponse(), nil
}

func (p *AnthropicProvider) defaultModel() string {
	if p.config.DefaultModel != "" {
		return p.config.DefaultModel
	}
	return anthropicDefaultModel
}

// claudeRequest is the Messages API body. The system prompt travels outside
// the message list and max_tokens is mandatory.
type claudeRequest struct {
	Model      string          `json:"model"`
	System     string          `json:"system,omitempty"`
	Messages   []claudeTurn    `json:"messages"`
	MaxTokens  int             `json:"max_tokens"`
	Tools      []claudeTool    `json:"tools,omitempty"`
	ToolChoice *claudeToolMode `json:"tool_choice,omitempty"`
}

type claudeTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type claudeToolMode struct {
	Type string `json:"type"`
}

type claudeMessage struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// claudeBlock is either a text block or a tool_use block.
type claudeBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func toClaude(req *ChatRequest, fallbackModel string) *claudeRequest {
	out := &claudeRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if out.Model == "" {
		out.Model = fallbackModel
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, claudeTurn{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	if len(out.Tools) > 0 {
		switch req.ToolChoice {
		case "required":
			out.ToolChoice = &claudeToolMode{Type: "any"}
		case "none":
			out.ToolChoice = &claudeToolMode{Type: "none"}
		case "auto", "":
			out.ToolChoice = &claudeToolMode{Type: "auto"}
		}
	}
	return out
}

func (m *claudeMessage) chatResponse() *ChatResponse {
	resp := &ChatResponse{
		ID:           m.ID,
		Model:        m.Model,
		FinishReason: m.StopReason,
		Usage: Usage{
			PromptTokens:     m.Usage.InputTokens,
			CompletionTokens: m.Usage.OutputTokens,
			TotalTokens:      m.Usage.InputTokens + m.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: ToolCallFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	resp.Content = text.String()
	return resp
}

// ListModels returns the Claude models this backend is configured for.
func (p *AnthropicProvider) ListModels(_ context.Context) ([]Model, error) {
	ids := p.config.Models
	if len(ids) == 0 {
		ids = []string{anthropicDefaultModel}
	}
	models := make([]Model, len(ids))
	for i, id := range ids {
		models[i] = Model{ID: id, Name: id, Provider: p.config.ID, MaxTokens: 200000}
	}
	return models, nil
}

// HealthCheck sends a one-token ping.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	req := &ChatRequest{
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := p.Chat(ctx, req)
	return err
}
