package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIProviderChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want default model", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": req.Model,
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{
		ID: "openai", Endpoint: srv.URL, APIKey: "sk-test", DefaultModel: "gpt-4o-mini",
	}, zap.NewNop())

	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" {
		t.Errorf("got %+v", resp)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProviderChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "openai", Endpoint: srv.URL}, zap.NewNop())
	if _, err := p.Chat(context.Background(), &ChatRequest{Model: "m"}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestOpenAIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "text-embedding-004" {
			t.Errorf("model = %v", body["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-004",
			"data":  []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{
		ID: "google", Endpoint: srv.URL,
		Extra: map[string]string{"embedding_model": "text-embedding-004"},
	}, zap.NewNop())

	resp, err := p.Embed(context.Background(), &EmbeddingRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Embedding) != 3 {
		t.Fatalf("got dimension %d, want 3", len(resp.Embedding))
	}
}

func TestOpenAIProviderPathModel(t *testing.T) {
	p := NewOpenAIProvider(ProviderConfig{
		Endpoint: "http://x", Extra: map[string]string{"path_model": "true"},
	}, zap.NewNop())
	if got := p.chatURL("m1"); got != "http://x/m1/chat/completions" {
		t.Errorf("chatURL = %q", got)
	}
}

func TestAnthropicProviderChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ant-key" {
			t.Errorf("missing api key header")
		}
		var req claudeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "be brief" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens != 4096 {
			t.Errorf("max tokens = %d, want 4096", req.MaxTokens)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       req.Model,
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 5, "output_tokens": 2},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, APIKey: "ant-key"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" || resp.Usage.TotalTokens != 7 {
		t.Errorf("got %+v", resp)
	}
	if resp.Model != anthropicDefaultModel {
		t.Errorf("model = %q, want %q", resp.Model, anthropicDefaultModel)
	}
}

func TestAnthropicProviderIsNotEmbedder(t *testing.T) {
	var p Provider = NewAnthropicProvider(ProviderConfig{ID: "anthropic"}, zap.NewNop())
	if _, ok := p.(Embedder); ok {
		t.Fatal("anthropic provider should not implement Embedder")
	}
}

func TestAnthropicProviderToolUse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req claudeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
			t.Errorf("tools = %+v", req.Tools)
		}
		if req.ToolChoice == nil || req.ToolChoice.Type != "any" {
			t.Errorf("tool_choice = %+v, want any", req.ToolChoice)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_2",
			"model": req.Model,
			"content": []map[string]any{
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": map[string]any{"q": "go"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, DefaultModel: "claude-x"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "find go"}},
		Tools: []Tool{{
			Type:     "function",
			Function: ToolFunction{Name: "lookup", Description: "search", Parameters: map[string]any{"type": "object"}},
		}},
		ToolChoice: "required",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "claude-x" {
		t.Errorf("model = %q, want claude-x", resp.Model)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu_1" || call.Function.Name != "lookup" || call.Function.Arguments != `{"q":"go"}` {
		t.Errorf("tool call = %+v", call)
	}
	if resp.Content != "calling" || resp.FinishReason != "tool_use" {
		t.Errorf("got %+v", resp)
	}
}

func TestAnthropicProviderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), "API error 503") {
		t.Fatalf("err = %v, want API error 503", err)
	}
}

func TestProviderListModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	oai := NewOpenAIProvider(ProviderConfig{ID: "openai", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	models, err := oai.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[1].ID != "gpt-4o-mini" || models[1].Provider != "openai" {
		t.Errorf("models = %+v", models)
	}

	ant := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Models: []string{"claude-a", "claude-b"}}, zap.NewNop())
	models, _ = ant.ListModels(context.Background())
	if len(models) != 2 || models[0].ID != "claude-a" || models[0].MaxTokens != 200000 {
		t.Errorf("models = %+v", models)
	}
}
