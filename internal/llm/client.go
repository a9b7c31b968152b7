// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []model.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model           string
	System          string
	Messages        []ChatMessage
	Tools           []ToolDefinition
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	ResponseID string
	Usage      model.Usage
	StopReason string
	LatencyMs  int64
}

// StreamEventType is the kind of a provider stream event.
type StreamEventType string

const (
	EventContent   StreamEventType = "content"
	EventReasoning StreamEventType = "reasoning"
	EventToolCall  StreamEventType = "tool_call"
	EventUsage     StreamEventType = "usage"
	EventDone      StreamEventType = "done"
)

// StreamEvent is one normalized provider event. Tool calls are delivered
// complete, after their argument fragments were assembled.
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	Reasoning    []model.ReasoningBlock
	ToolCall     *model.ToolCall
	Usage        *model.Usage
	FinishReason string
	ResponseID   string
}

// StreamHandler receives stream events in order. Returning an error aborts the stream.
type StreamHandler func(StreamEvent) error

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// Registry resolves the client for a conversation's provider.
type Registry struct {
	clients  map[string]Client
	fallback string
}

// NewRegistry creates a registry. fallback names the provider used when a
// conversation does not name one, or names one that is not configured.
func NewRegistry(fallback Provider, clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients)), fallback: string(fallback)}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Resolve returns the client for provider.
func (r *Registry) Resolve(provider string) (Client, error) {
	if c, ok := r.clients[provider]; ok {
		return c, nil
	}
	if c, ok := r.clients[r.fallback]; ok {
		return c, nil
	}
	for _, name := range r.Providers() {
		return r.clients[name], nil
	}
	return nil, fmt.Errorf("no client for %q: %w", provider, ErrProviderUnavailable)
}

// Providers lists the configured provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
