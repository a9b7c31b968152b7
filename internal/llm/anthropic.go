package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/chatsync/internal/model"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.client.Messages.New(ctx, anthropicParams(req))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      resp.Model,
		ResponseID: resp.ID,
		Usage:      anthropicUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream sends a streaming completion request. tool_use blocks are
// assembled from their input_json fragments and emitted when the block stops.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	stream := c.client.Messages.NewStreaming(ctx, anthropicParams(req))
	defer stream.Close()

	out := &CompletionResponse{Model: anthropicModel(req)}
	var content strings.Builder
	var inputTokens int64
	tools := newToolCallAssembler()
	toolBlocks := make(map[int64]bool)

	for stream.Next() {
		switch ev := stream.Current().AsUnion().(type) {
		case anthropic.MessageStartEvent:
			out.ResponseID = ev.Message.ID
			inputTokens = ev.Message.Usage.InputTokens

		case anthropic.ContentBlockStartEvent:
			if string(ev.ContentBlock.Type) == "tool_use" {
				toolBlocks[ev.Index] = true
				tools.add(int(ev.Index), ev.ContentBlock.ID, ev.ContentBlock.Name, "")
			}

		case anthropic.ContentBlockDeltaEvent:
			switch string(ev.Delta.Type) {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				if err := handler(StreamEvent{Type: EventContent, Text: ev.Delta.Text}); err != nil {
					return nil, err
				}
			case "input_json_delta":
				tools.add(int(ev.Index), "", "", ev.Delta.PartialJSON)
			}

		case anthropic.ContentBlockStopEvent:
			if !toolBlocks[ev.Index] {
				continue
			}
			for _, call := range tools.flush() {
				call := call
				if err := handler(StreamEvent{Type: EventToolCall, ToolCall: &call}); err != nil {
					return nil, err
				}
			}

		case anthropic.MessageDeltaEvent:
			out.StopReason = string(ev.Delta.StopReason)
			usage := anthropicUsage(inputTokens, ev.Usage.OutputTokens)
			out.Usage = usage
			if err := handler(StreamEvent{Type: EventUsage, Usage: &usage}); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	out.Content = content.String()
	out.LatencyMs = time.Since(start).Milliseconds()
	if err := handler(StreamEvent{Type: EventDone, FinishReason: out.StopReason, ResponseID: out.ResponseID}); err != nil {
		return nil, err
	}
	return out, nil
}

func anthropicModel(req *CompletionRequest) string {
	if req.Model == "" {
		return defaultAnthropicModel
	}
	return req.Model
}

func anthropicUsage(in, out int64) model.Usage {
	return model.Usage{
		PromptTokens:     int(in),
		CompletionTokens: int(out),
		TotalTokens:      int(in + out),
	}
}

func anthropicParams(req *CompletionRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropicModel(req)),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(anthropicMessages(req.Messages)),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.System),
		}})
	}
	return params
}

// anthropicMessages renders history as alternating user and assistant text
// turns. Tool traffic is flattened into text since the request declares no
// tools of its own.
func anthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	type turn struct {
		role string
		text strings.Builder
	}
	var turns []*turn
	for _, msg := range msgs {
		role, text := msg.Role, msg.Content
		switch role {
		case "system":
			continue
		case "tool":
			role = "user"
			text = fmt.Sprintf("Tool result (%s):\n%s", msg.ToolCallID, msg.Content)
		case "assistant":
			for _, tc := range msg.ToolCalls {
				text += fmt.Sprintf("\n[called %s(%s)]", tc.ToolName, tc.Arguments)
			}
		default:
			role = "user"
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text.WriteString("\n\n" + text)
			continue
		}
		t := &turn{role: role}
		t.text.WriteString(text)
		turns = append(turns, t)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		out = append(out, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(t.role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(t.text.String()),
				},
			}),
		})
	}
	return out
}
