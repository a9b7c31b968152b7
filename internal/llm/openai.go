package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/chatsync/internal/model"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	return &OpenAIClient{
		client: openai.NewClient(apiKey),
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"o3-mini",
		"o4-mini",
	}
}

// Complete sends a completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openAIRequest(req, false))
	if err != nil {
		return nil, err
	}

	out := &CompletionResponse{
		Model:      resp.Model,
		ResponseID: resp.ID,
		Usage:      openAIUsage(resp.Usage),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

// CompleteStream sends a streaming completion request. Tool call fragments are
// assembled by index and emitted once the choice finishes.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	stream, err := c.client.CreateChatCompletionStream(ctx, openAIRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out := &CompletionResponse{Model: openAIModel(req)}
	var content strings.Builder
	tools := newToolCallAssembler()

	flushTools := func() error {
		for _, call := range tools.flush() {
			call := call
			if err := handler(StreamEvent{Type: EventToolCall, ToolCall: &call}); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if response.ID != "" {
			out.ResponseID = response.ID
		}
		if response.Model != "" {
			out.Model = response.Model
		}
		if response.Usage != nil {
			usage := openAIUsage(*response.Usage)
			out.Usage = usage
			if err := handler(StreamEvent{Type: EventUsage, Usage: &usage}); err != nil {
				return nil, err
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if r := choice.Delta.ReasoningContent; r != "" {
			if err := handler(StreamEvent{Type: EventReasoning, Text: r}); err != nil {
				return nil, err
			}
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := handler(StreamEvent{Type: EventContent, Text: delta}); err != nil {
				return nil, err
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			tools.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			out.StopReason = string(choice.FinishReason)
			if err := flushTools(); err != nil {
				return nil, err
			}
		}
	}
	if !tools.empty() {
		if err := flushTools(); err != nil {
			return nil, err
		}
	}

	out.Content = content.String()
	out.LatencyMs = time.Since(start).Milliseconds()
	if err := handler(StreamEvent{Type: EventDone, FinishReason: out.StopReason, ResponseID: out.ResponseID}); err != nil {
		return nil, err
	}
	return out, nil
}

func openAIModel(req *CompletionRequest) string {
	if req.Model == "" {
		return defaultOpenAIModel
	}
	return req.Model
}

func openAIRequest(req *CompletionRequest, stream bool) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.ToolName,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, m)
	}

	out := openai.ChatCompletionRequest{
		Model:           openAIModel(req),
		Messages:        messages,
		MaxTokens:       maxTokens,
		Temperature:     float32(req.Temperature),
		ReasoningEffort: req.ReasoningEffort,
		Stream:          stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		def := &openai.FunctionDefinition{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			def.Parameters = t.Parameters
		}
		out.Tools = append(out.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: def})
	}
	return out
}

func openAIUsage(u openai.Usage) model.Usage {
	out := model.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}
