package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/llm"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/streaming"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// EventEmitter receives the events of a running turn, typically to forward
// them to an SSE client. Returning an error aborts the turn.
type EventEmitter func(typ model.StreamEventType, data any) error

// TurnResult describes a completed turn.
type TurnResult struct {
	Session      *streaming.Session
	FinishReason string
	Usage        *model.Usage
}

// ChatService runs assistant turns: it reconciles history, streams the
// provider and persists the answer while it streams.
type ChatService struct {
	repo      store.Repository
	persister *streaming.Persister
	providers *llm.Registry
	logger    *logger.Logger
}

// NewChatService creates a new chat service.
func NewChatService(repo store.Repository, persister *streaming.Persister, providers *llm.Registry, log *logger.Logger) *ChatService {
	return &ChatService{
		repo:      repo,
		persister: persister,
		providers: providers,
		logger:    log,
	}
}

// RunTurn runs one assistant turn for userID. Validation failures are
// returned before anything streams. Once streaming started, a provider error
// or cancellation leaves the partial answer stored with error status, and a
// failed final write is returned after the row is marked as errored.
func (s *ChatService) RunTurn(ctx context.Context, userID string, req *model.ChatRequest, emit EventEmitter) (*TurnResult, error) {
	sess, err := s.persister.Initialize(ctx, streaming.InitRequest{
		UserID:               userID,
		SessionID:            req.SessionID,
		ConversationID:       req.ConversationID,
		ParentConversationID: req.ParentConversationID,
		Messages:             req.Messages,
		Settings:             req.Settings,
		TruncateAfterSeq:     req.TruncateAfterSeq,
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.WithConversation(sess.ConversationID).With(zap.String("user_id", userID))
	// Writes after the stream ends must land even if the client went away.
	persistCtx := context.WithoutCancel(ctx)

	settings, err := s.settings(ctx, sess, req.Settings)
	if err != nil {
		s.persister.MarkError(persistCtx, sess, "load settings")
		return nil, err
	}
	client, err := s.providers.Resolve(settings.ProviderID)
	if err != nil {
		s.persister.MarkError(persistCtx, sess, "no provider")
		return nil, err
	}

	if sess.ConversationID != "" {
		if err := emit(model.StreamConversation, model.ConversationEvent{
			ConversationID: sess.ConversationID,
			AssistantSeq:   sess.AssistantSeq,
			MessageID:      sess.DraftMessageID,
			AppliedViaDiff: sess.AppliedViaDiff,
			IDMappings:     sess.IDMappings,
		}); err != nil {
			s.persister.MarkError(persistCtx, sess, "client disconnected")
			return nil, err
		}
	}

	var finishReason, responseID string
	start := time.Now()
	resp, err := client.CompleteStream(ctx, buildCompletion(settings, req), func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.EventContent:
			s.persister.AppendContent(ctx, sess, streaming.TextDelta(ev.Text))
			return emit(model.StreamDelta, model.DeltaEvent{Text: ev.Text})
		case llm.EventReasoning:
			if len(ev.Reasoning) > 0 {
				s.persister.SetReasoningDetails(ctx, sess, ev.Reasoning)
			} else {
				s.persister.AppendReasoning(ctx, sess, ev.Text)
			}
			return emit(model.StreamReasoning, model.DeltaEvent{Text: ev.Text})
		case llm.EventToolCall:
			if ev.ToolCall == nil {
				return nil
			}
			streaming.AddToolCalls(sess, *ev.ToolCall)
			return emit(model.StreamToolCall, ev.ToolCall)
		case llm.EventUsage:
			if ev.Usage != nil {
				streaming.SetUsage(sess, *ev.Usage)
			}
		case llm.EventDone:
			finishReason, responseID = ev.FinishReason, ev.ResponseID
		}
		return nil
	})
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		s.persister.MarkError(persistCtx, sess, reason)
		metrics.RecordLLMStream(settings.Model, "error", time.Since(start).Seconds(), 0, 0)
		log.Warn("assistant stream failed", zap.String("reason", reason), zap.Error(err))
		return nil, fmt.Errorf("stream completion: %w", err)
	}

	if err := s.persister.RecordFinal(persistCtx, sess, streaming.FinalInfo{
		FinishReason: finishReason,
		ResponseID:   responseID,
		Provider:     client.Name(),
		Model:        resp.Model,
	}); err != nil {
		s.persister.MarkError(persistCtx, sess, "finalize failed")
		return nil, err
	}

	metrics.RecordLLMStream(resp.Model, "success", time.Since(start).Seconds(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	result := &TurnResult{Session: sess, FinishReason: finishReason, Usage: sess.Usage}
	if err := emit(model.StreamDone, model.DoneEvent{
		MessageID:    sess.DraftMessageID,
		Seq:          sess.AssistantSeq,
		FinishReason: finishReason,
		Usage:        sess.Usage,
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("failed to send done event", zap.Error(err))
	}
	return result, nil
}

// settings returns the effective generation settings: the stored ones for a
// persisted conversation, else the request's declared values.
func (s *ChatService) settings(ctx context.Context, sess *streaming.Session, incoming model.IncomingSettings) (model.Settings, error) {
	if sess.ConversationID == "" {
		return incoming.Apply(model.Settings{}), nil
	}
	conv, err := s.repo.GetConversation(ctx, sess.ConversationID)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load conversation settings: %w", err)
	}
	return conv.Settings, nil
}

// buildCompletion renders the client history as a provider request. System
// entries only fill in when the conversation has no stored system prompt.
func buildCompletion(settings model.Settings, req *model.ChatRequest) *llm.CompletionRequest {
	out := &llm.CompletionRequest{
		Model:           settings.Model,
		System:          settings.SystemPrompt,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		ReasoningEffort: settings.ReasoningEffort,
	}

	hasToolMessages := false
	for _, m := range req.Messages {
		if m.Role == model.RoleTool {
			hasToolMessages = true
			break
		}
	}

	var system []string
	for _, m := range req.Messages {
		text := m.Content.PlainText()
		switch m.Role {
		case model.RoleSystem:
			system = append(system, text)
		case model.RoleTool:
			out.Messages = append(out.Messages, llm.ChatMessage{Role: string(model.RoleTool), Content: text, ToolCallID: m.ToolCallID})
		case model.RoleAssistant:
			out.Messages = append(out.Messages, llm.ChatMessage{Role: string(model.RoleAssistant), Content: text, ToolCalls: m.ToolCalls})
			if hasToolMessages {
				continue
			}
			for _, o := range m.ToolOutputs {
				out.Messages = append(out.Messages, llm.ChatMessage{Role: string(model.RoleTool), Content: o.Output, ToolCallID: o.ToolCallID})
			}
		default:
			out.Messages = append(out.Messages, llm.ChatMessage{Role: string(model.RoleUser), Content: text})
		}
	}
	if out.System == "" && len(system) > 0 {
		out.System = strings.Join(system, "\n\n")
	}
	return out
}
