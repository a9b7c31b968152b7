package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/history"
	"github.com/capitalize-ai/chatsync/internal/llm"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/internal/streaming"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

type fakeClient struct {
	name      string
	events    []llm.StreamEvent
	failAt    int
	err       error
	cancel    context.CancelFunc
	complete  string
	lastReq   *llm.CompletionRequest
	completed int
}

func (f *fakeClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.lastReq = req
	f.completed++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.complete}, nil
}

func (f *fakeClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	f.lastReq = req
	for i, ev := range f.events {
		if i == f.failAt {
			if f.cancel != nil {
				f.cancel()
				return nil, ctx.Err()
			}
			return nil, f.err
		}
		if err := handler(ev); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{Model: "fake-model", Usage: model.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

func (f *fakeClient) Name() string     { return f.name }
func (f *fakeClient) Models() []string { return []string{"fake-model"} }

type emitted struct {
	typ  model.StreamEventType
	data any
}

type chatFixture struct {
	store  *store.Store
	client *fakeClient
	svc    *ChatService
	events []emitted
}

func newChatFixture(t *testing.T, client *fakeClient) *chatFixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.NewNop()
	p := streaming.NewPersister(st, history.NewOrchestrator(st, log), log)
	return &chatFixture{
		store:  st,
		client: client,
		svc:    NewChatService(st, p, llm.NewRegistry(llm.ProviderOpenAI, client), log),
	}
}

func (f *chatFixture) emit(typ model.StreamEventType, data any) error {
	f.events = append(f.events, emitted{typ, data})
	return nil
}

func (f *chatFixture) types() []model.StreamEventType {
	out := make([]model.StreamEventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.typ)
	}
	return out
}

func chatRequest(text string) *model.ChatRequest {
	return &model.ChatRequest{Messages: []model.IncomingMessage{
		{ClientRef: "u1", Role: model.RoleUser, Content: model.TextContent(text)},
	}}
}

func streamOf(events ...llm.StreamEvent) *fakeClient {
	return &fakeClient{name: "openai", events: events, failAt: -1}
}

func TestRunTurn_PersistsStreamedAnswer(t *testing.T) {
	f := newChatFixture(t, streamOf(
		llm.StreamEvent{Type: llm.EventReasoning, Text: "hmm"},
		llm.StreamEvent{Type: llm.EventContent, Text: "Hel"},
		llm.StreamEvent{Type: llm.EventContent, Text: "lo"},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &model.ToolCall{CallID: "call_1", ToolName: "search", Arguments: "{}"}},
		llm.StreamEvent{Type: llm.EventUsage, Usage: &model.Usage{TotalTokens: 5}},
		llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop", ResponseID: "resp-1"},
	))

	res, err := f.svc.RunTurn(context.Background(), "user-1", chatRequest("hi"), f.emit)
	require.NoError(t, err)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, []model.StreamEventType{
		model.StreamConversation, model.StreamReasoning, model.StreamDelta, model.StreamDelta,
		model.StreamToolCall, model.StreamDone,
	}, f.types())

	conv := f.events[0].data.(model.ConversationEvent)
	assert.Equal(t, 2, conv.AssistantSeq)
	require.Len(t, conv.IDMappings, 1)

	msgs, err := f.store.ListMessages(context.Background(), res.Session.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	asst := msgs[1]
	assert.Equal(t, model.StatusFinal, asst.Status)
	assert.Equal(t, "Hello", asst.Content.Text)
	assert.Equal(t, "stop", asst.FinishReason)
	assert.Equal(t, "resp-1", asst.ResponseID)
	assert.Equal(t, "openai", asst.Provider)
	assert.Equal(t, "fake-model", asst.Model)
	require.Len(t, asst.ToolCalls, 1)
	require.Len(t, asst.ReasoningDetails, 1)
	assert.Equal(t, "hmm", asst.ReasoningDetails[0].Text)

	done := f.events[len(f.events)-1].data.(model.DoneEvent)
	assert.Equal(t, asst.ID, done.MessageID)
}

func TestRunTurn_StreamErrorKeepsPartialAnswer(t *testing.T) {
	client := streamOf(
		llm.StreamEvent{Type: llm.EventContent, Text: "partial"},
		llm.StreamEvent{Type: llm.EventContent, Text: "never"},
	)
	client.failAt = 1
	client.err = errors.New("upstream reset")
	f := newChatFixture(t, client)

	_, err := f.svc.RunTurn(context.Background(), "user-1", chatRequest("hi"), f.emit)
	require.Error(t, err)

	conv := f.events[0].data.(model.ConversationEvent)
	msg, err := f.store.GetMessage(context.Background(), conv.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, msg.Status)
	assert.Equal(t, "partial", msg.Content.Text)
}

func TestRunTurn_CancellationMarksError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := streamOf(
		llm.StreamEvent{Type: llm.EventContent, Text: "so far"},
		llm.StreamEvent{Type: llm.EventContent, Text: "unreached"},
	)
	client.failAt = 1
	client.cancel = cancel
	f := newChatFixture(t, client)

	_, err := f.svc.RunTurn(ctx, "user-1", chatRequest("hi"), f.emit)
	require.ErrorIs(t, err, context.Canceled)

	conv := f.events[0].data.(model.ConversationEvent)
	msg, err := f.store.GetMessage(context.Background(), conv.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, msg.Status)
	assert.Equal(t, "so far", msg.Content.Text)
}

func TestRunTurn_ValidationFailsBeforeStreaming(t *testing.T) {
	f := newChatFixture(t, streamOf(llm.StreamEvent{Type: llm.EventContent, Text: "x"}))
	other := &model.Conversation{UserID: "user-2"}
	require.NoError(t, f.store.CreateConversation(context.Background(), other))

	req := chatRequest("hi")
	req.ConversationID = other.ID
	_, err := f.svc.RunTurn(context.Background(), "user-1", req, f.emit)
	assert.ErrorIs(t, err, model.ErrInvalidConversation)
	assert.Empty(t, f.events)
	assert.Nil(t, f.client.lastReq)
}

func TestRunTurn_WithoutUserStreamsUnpersisted(t *testing.T) {
	f := newChatFixture(t, streamOf(
		llm.StreamEvent{Type: llm.EventContent, Text: "anon"},
		llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop"},
	))

	res, err := f.svc.RunTurn(context.Background(), "", chatRequest("hi"), f.emit)
	require.NoError(t, err)
	assert.Equal(t, streaming.StateDisabled, res.Session.State)
	assert.Equal(t, []model.StreamEventType{model.StreamDelta, model.StreamDone}, f.types())
}

func TestRunTurn_UsesStoredSettings(t *testing.T) {
	f := newChatFixture(t, streamOf(llm.StreamEvent{Type: llm.EventDone}))
	conv := &model.Conversation{UserID: "user-1", Settings: model.Settings{
		Model:        "gpt-4.1",
		ProviderID:   "openai",
		SystemPrompt: "stored prompt",
	}}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))

	req := chatRequest("hi")
	req.ConversationID = conv.ID
	req.Messages = append([]model.IncomingMessage{{Role: model.RoleSystem, Content: model.TextContent("client prompt")}}, req.Messages...)
	_, err := f.svc.RunTurn(context.Background(), "user-1", req, f.emit)
	require.NoError(t, err)

	require.NotNil(t, f.client.lastReq)
	assert.Equal(t, "gpt-4.1", f.client.lastReq.Model)
	assert.Equal(t, "stored prompt", f.client.lastReq.System)
	require.Len(t, f.client.lastReq.Messages, 1)
}

func TestRunTurn_AnchoredHistoryPromptsWithFullHistory(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, streamOf(
		llm.StreamEvent{Type: llm.EventContent, Text: "a2 again"},
		llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop"},
	))
	conv := &model.Conversation{UserID: "user-1"}
	require.NoError(t, f.store.CreateConversation(ctx, conv))
	for i, text := range []string{"u1", "a1", "u2", "a2"} {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		require.NoError(t, f.store.InsertMessage(ctx, &model.Message{
			ConversationID: conv.ID, Seq: i + 1, Role: role, Content: model.TextContent(text),
		}))
	}

	anchor := 2
	req := &model.ChatRequest{
		ConversationID:   conv.ID,
		TruncateAfterSeq: &anchor,
		Messages: []model.IncomingMessage{
			{Role: model.RoleUser, Content: model.TextContent("u1")},
			{Role: model.RoleAssistant, Content: model.TextContent("a1")},
			{Role: model.RoleUser, Content: model.TextContent("u2 edited")},
		},
	}
	_, err := f.svc.RunTurn(ctx, "user-1", req, f.emit)
	require.NoError(t, err)

	require.NotNil(t, f.client.lastReq)
	prompt := make([]string, 0, len(f.client.lastReq.Messages))
	for _, m := range f.client.lastReq.Messages {
		prompt = append(prompt, m.Content)
	}
	assert.Equal(t, []string{"u1", "a1", "u2 edited"}, prompt)

	msgs, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	texts := make([]string, 0, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Seq)
		texts = append(texts, m.Content.Text)
	}
	assert.Equal(t, []string{"u1", "a1", "u2 edited", "a2 again"}, texts)
}

func TestBuildCompletion(t *testing.T) {
	req := &model.ChatRequest{
		MaxTokens: 100,
		Messages: []model.IncomingMessage{
			{Role: model.RoleSystem, Content: model.TextContent("be kind")},
			{Role: model.RoleUser, Content: model.TextContent("weather?")},
			{
				Role:        model.RoleAssistant,
				ToolCalls:   []model.ToolCall{{CallID: "call_1", ToolName: "weather"}},
				ToolOutputs: []model.ToolOutput{{ToolCallID: "call_1", Output: "sunny"}},
			},
		},
	}

	out := buildCompletion(model.Settings{Model: "m", ReasoningEffort: "high"}, req)
	assert.Equal(t, "be kind", out.System)
	assert.Equal(t, "high", out.ReasoningEffort)
	assert.Equal(t, 100, out.MaxTokens)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "tool", out.Messages[2].Role)
	assert.Equal(t, "call_1", out.Messages[2].ToolCallID)

	req.Messages = append(req.Messages, model.IncomingMessage{Role: model.RoleTool, ToolCallID: "call_1", Content: model.TextContent("sunny")})
	out = buildCompletion(model.Settings{SystemPrompt: "stored"}, req)
	assert.Equal(t, "stored", out.System)
	require.Len(t, out.Messages, 3, "tool messages are not duplicated from outputs")
}

func TestLLMTitler(t *testing.T) {
	client := &fakeClient{name: "openai", complete: "Weekend plans", failAt: -1}
	titler := NewLLMTitler(llm.NewRegistry(llm.ProviderOpenAI, client), "", "gpt-4o-mini")

	title, err := titler.GenerateTitle(context.Background(), []model.IncomingMessage{
		{Role: model.RoleSystem, Content: model.TextContent("ignored")},
		{Role: model.RoleUser, Content: model.TextContent("what should I do this weekend?")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Weekend plans", title)
	assert.Equal(t, "gpt-4o-mini", client.lastReq.Model)
	assert.Equal(t, "user: what should I do this weekend?", client.lastReq.Messages[0].Content)

	_, err = titler.GenerateTitle(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, 1, client.completed)
}
