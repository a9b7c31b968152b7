package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *Store) *model.Conversation {
	t.Helper()
	conv := &model.Conversation{
		UserID:   "user-1",
		Settings: model.Settings{Model: "gpt-4o", ProviderID: "openai", ActiveTools: []string{"search"}},
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func insertMessage(t *testing.T, r Repository, convID string, seq int, role model.Role, text string) *model.Message {
	t.Helper()
	msg := &model.Message{ConversationID: convID, Seq: seq, Role: role, Content: model.TextContent(text)}
	require.NoError(t, r.InsertMessage(context.Background(), msg))
	return msg
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)
	assert.Equal(t, []string{"search"}, got.Settings.ActiveTools)

	prompt := "be brief"
	require.NoError(t, s.UpdateConversationMetadata(ctx, conv.ID, model.ConversationPatch{
		SystemPrompt: &prompt,
		ActiveTools:  []string{},
	}))
	require.NoError(t, s.SetConversationTitle(ctx, conv.ID, "Greetings"))

	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "be brief", got.Settings.SystemPrompt)
	assert.Empty(t, got.Settings.ActiveTools)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Greetings", *got.Title)

	n, err := s.CountConversations(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SoftDeleteConversation(ctx, conv.ID))
	list, total, err := s.ListConversations(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, total)

	err = s.SoftDeleteConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNextSeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	seq, err := s.NextSeq(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	insertMessage(t, s, conv.ID, 1, model.RoleUser, "hi")
	insertMessage(t, s, conv.ID, 2, model.RoleAssistant, "hello")

	seq, err = s.NextSeq(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
}

func TestInsertMessage_DuplicateSeqRejected(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s)
	insertMessage(t, s, conv.ID, 1, model.RoleUser, "hi")

	err := s.InsertMessage(context.Background(), &model.Message{
		ConversationID: conv.ID, Seq: 1, Role: model.RoleUser, Content: model.TextContent("again"),
	})
	assert.Error(t, err)
}

func TestListMessages_AttachesArtifacts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	insertMessage(t, s, conv.ID, 1, model.RoleUser, "weather?")
	asst := insertMessage(t, s, conv.ID, 2, model.RoleAssistant, "")
	require.NoError(t, s.InsertToolCalls(ctx, asst.ID, []model.ToolCall{
		{CallIndex: 0, CallID: "call_1", ToolName: "weather", Arguments: `{"city":"Paris"}`},
	}))
	require.NoError(t, s.InsertToolOutputs(ctx, asst.ID, []model.ToolOutput{
		{ToolCallID: "call_1", Output: "sunny", Status: "success"},
	}))

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].ToolCalls)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "weather", msgs[1].ToolCalls[0].ToolName)
	require.Len(t, msgs[1].ToolOutputs, 1)
	assert.Equal(t, "sunny", msgs[1].ToolOutputs[0].Output)

	after, err := s.ListMessages(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, asst.ID, after[0].ID)
}

func TestStructuredContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	content := model.BlockContent(
		model.ContentBlock{Type: model.BlockText, Text: "look"},
		model.ContentBlock{Type: model.BlockImage, ImageURL: &model.ImageURL{URL: "https://x/y.png"}},
	)
	msg := &model.Message{ConversationID: conv.ID, Seq: 1, Role: model.RoleUser, Content: content}
	require.NoError(t, s.InsertMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Content.Equal(content))
	assert.Nil(t, got.ReasoningDetails)
	assert.Nil(t, got.Usage)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	draft := &model.Message{ConversationID: conv.ID, Seq: 1, Role: model.RoleAssistant, Status: model.StatusDraft}
	require.NoError(t, s.InsertMessage(ctx, draft))

	require.NoError(t, s.CheckpointMessage(ctx, draft.ID, model.Checkpoint{Content: model.TextContent("par")}))
	require.NoError(t, s.FinalizeMessage(ctx, draft.ID, model.Finalization{
		Content:      model.TextContent("partial done"),
		FinishReason: "stop",
		Usage:        &model.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}))

	got, err := s.GetMessage(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinal, got.Status)
	assert.Equal(t, "partial done", got.Content.Text)
	assert.Equal(t, "stop", got.FinishReason)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 5, got.Usage.TotalTokens)

	err = s.MarkMessageError(ctx, draft.ID, model.Checkpoint{})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	err = s.FinalizeMessage(ctx, draft.ID, model.Finalization{})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	err = s.FinalizeMessage(ctx, "missing", model.Finalization{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	changed, err := s.MarkErrorBySeq(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkErrorBySeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)
	require.NoError(t, s.InsertMessage(ctx, &model.Message{
		ConversationID: conv.ID, Seq: 1, Role: model.RoleAssistant, Status: model.StatusDraft,
	}))

	changed, err := s.MarkErrorBySeq(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.True(t, changed)

	msg, err := s.FindMessageBySeq(ctx, conv.ID, 1, model.RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, msg.Status)
}

func TestDeleteMessages_RemovesChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	insertMessage(t, s, conv.ID, 1, model.RoleUser, "hi")
	asst := insertMessage(t, s, conv.ID, 2, model.RoleAssistant, "hello")
	require.NoError(t, s.InsertToolCalls(ctx, asst.ID, []model.ToolCall{{ToolName: "t"}}))
	require.NoError(t, s.ReplaceMessageEvents(ctx, asst.ID, []model.MessageEvent{
		{Type: model.EventContent, Payload: []byte(`{"text":"hello"}`)},
	}))

	deleted, err := s.DeleteMessagesAfterSeq(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	events, err := s.ListMessageEvents(ctx, asst.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	var calls int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&calls))
	assert.Zero(t, calls)

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplaceMessageEvents_Renumbers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)
	asst := insertMessage(t, s, conv.ID, 1, model.RoleAssistant, "x")

	require.NoError(t, s.ReplaceMessageEvents(ctx, asst.ID, []model.MessageEvent{
		{Seq: 7, Type: model.EventReasoning, Payload: []byte(`{"text":"think"}`)},
		{Seq: 9, Type: model.EventContent, Payload: []byte(`{"text":"x"}`)},
	}))
	events, err := s.ListMessageEvents(ctx, asst.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Seq)
	assert.Equal(t, model.EventReasoning, events[0].Type)
	assert.Equal(t, 1, events[1].Seq)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(r Repository) error {
		insertMessage(t, r, conv.ID, 1, model.RoleUser, "hi")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInTx_Commits(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	conv := seedConversation(t, s)

	require.NoError(t, s.InTx(ctx, func(r Repository) error {
		seq, err := r.NextSeq(ctx, conv.ID)
		if err != nil {
			return err
		}
		insertMessage(t, r, conv.ID, seq, model.RoleUser, "hi")
		return r.InTx(ctx, func(inner Repository) error {
			insertMessage(t, inner, conv.ID, seq+1, model.RoleAssistant, "hello")
			return nil
		})
	}))

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
