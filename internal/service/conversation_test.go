package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

func newConversationService(t *testing.T, maxConversations int) (*ConversationService, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewConversationService(st, logger.NewNop(), maxConversations), st
}

func TestConversationService_Lifecycle(t *testing.T) {
	svc, _ := newConversationService(t, 0)
	ctx := context.Background()
	modelName := "gpt-4o"

	conv, err := svc.Create(ctx, "user-1", &model.CreateConversationRequest{
		Settings: model.IncomingSettings{Model: &modelName},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", conv.Settings.Model)
	assert.True(t, conv.Settings.StreamingEnabled)

	got, err := svc.Get(ctx, "user-1", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)

	updated, err := svc.Update(ctx, "user-1", conv.ID, &model.UpdateConversationRequest{Title: "Renamed"})
	require.NoError(t, err)
	require.NotNil(t, updated.Title)
	assert.Equal(t, "Renamed", *updated.Title)

	list, err := svc.List(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	assert.False(t, list.HasMore)

	require.NoError(t, svc.Delete(ctx, "user-1", conv.ID))
	_, err = svc.Get(ctx, "user-1", conv.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConversationService_HidesForeignConversations(t *testing.T) {
	svc, _ := newConversationService(t, 0)
	ctx := context.Background()
	conv, err := svc.Create(ctx, "user-1", &model.CreateConversationRequest{})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "user-2", conv.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "user-2", conv.ID), model.ErrNotFound)
	_, err = svc.Messages(ctx, "user-2", conv.ID, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConversationService_CreateQuota(t *testing.T) {
	svc, _ := newConversationService(t, 1)
	ctx := context.Background()
	_, err := svc.Create(ctx, "user-1", &model.CreateConversationRequest{})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "user-1", &model.CreateConversationRequest{})
	assert.ErrorIs(t, err, model.ErrLimitExceeded)
}

func TestConversationService_MessagesAndEvents(t *testing.T) {
	svc, st := newConversationService(t, 0)
	ctx := context.Background()
	conv, err := svc.Create(ctx, "user-1", &model.CreateConversationRequest{})
	require.NoError(t, err)

	for i, text := range []string{"hi", "hello"} {
		role := model.RoleUser
		if i == 1 {
			role = model.RoleAssistant
		}
		msg := &model.Message{ConversationID: conv.ID, Seq: i + 1, Role: role, Content: model.TextContent(text)}
		require.NoError(t, st.InsertMessage(ctx, msg))
	}

	resp, err := svc.Messages(ctx, "user-1", conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, 2, resp.LastSeq)

	resp, err = svc.Messages(ctx, "user-1", conv.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
	assert.Equal(t, 2, resp.LastSeq)

	asst := &model.Message{ConversationID: conv.ID, Seq: 3, Role: model.RoleAssistant, Content: model.TextContent("x")}
	require.NoError(t, st.InsertMessage(ctx, asst))
	require.NoError(t, st.ReplaceMessageEvents(ctx, asst.ID, []model.MessageEvent{
		{Type: model.EventContent, Payload: []byte(`{"text":"x"}`)},
	}))
	events, err := svc.MessageEvents(ctx, "user-1", conv.ID, asst.ID)
	require.NoError(t, err)
	require.Len(t, events.Events, 1)

	other, err := svc.Create(ctx, "user-1", &model.CreateConversationRequest{})
	require.NoError(t, err)
	_, err = svc.MessageEvents(ctx, "user-1", other.ID, asst.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
