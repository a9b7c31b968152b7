// Package service provides business logic for the conversation platform.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	repo             store.Repository
	logger           *logger.Logger
	maxConversations int
}

// NewConversationService creates a new conversation service. maxConversations
// caps conversations per user; zero means unlimited.
func NewConversationService(repo store.Repository, log *logger.Logger, maxConversations int) *ConversationService {
	return &ConversationService{
		repo:             repo,
		logger:           log,
		maxConversations: maxConversations,
	}
}

// Create creates a new, empty conversation.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if s.maxConversations > 0 {
		n, err := s.repo.CountConversations(ctx, userID)
		if err != nil {
			return nil, err
		}
		if n >= s.maxConversations {
			return nil, fmt.Errorf("user has %d conversations, max %d: %w", n, s.maxConversations, model.ErrLimitExceeded)
		}
	}

	conv := &model.Conversation{
		UserID:   userID,
		Title:    req.Title,
		Settings: req.Settings.Apply(model.Settings{StreamingEnabled: true}),
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	metrics.ConversationsTotal.Inc()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
	)
	return conv, nil
}

// Get retrieves a conversation owned by userID. Foreign and deleted
// conversations are reported as not found.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID || conv.Deleted {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return conv, nil
}

// List retrieves conversations for a user, most recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	limit = clampLimit(limit, 20, 100)
	if offset < 0 {
		offset = 0
	}

	convs, total, err := s.repo.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// Update renames a conversation.
func (s *ConversationService) Update(ctx context.Context, userID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if req.Title == "" {
		return conv, nil
	}
	if err := s.repo.SetConversationTitle(ctx, conversationID, req.Title); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, conversationID)
}

// Delete soft deletes a conversation.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

// Messages lists the stored messages of a conversation after afterSeq.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID string, afterSeq int) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	lastSeq := afterSeq
	if n := len(msgs); n > 0 {
		lastSeq = msgs[n-1].Seq
	}
	return &model.ListMessagesResponse{Messages: msgs, LastSeq: lastSeq}, nil
}

// MessageEvents returns the ordered assembly events of one message.
func (s *ConversationService) MessageEvents(ctx context.Context, userID, conversationID, messageID string) (*model.ListEventsResponse, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	events, err := s.repo.ListMessageEvents(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message events: %w", err)
	}
	if events == nil {
		events = []model.MessageEvent{}
	}
	return &model.ListEventsResponse{Events: events}, nil
}

func clampLimit(limit, def, upper int) int {
	if limit <= 0 {
		return def
	}
	if limit > upper {
		return upper
	}
	return limit
}
