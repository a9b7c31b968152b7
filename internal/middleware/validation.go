package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// maxHistoryMessages bounds how much client history one chat request may carry.
const maxHistoryMessages = 1000

// ValidateChatRequest checks the shape of a chat request before any work
// starts.
func ValidateChatRequest(req *model.ChatRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages cannot be empty")
	}
	if len(req.Messages) > maxHistoryMessages {
		return errors.New("too many messages")
	}
	if req.ConversationID != "" {
		if err := ValidateConversationID(req.ConversationID); err != nil {
			return err
		}
	}
	if req.ParentConversationID != "" {
		if _, err := uuid.Parse(req.ParentConversationID); err != nil {
			return errors.New("invalid parent conversation ID format")
		}
	}
	if req.TruncateAfterSeq != nil && *req.TruncateAfterSeq < 0 {
		return errors.New("truncate_after_seq must not be negative")
	}
	if req.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if text := m.Content.PlainText(); len(text) > 100000 || !utf8.ValidString(text) {
			return fmt.Errorf("message %d: invalid content", i)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == model.RoleUser && !last.Content.IsStructured() {
		if err := ValidateMessageContent(last.Content.PlainText()); err != nil {
			return fmt.Errorf("last message: %w", err)
		}
	}
	return nil
}
