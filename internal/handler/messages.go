package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// MessageHandler handles read access to stored messages.
type MessageHandler struct {
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(convSvc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
// Supports ?after_seq=N to fetch only rows written since the last sync.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.conversationService.Messages(ctx, middleware.GetUserID(ctx), conversationID, queryInt(r, "after_seq", 0))
	if err != nil {
		h.fail(w, r, "failed to get messages", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Events handles GET /api/v1/conversations/:id/messages/:messageID/events
func (h *MessageHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.conversationService.MessageEvents(ctx, middleware.GetUserID(ctx), conversationID, messageID)
	if err != nil {
		h.fail(w, r, "failed to get message events", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *MessageHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, text := errorStatus(err)
	if status >= http.StatusInternalServerError {
		middleware.RequestLogger(h.logger, r).Error(msg, zap.Error(err))
	}
	writeError(w, status, text)
}
