package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// ChatHandler runs assistant turns over server-sent events.
type ChatHandler struct {
	chatService *service.ChatService
	logger      *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chatSvc *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatSvc,
		logger:      log,
	}
}

// Chat handles POST /api/v1/chat
// The body carries the full client history; the response is an event stream
// of conversation, delta, reasoning, tool_call and done events.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(h.logger, r)

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sse := &sseStream{w: w, flusher: flusher}
	_, err := h.chatService.RunTurn(ctx, middleware.GetUserID(ctx), &req, func(typ model.StreamEventType, data any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sse.send(string(typ), data)
	})
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("chat client disconnected")
		return
	}

	status, text := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("chat turn failed", zap.Error(err))
	} else {
		log.Info("chat turn rejected", zap.Error(err))
	}

	// Headers are not sent until the first event, so early failures still
	// get a proper status code.
	if !sse.started {
		writeError(w, status, text)
		return
	}
	_ = sse.send(string(model.StreamError), &model.ErrorEvent{
		Code:    "stream_error",
		Message: text,
	})
}
