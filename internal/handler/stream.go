package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const (
	replayBatchSize   = 50
	heartbeatInterval = 30 * time.Second
)

// LifecycleReplayer reads back published lifecycle events of a conversation.
type LifecycleReplayer interface {
	Replay(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) ([]model.LifecycleEvent, uint64, bool, error)
}

// StreamHandler serves the lifecycle event stream of a conversation.
type StreamHandler struct {
	replayer            LifecycleReplayer
	conversationService *service.ConversationService
	logger              *logger.Logger
	heartbeat           time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(replayer LifecycleReplayer, convSvc *service.ConversationService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		replayer:            replayer,
		conversationService: convSvc,
		logger:              log,
		heartbeat:           heartbeatInterval,
	}
}

// ReplayCompleteEvent marks the end of lifecycle replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// Lifecycle handles GET /api/v1/conversations/:id/lifecycle
// Supports ?after_sequence=N for resuming from a specific point. Other
// devices use it to learn that a draft was created, checkpointed, finalized
// or errored without polling the message list.
func (h *StreamHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	log := middleware.RequestLogger(h.logger, r).With(zap.String("conversation_id", conversationID))

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversationService.Get(ctx, userID, conversationID); err != nil {
		status, text := errorStatus(err)
		writeError(w, status, text)
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sse := &sseStream{w: w, flusher: flusher}
	if err := sse.send("connected", map[string]string{"conversation_id": conversationID}); err != nil {
		return
	}

	lastSequence := afterSequence
	total := 0
	for {
		events, last, more, err := h.replayer.Replay(ctx, userID, conversationID, lastSequence, replayBatchSize)
		if err != nil {
			log.Error("failed to replay lifecycle events", zap.Error(err))
			_ = sse.send(string(model.StreamError), &model.ErrorEvent{
				Code:    "replay_error",
				Message: "failed to replay lifecycle events",
			})
			break
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			if err := sse.send("lifecycle", ev); err != nil {
				return
			}
			total++
		}
		lastSequence = last
		if !more || len(events) == 0 {
			break
		}
	}

	if err := sse.send("replay_complete", &ReplayCompleteEvent{LastSequence: lastSequence, EventCount: total}); err != nil {
		return
	}
	log.Info("lifecycle replay complete",
		zap.Int("events_replayed", total),
		zap.Uint64("last_sequence", lastSequence),
	)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case <-heartbeat.C:
			if err := sse.send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

// sseStream writes server-sent events, sending headers with the first event.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseStream) send(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
