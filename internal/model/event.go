package model

import (
	"time"
)

// LifecycleType represents the type of a message lifecycle event.
type LifecycleType string

const (
	LifecycleDraftCreated LifecycleType = "draft_created"
	LifecycleCheckpoint   LifecycleType = "checkpoint"
	LifecycleFinalized    LifecycleType = "finalized"
	LifecycleErrored      LifecycleType = "errored"
	LifecycleTitle        LifecycleType = "title"
)

// LifecycleEvent is broadcast when an assistant message changes persistence state.
type LifecycleEvent struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	MessageID      string        `json:"message_id,omitempty"`
	Seq            int           `json:"seq,omitempty"`
	Type           LifecycleType `json:"type"`
	ContentLength  int           `json:"content_length,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Title          string        `json:"title,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// StreamEventType is the kind of a server-sent chat event.
type StreamEventType string

const (
	StreamConversation StreamEventType = "conversation"
	StreamDelta        StreamEventType = "delta"
	StreamReasoning    StreamEventType = "reasoning"
	StreamToolCall     StreamEventType = "tool_call"
	StreamDone         StreamEventType = "done"
	StreamError        StreamEventType = "error"
)

// ConversationEvent announces the conversation a turn is persisted into.
type ConversationEvent struct {
	ConversationID string      `json:"conversation_id"`
	AssistantSeq   int         `json:"assistant_seq"`
	MessageID      string      `json:"message_id,omitempty"`
	AppliedViaDiff bool        `json:"applied_via_diff"`
	IDMappings     []IDMapping `json:"id_mappings"`
}

// DeltaEvent carries a content or reasoning chunk.
type DeltaEvent struct {
	Text string `json:"text"`
}

// DoneEvent represents a completed assistant turn.
type DoneEvent struct {
	MessageID    string `json:"message_id"`
	Seq          int    `json:"seq"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps an idle event stream open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
