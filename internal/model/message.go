package model

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Status is the persistence status of a message row.
type Status string

const (
	StatusDraft Status = "draft"
	StatusFinal Status = "final"
	StatusError Status = "error"
)

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// ReasoningBlock is one typed reasoning entry. Providers that stream
// reasoning over several channels tag blocks with an Index.
type ReasoningBlock struct {
	Type      string `json:"type"`
	Index     *int   `json:"index,omitempty"`
	Text      string `json:"text,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Signature string `json:"signature,omitempty"`
	Format    string `json:"format,omitempty"`
}

// ReasoningTextType is the block type synthesized from free-form reasoning text.
const ReasoningTextType = "reasoning.text"

// Message represents a persisted conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int    `json:"seq"`

	// Content
	Role    Role    `json:"role"`
	Status  Status  `json:"status"`
	Content Content `json:"content"`

	// LLM metadata (empty for non-assistant messages)
	FinishReason     string           `json:"finish_reason,omitempty"`
	ReasoningDetails []ReasoningBlock `json:"reasoning_details,omitempty"`
	Usage            *Usage           `json:"usage,omitempty"`
	ResponseID       string           `json:"response_id,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	Model            string           `json:"model,omitempty"`

	// Correlation
	ClientMessageID string `json:"client_message_id,omitempty"`
	ToolCallID      string `json:"tool_call_id,omitempty"`

	// Attached artifacts (populated on read)
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolOutputs []ToolOutput `json:"tool_outputs,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id,omitempty"`
	CallIndex int    `json:"index"`
	CallID    string `json:"call_id"`
	ToolName  string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput is the result of a tool call. MessageID is the assistant
// message that owns the originating call.
type ToolOutput struct {
	ID         string `json:"id"`
	ToolCallID string `json:"tool_call_id"`
	MessageID  string `json:"message_id,omitempty"`
	Output     string `json:"output"`
	Status     string `json:"status"`
}

// EventType is the kind of a message assembly event.
type EventType string

const (
	EventContent    EventType = "content"
	EventReasoning  EventType = "reasoning"
	EventToolCall   EventType = "tool_call"
	EventToolOutput EventType = "tool_output"
)

// Mergeable reports whether adjacent events of this type coalesce.
func (t EventType) Mergeable() bool {
	return t == EventContent || t == EventReasoning
}

// MessageEvent is one ordered occurrence during assembly of an assistant message.
type MessageEvent struct {
	ID        string          `json:"id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Seq       int             `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// TextPayload is the payload of content and reasoning events. Blocks carries
// non-text content (images) in the order it streamed.
type TextPayload struct {
	Text   string         `json:"text"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// IncomingMessage is one entry of the client-supplied history.
type IncomingMessage struct {
	ClientRef   string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Content     Content      `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolOutputs []ToolOutput `json:"tool_outputs,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
}

// IDMapping links a client reference to the persisted row id.
type IDMapping struct {
	ClientRef   string `json:"client_ref"`
	PersistedID string `json:"persisted_id"`
	Role        Role   `json:"role"`
}

// Checkpoint is the partial state written onto a draft row.
type Checkpoint struct {
	Content          Content
	ReasoningDetails []ReasoningBlock
	Usage            *Usage
}

// Finalization is the terminal state written when a draft completes.
type Finalization struct {
	Content          Content
	ReasoningDetails []ReasoningBlock
	Usage            *Usage
	FinishReason     string
	ResponseID       string
	Provider         string
	Model            string
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	LastSeq  int       `json:"last_seq"`
}

// ListEventsResponse is the response for listing assembly events of a message.
type ListEventsResponse struct {
	Events []MessageEvent `json:"events"`
}
