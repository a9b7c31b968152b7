package model

// ChatRequest starts one assistant turn. Messages is the full client-side
// history; the server reconciles its stored copy against it and sends all of
// it to the provider. TruncateAfterSeq pins the stored rows up to that seq:
// the leading entries of Messages stand for them and only the rest is synced.
type ChatRequest struct {
	ConversationID       string            `json:"conversation_id,omitempty"`
	ParentConversationID string            `json:"parent_conversation_id,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	Messages             []IncomingMessage `json:"messages"`
	Settings             IncomingSettings  `json:"settings"`
	TruncateAfterSeq     *int              `json:"truncate_after_seq,omitempty"`
	MaxTokens            int               `json:"max_tokens,omitempty"`
	Temperature          float64           `json:"temperature,omitempty"`
}
