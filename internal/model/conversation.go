// Package model defines data structures for the conversation platform.
package model

import (
	"time"
)

// Settings are the per-conversation generation settings.
type Settings struct {
	Model                 string   `json:"model"`
	ProviderID            string   `json:"provider_id"`
	SystemPrompt          string   `json:"system_prompt"`
	ActiveTools           []string `json:"active_tools"`
	StreamingEnabled      bool     `json:"streaming_enabled"`
	ToolsEnabled          bool     `json:"tools_enabled"`
	QualityLevel          string   `json:"quality_level,omitempty"`
	ReasoningEffort       string   `json:"reasoning_effort,omitempty"`
	Verbosity             string   `json:"verbosity,omitempty"`
	CustomRequestParamsID string   `json:"custom_request_params_id,omitempty"`
}

// Conversation represents a conversation thread.
type Conversation struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id"`
	ParentConversationID string    `json:"parent_conversation_id,omitempty"`
	Title                *string   `json:"title"`
	Settings             Settings  `json:"settings"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	Deleted              bool      `json:"deleted,omitempty"`
}

// IncomingSettings are the settings declared by a chat request.
// Nil fields were not declared and never trigger an update.
type IncomingSettings struct {
	Model                 *string  `json:"model,omitempty"`
	ProviderID            *string  `json:"provider_id,omitempty"`
	SystemPrompt          *string  `json:"system_prompt,omitempty"`
	ActiveTools           []string `json:"active_tools,omitempty"`
	StreamingEnabled      *bool    `json:"streaming_enabled,omitempty"`
	ToolsEnabled          *bool    `json:"tools_enabled,omitempty"`
	QualityLevel          *string  `json:"quality_level,omitempty"`
	ReasoningEffort       *string  `json:"reasoning_effort,omitempty"`
	Verbosity             *string  `json:"verbosity,omitempty"`
	CustomRequestParamsID *string  `json:"custom_request_params_id,omitempty"`
}

// Apply overlays the declared fields onto base.
func (in IncomingSettings) Apply(base Settings) Settings {
	out := base
	if in.Model != nil {
		out.Model = *in.Model
	}
	if in.ProviderID != nil {
		out.ProviderID = *in.ProviderID
	}
	if in.SystemPrompt != nil {
		out.SystemPrompt = *in.SystemPrompt
	}
	if in.ActiveTools != nil {
		out.ActiveTools = append([]string(nil), in.ActiveTools...)
	}
	if in.StreamingEnabled != nil {
		out.StreamingEnabled = *in.StreamingEnabled
	}
	if in.ToolsEnabled != nil {
		out.ToolsEnabled = *in.ToolsEnabled
	}
	if in.QualityLevel != nil {
		out.QualityLevel = *in.QualityLevel
	}
	if in.ReasoningEffort != nil {
		out.ReasoningEffort = *in.ReasoningEffort
	}
	if in.Verbosity != nil {
		out.Verbosity = *in.Verbosity
	}
	if in.CustomRequestParamsID != nil {
		out.CustomRequestParamsID = *in.CustomRequestParamsID
	}
	return out
}

// ConversationPatch is a targeted metadata update. Nil fields are left untouched.
type ConversationPatch struct {
	SystemPrompt          *string
	ProviderID            *string
	Model                 *string
	ActiveTools           []string
	CustomRequestParamsID *string
	StreamingEnabled      *bool
	ToolsEnabled          *bool
	QualityLevel          *string
	ReasoningEffort       *string
	Verbosity             *string
}

// UpdateConversationRequest is the request to update a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// CreateConversationRequest is the request to create an empty conversation.
type CreateConversationRequest struct {
	Title    *string          `json:"title,omitempty"`
	Settings IncomingSettings `json:"settings"`
}
