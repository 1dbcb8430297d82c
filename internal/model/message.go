package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents a conversation message. Messages are immutable once
// created, except for an assistant placeholder (empty text, tagged with a
// StreamID) which is patched in place as its stream progresses.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           Role       `json:"role"`
	Text           string     `json:"text"`
	StreamID       string     `json:"stream_id,omitempty"`
	Complete       bool       `json:"complete,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// MessagePatch is a partial update applied to an existing message.
// Nil fields are left untouched. Applying the same patch twice yields
// the same stored state.
type MessagePatch struct {
	Text     *string `json:"text,omitempty"`
	Complete *bool   `json:"complete,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// SendMessageRequest is the request to append a user message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// AskAssistantRequest is the request to start an assistant turn.
// MessageID identifies the user message that triggered the turn.
type AskAssistantRequest struct {
	MessageID    string `json:"message_id"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// AskAssistantResponse carries the stream id allocated for the turn.
// The final answer arrives via the stream topic, not this response.
type AskAssistantResponse struct {
	StreamID string `json:"stream_id"`
}

// ListMessagesResponse is the response for listing a conversation's messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}
