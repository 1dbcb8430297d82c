// Package model defines data structures for the chat relay.
package model

import (
	"time"
)

// DefaultTitle is used when a conversation is created without one.
const DefaultTitle = "New conversation"

// Conversation represents a conversation thread. It owns an ordered,
// append-only sequence of messages; UpdatedAt moves on every append.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
