// Package store provides durable, ordered, append-only storage of
// conversations and their messages. It is the single source of truth;
// messages are written only through this contract.
package store

import (
	"context"
	"errors"

	"github.com/chatrelay/chatrelay/internal/model"
)

var (
	// ErrConversationNotFound is returned when a conversation id does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when a message id does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUnavailable is returned when the persistence layer cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the message log contract. Every engine serializes concurrent
// appends on the same conversation so log order equals chronological
// order, and applies UpdateMessage idempotently.
type Store interface {
	// CreateConversation assigns an id and timestamps to a new conversation.
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)

	// ListConversations returns all conversations. Ordering is unspecified
	// at this layer.
	ListConversations(ctx context.Context) ([]model.Conversation, error)

	// GetConversation returns one conversation or ErrConversationNotFound.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// DeleteConversation removes a conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage appends to the conversation's ordered log and touches
	// the conversation's UpdatedAt. streamID is empty except for assistant
	// placeholders.
	AppendMessage(ctx context.Context, conversationID string, role model.Role, text, streamID string) (*model.Message, error)

	// GetMessage returns one message by id or ErrMessageNotFound.
	GetMessage(ctx context.Context, id string) (*model.Message, error)

	// UpdateMessage merges patch into an existing message and touches its
	// UpdatedAt. Returns ErrMessageNotFound if absent.
	UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error)

	// ListMessages returns a conversation's messages in append order.
	// An unknown conversation yields an empty list, not an error.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// Close releases engine resources.
	Close() error
}

// applyPatch merges patch into msg and reports whether anything changed.
// A patch that restates the current state is a no-op, which keeps
// repeated identical patches from touching UpdatedAt.
func applyPatch(msg *model.Message, patch model.MessagePatch) bool {
	changed := false
	if patch.Text != nil && msg.Text != *patch.Text {
		msg.Text = *patch.Text
		changed = true
	}
	if patch.Complete != nil && msg.Complete != *patch.Complete {
		msg.Complete = *patch.Complete
		changed = true
	}
	if patch.Error != nil && msg.Error != *patch.Error {
		msg.Error = *patch.Error
		changed = true
	}
	return changed
}
