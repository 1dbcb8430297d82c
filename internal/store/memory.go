package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/model"
)

// Memory is an in-process Store engine. It is the default engine and the
// one used by most tests; everything lives for the broker's lifetime.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message // conversation id -> append order
	byMessageID   map[string]*model.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		byMessageID:   make(map[string]*model.Message),
	}
}

// CreateConversation implements Store.
func (s *Memory) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	c := *conv
	return &c, nil
}

// ListConversations implements Store.
func (s *Memory) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]model.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, *conv)
	}
	return convs, nil
}

// GetConversation implements Store.
func (s *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

// DeleteConversation implements Store.
func (s *Memory) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	for _, msg := range s.messages[id] {
		delete(s.byMessageID, msg.ID)
	}
	delete(s.messages, id)
	delete(s.conversations, id)
	return nil
}

// AppendMessage implements Store. The store mutex serializes concurrent
// appends on the same conversation, so log order equals arrival order.
func (s *Memory) AppendMessage(ctx context.Context, conversationID string, role model.Role, text, streamID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	now := time.Now().UTC()
	if !now.After(conv.UpdatedAt) {
		now = conv.UpdatedAt.Add(time.Nanosecond)
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		StreamID:       streamID,
		CreatedAt:      now,
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.byMessageID[msg.ID] = msg
	conv.UpdatedAt = now

	m := *msg
	return &m, nil
}

// GetMessage implements Store.
func (s *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byMessageID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	m := *msg
	return &m, nil
}

// UpdateMessage implements Store.
func (s *Memory) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byMessageID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	if applyPatch(msg, patch) {
		now := time.Now().UTC()
		msg.UpdatedAt = &now
	}

	m := *msg
	return &m, nil
}

// ListMessages implements Store.
func (s *Memory) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[conversationID]
	msgs := make([]model.Message, 0, len(stored))
	for _, msg := range stored {
		msgs = append(msgs, *msg)
	}
	return msgs, nil
}

// Close implements Store.
func (s *Memory) Close() error {
	return nil
}
