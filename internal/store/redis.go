package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/model"
)

const (
	redisConversationsKey = "chatrelay:conversations"
	redisMessageIndexKey  = "chatrelay:message-index"
)

// Redis is a Store engine backed by a Redis server. Conversations live in
// one hash, each conversation's messages in an RPUSH-ordered list, and a
// message-id index records which list slot holds each message so patches
// rewrite in place.
type Redis struct {
	client *redis.Client

	// A single broker process owns all writes, so a process-local mutex
	// is enough to serialize appends per conversation.
	mu sync.Mutex
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Redis{client: client}, nil
}

func redisMessagesKey(conversationID string) string {
	return "chatrelay:conv:" + conversationID + ":messages"
}

type messageSlot struct {
	ConversationID string `json:"conversation_id"`
	Index          int64  `json:"index"`
}

// CreateConversation implements Store.
func (s *Redis) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations implements Store.
func (s *Redis) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	raw, err := s.client.HGetAll(ctx, redisConversationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	convs := make([]model.Conversation, 0, len(raw))
	for _, data := range raw {
		var conv model.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// GetConversation implements Store.
func (s *Redis) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	data, err := s.client.HGet(ctx, redisConversationsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var conv model.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &conv, nil
}

// DeleteConversation implements Store.
func (s *Redis) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}

	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, msg := range msgs {
		pipe.HDel(ctx, redisMessageIndexKey, msg.ID)
	}
	pipe.Del(ctx, redisMessagesKey(id))
	pipe.HDel(ctx, redisConversationsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// AppendMessage implements Store.
func (s *Redis) AppendMessage(ctx context.Context, conversationID string, role model.Role, text, streamID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
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

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	length, err := s.client.RPush(ctx, redisMessagesKey(conversationID), data).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	slot, _ := json.Marshal(messageSlot{ConversationID: conversationID, Index: length - 1})
	if err := s.client.HSet(ctx, redisMessageIndexKey, msg.ID, slot).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conv.UpdatedAt = now
	if err := s.putConversation(ctx, conv); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage implements Store.
func (s *Redis) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	msg, _, err := s.lookupMessage(ctx, id)
	return msg, err
}

// UpdateMessage implements Store.
func (s *Redis) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, slot, err := s.lookupMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	if !applyPatch(msg, patch) {
		return msg, nil
	}
	now := time.Now().UTC()
	msg.UpdatedAt = &now

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.client.LSet(ctx, redisMessagesKey(slot.ConversationID), slot.Index, data).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// ListMessages implements Store.
func (s *Redis) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	raw, err := s.client.LRange(ctx, redisMessagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	msgs := make([]model.Message, 0, len(raw))
	for _, data := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close implements Store.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) putConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.client.HSet(ctx, redisConversationsKey, conv.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) lookupMessage(ctx context.Context, id string) (*model.Message, *messageSlot, error) {
	raw, err := s.client.HGet(ctx, redisMessageIndexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var slot messageSlot
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	data, err := s.client.LIndex(ctx, redisMessagesKey(slot.ConversationID), slot.Index).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var msg model.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if msg.ID != id {
		// The index is stale, e.g. after a partial delete.
		return nil, nil, ErrMessageNotFound
	}
	return &msg, &slot, nil
}
