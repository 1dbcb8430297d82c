package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

// Eventing wraps a Store engine and publishes a messageCreated or
// messageUpdated event on the conversation topic after each successful
// write. The log store, not its callers, is the source of conversation
// events; a publish failure never fails the write.
type Eventing struct {
	Store
	bus bus.Bus
	log *logger.Logger
}

// WithEvents decorates inner so message writes are announced on b.
func WithEvents(inner Store, b bus.Bus, log *logger.Logger) *Eventing {
	return &Eventing{Store: inner, bus: b, log: log}
}

// AppendMessage implements Store.
func (s *Eventing) AppendMessage(ctx context.Context, conversationID string, role model.Role, text, streamID string) (*model.Message, error) {
	msg, err := s.Store.AppendMessage(ctx, conversationID, role, text, streamID)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()
	s.publish(model.EventMessageCreated, msg)
	return msg, nil
}

// UpdateMessage implements Store.
func (s *Eventing) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	msg, err := s.Store.UpdateMessage(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(model.EventMessageUpdated, msg)
	return msg, nil
}

func (s *Eventing) publish(eventType model.EventType, msg *model.Message) {
	event := model.MessageEvent{
		Type:           eventType,
		ConversationID: msg.ConversationID,
		Message:        *msg,
	}
	if err := s.bus.Publish(bus.ConversationTopic(msg.ConversationID), event); err != nil {
		s.log.Warn("publish message event failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
