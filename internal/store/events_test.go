package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/pkg/logger"
)

func recvEvent(t *testing.T, sub *bus.Subscription) model.MessageEvent {
	t.Helper()
	select {
	case data := <-sub.Events():
		var event model.MessageEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.MessageEvent{}
	}
}

func TestEventingPublishesMessageCreated(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	st := WithEvents(NewMemory(), b, logger.NewNop())

	conv, err := st.CreateConversation(ctx, "events")
	require.NoError(t, err)

	sub, err := b.Subscribe(bus.ConversationTopic(conv.ID))
	require.NoError(t, err)
	defer sub.Close()

	msg, err := st.AppendMessage(ctx, conv.ID, model.RoleUser, "hello", "")
	require.NoError(t, err)

	event := recvEvent(t, sub)
	assert.Equal(t, model.EventMessageCreated, event.Type)
	assert.Equal(t, conv.ID, event.ConversationID)
	assert.Equal(t, msg.ID, event.Message.ID)
	assert.Equal(t, "hello", event.Message.Text)
}

func TestEventingPublishesMessageUpdated(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	st := WithEvents(NewMemory(), b, logger.NewNop())

	conv, err := st.CreateConversation(ctx, "events")
	require.NoError(t, err)
	msg, err := st.AppendMessage(ctx, conv.ID, model.RoleAssistant, "", "stream-1")
	require.NoError(t, err)

	sub, err := b.Subscribe(bus.ConversationTopic(conv.ID))
	require.NoError(t, err)
	defer sub.Close()

	text := "done"
	complete := true
	_, err = st.UpdateMessage(ctx, msg.ID, model.MessagePatch{Text: &text, Complete: &complete})
	require.NoError(t, err)

	event := recvEvent(t, sub)
	assert.Equal(t, model.EventMessageUpdated, event.Type)
	assert.Equal(t, msg.ID, event.Message.ID)
	assert.Equal(t, "done", event.Message.Text)
	assert.True(t, event.Message.Complete)
}

func TestEventingFailedWriteDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	st := WithEvents(NewMemory(), b, logger.NewNop())

	sub, err := b.Subscribe(bus.ConversationTopic("no-such-id"))
	require.NoError(t, err)
	defer sub.Close()

	_, err = st.AppendMessage(ctx, "no-such-id", model.RoleUser, "hi", "")
	require.ErrorIs(t, err, ErrConversationNotFound)

	select {
	case data := <-sub.Events():
		t.Fatalf("unexpected event published: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
