package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/model"
)

// engines returns every Store implementation under test. Each engine
// must satisfy the same contract.
func engines(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			conv, err := st.CreateConversation(ctx, "weekend plans")
			require.NoError(t, err)
			require.NotEmpty(t, conv.ID)
			assert.Equal(t, "weekend plans", conv.Title)
			assert.False(t, conv.CreatedAt.IsZero())
			assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)

			got, err := st.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, conv.ID, got.ID)
			assert.Equal(t, conv.Title, got.Title)

			list, err := st.ListConversations(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestGetConversationNotFound(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetConversation(context.Background(), "no-such-id")
			assert.ErrorIs(t, err, ErrConversationNotFound)
		})
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "ordering")
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				_, err := st.AppendMessage(ctx, conv.ID, model.RoleUser, fmt.Sprintf("message %d", i), "")
				require.NoError(t, err)
			}

			msgs, err := st.ListMessages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 5)
			for i, msg := range msgs {
				assert.Equal(t, fmt.Sprintf("message %d", i), msg.Text)
				assert.Equal(t, model.RoleUser, msg.Role)
				assert.Equal(t, conv.ID, msg.ConversationID)
			}
		})
	}
}

func TestAppendTouchesConversationUpdatedAt(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "activity")
			require.NoError(t, err)

			previous := conv.UpdatedAt
			for i := 0; i < 3; i++ {
				_, err := st.AppendMessage(ctx, conv.ID, model.RoleUser, "hello", "")
				require.NoError(t, err)

				got, err := st.GetConversation(ctx, conv.ID)
				require.NoError(t, err)
				assert.True(t, got.UpdatedAt.After(previous),
					"UpdatedAt must strictly increase on every append")
				previous = got.UpdatedAt
			}
		})
	}
}

func TestAppendToUnknownConversation(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.AppendMessage(context.Background(), "no-such-id", model.RoleUser, "hi", "")
			assert.ErrorIs(t, err, ErrConversationNotFound)
		})
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "burst")
			require.NoError(t, err)

			const writers = 20
			var wg sync.WaitGroup
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				go func(i int) {
					defer wg.Done()
					_, err := st.AppendMessage(ctx, conv.ID, model.RoleUser, fmt.Sprintf("burst %d", i), "")
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			msgs, err := st.ListMessages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, writers)

			seen := make(map[string]bool, writers)
			for i, msg := range msgs {
				assert.False(t, seen[msg.ID], "duplicate message id in log")
				seen[msg.ID] = true
				if i > 0 {
					assert.False(t, msg.CreatedAt.Before(msgs[i-1].CreatedAt),
						"log order must match chronological order")
				}
			}
		})
	}
}

func TestUpdateMessage(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "updates")
			require.NoError(t, err)

			placeholder, err := st.AppendMessage(ctx, conv.ID, model.RoleAssistant, "", "stream-abc")
			require.NoError(t, err)
			assert.Nil(t, placeholder.UpdatedAt)

			text := "final answer"
			complete := true
			updated, err := st.UpdateMessage(ctx, placeholder.ID, model.MessagePatch{
				Text:     &text,
				Complete: &complete,
			})
			require.NoError(t, err)
			assert.Equal(t, "final answer", updated.Text)
			assert.True(t, updated.Complete)
			require.NotNil(t, updated.UpdatedAt)

			got, err := st.GetMessage(ctx, placeholder.ID)
			require.NoError(t, err)
			assert.Equal(t, "final answer", got.Text)
			assert.True(t, got.Complete)
		})
	}
}

func TestUpdateMessageIdempotent(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "idempotence")
			require.NoError(t, err)

			msg, err := st.AppendMessage(ctx, conv.ID, model.RoleAssistant, "", "stream-xyz")
			require.NoError(t, err)

			text := "done"
			complete := true
			patch := model.MessagePatch{Text: &text, Complete: &complete}

			first, err := st.UpdateMessage(ctx, msg.ID, patch)
			require.NoError(t, err)

			second, err := st.UpdateMessage(ctx, msg.ID, patch)
			require.NoError(t, err)

			assert.Equal(t, first.Text, second.Text)
			assert.Equal(t, first.Complete, second.Complete)
			require.NotNil(t, second.UpdatedAt)
			assert.True(t, first.UpdatedAt.Equal(*second.UpdatedAt),
				"a patch restating current state must not touch UpdatedAt")
		})
	}
}

func TestUpdateMessageNotFound(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			text := "x"
			_, err := st.UpdateMessage(context.Background(), "no-such-id", model.MessagePatch{Text: &text})
			assert.ErrorIs(t, err, ErrMessageNotFound)
		})
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := st.CreateConversation(ctx, "doomed")
			require.NoError(t, err)
			msg, err := st.AppendMessage(ctx, conv.ID, model.RoleUser, "bye", "")
			require.NoError(t, err)

			require.NoError(t, st.DeleteConversation(ctx, conv.ID))

			_, err = st.GetConversation(ctx, conv.ID)
			assert.ErrorIs(t, err, ErrConversationNotFound)

			_, err = st.GetMessage(ctx, msg.ID)
			assert.ErrorIs(t, err, ErrMessageNotFound)

			msgs, err := st.ListMessages(ctx, conv.ID)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			assert.ErrorIs(t, st.DeleteConversation(ctx, conv.ID), ErrConversationNotFound)
		})
	}
}

func TestListMessagesUnknownConversation(t *testing.T) {
	for name, st := range engines(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := st.ListMessages(context.Background(), "no-such-id")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}
