package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/driver"
	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/pkg/logger"
)

// stubClient streams canned tokens; with hold set it blocks after its
// tokens until the context is cancelled.
type stubClient struct {
	tokens []string
	hold   bool

	mu      sync.Mutex
	lastReq *llm.CompletionRequest
}

func (c *stubClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, onToken llm.TokenCallback) (string, error) {
	c.mu.Lock()
	c.lastReq = req
	c.mu.Unlock()

	var full string
	for i, token := range c.tokens {
		if err := onToken(token, i); err != nil {
			return full, err
		}
		full += token
	}
	if c.hold {
		<-ctx.Done()
		return full, ctx.Err()
	}
	return full, nil
}

func (c *stubClient) Complete(ctx context.Context, req *llm.CompletionRequest) (string, error) {
	return c.CompleteStream(ctx, req, func(string, int) error { return nil })
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) request() *llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

func newRouter(t *testing.T, client llm.Client) (*Router, store.Store) {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory()
	t.Cleanup(b.Close)
	d := driver.New(st, b, client, driver.Config{MaxTokens: 100, HistoryLimit: 20}, logger.NewNop())
	return New(st, d, logger.NewNop()), st
}

func TestCreateConversationDefaultsTitle(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	ctx := context.Background()

	conv, err := rt.CreateConversation(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, conv.Title)

	named, err := rt.CreateConversation(ctx, "trip planning")
	require.NoError(t, err)
	assert.Equal(t, "trip planning", named.Title)
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	ctx := context.Background()
	conv, err := rt.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := rt.SendMessage(ctx, conv.ID, text)
		assert.ErrorIs(t, err, ErrValidation)
	}

	msgs, err := rt.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected sends must not reach the log")
}

func TestSendMessageAppendsUserMessage(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	ctx := context.Background()
	conv, err := rt.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	msg, err := rt.SendMessage(ctx, conv.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Text)
	assert.Empty(t, msg.StreamID)
}

func TestAskAssistantUnknownConversation(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	_, err := rt.AskAssistant(context.Background(), "no-such-id", "")
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestAskAssistantRunsCompletion(t *testing.T) {
	client := &stubClient{tokens: []string{"Hello", " world"}}
	rt, st := newRouter(t, client)
	ctx := context.Background()

	conv, err := rt.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	_, err = rt.SendMessage(ctx, conv.ID, "say hi")
	require.NoError(t, err)

	streamID, err := rt.AskAssistant(ctx, conv.ID, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(streamID, "stream-"))

	// The placeholder exists before the call returns.
	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	placeholder := msgs[1]
	assert.Equal(t, model.RoleAssistant, placeholder.Role)
	assert.Equal(t, streamID, placeholder.StreamID)

	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(ctx, placeholder.ID)
		return err == nil && msg.Complete
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := st.GetMessage(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", msg.Text)

	req := client.request()
	require.NotNil(t, req)
	assert.Equal(t, DefaultSystemPrompt, req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "say hi", req.Messages[0].Content)
}

func TestAskAssistantStreamIDsAreUnique(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	ctx := context.Background()
	conv, err := rt.CreateConversation(ctx, "chat")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		streamID, err := rt.AskAssistant(ctx, conv.ID, "")
		require.NoError(t, err)
		assert.False(t, seen[streamID])
		seen[streamID] = true
	}
}

func TestCancelCompletion(t *testing.T) {
	client := &stubClient{tokens: []string{"partial"}, hold: true}
	rt, st := newRouter(t, client)
	ctx := context.Background()

	conv, err := rt.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	streamID, err := rt.AskAssistant(ctx, conv.ID, "")
	require.NoError(t, err)

	// Wait until the driver has started streaming.
	require.Eventually(t, func() bool {
		return client.request() != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, rt.CancelCompletion(streamID))

	require.Eventually(t, func() bool {
		msgs, err := st.ListMessages(ctx, conv.ID)
		return err == nil && len(msgs) == 1 && msgs[0].Complete
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", msgs[0].Text)

	// The registry entry is gone once the turn finished.
	require.Eventually(t, func() bool {
		return !rt.CancelCompletion(streamID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelCompletionUnknownStream(t *testing.T) {
	rt, _ := newRouter(t, &stubClient{})
	assert.False(t, rt.CancelCompletion("stream-missing"))
}

func TestCleanupStaleConversations(t *testing.T) {
	rt, st := newRouter(t, &stubClient{})
	ctx := context.Background()

	stale, err := rt.CreateConversation(ctx, "old")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	fresh, err := rt.CreateConversation(ctx, "new")
	require.NoError(t, err)

	cleaned, err := rt.CleanupStaleConversations(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = st.GetConversation(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
	_, err = st.GetConversation(ctx, fresh.ID)
	assert.NoError(t, err)
}
