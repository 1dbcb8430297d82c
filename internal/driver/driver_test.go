package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/pkg/logger"
)

// fakeClient streams canned tokens. With failAfter >= 0 it fails after
// that many tokens; with waitCancel it blocks after its tokens until the
// context is cancelled.
type fakeClient struct {
	tokens     []string
	failAfter  int
	failErr    error
	waitCancel bool

	lastReq *llm.CompletionRequest
}

func (f *fakeClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, onToken llm.TokenCallback) (string, error) {
	f.lastReq = req
	var full string
	for i, token := range f.tokens {
		if f.failErr != nil && i == f.failAfter {
			return full, f.failErr
		}
		if err := onToken(token, i); err != nil {
			return full, err
		}
		full += token
	}
	if f.failErr != nil && f.failAfter >= len(f.tokens) {
		return full, f.failErr
	}
	if f.waitCancel {
		<-ctx.Done()
		return full, ctx.Err()
	}
	return full, nil
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.CompletionRequest) (string, error) {
	return f.CompleteStream(ctx, req, func(string, int) error { return nil })
}

func (f *fakeClient) Name() string { return "fake" }

func setup(t *testing.T, client llm.Client, cfg Config) (*Driver, store.Store, *bus.Memory, string, string) {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory()
	t.Cleanup(b.Close)

	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, "driver test")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, conv.ID, model.RoleUser, "What is the weather?", "")
	require.NoError(t, err)
	placeholder, err := st.AppendMessage(ctx, conv.ID, model.RoleAssistant, "", "stream-1")
	require.NoError(t, err)

	return New(st, b, client, cfg, logger.NewNop()), st, b, conv.ID, placeholder.ID
}

func collectChunks(t *testing.T, sub *bus.Subscription) []model.StreamChunk {
	t.Helper()
	var chunks []model.StreamChunk
	for {
		select {
		case data, ok := <-sub.Events():
			if !ok {
				return chunks
			}
			var chunk model.StreamChunk
			require.NoError(t, json.Unmarshal(data, &chunk))
			chunks = append(chunks, chunk)
			if chunk.Complete {
				return chunks
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for chunks")
		}
	}
}

func TestRunStreamsCumulativeChunks(t *testing.T) {
	client := &fakeClient{tokens: []string{"Hi", " there", "!"}}
	d, st, b, convID, placeholderID := setup(t, client, Config{MaxTokens: 100})

	sub, err := b.Subscribe(bus.StreamTopic("stream-1"))
	require.NoError(t, err)
	defer sub.Close()

	d.Run(context.Background(), convID, placeholderID, "be nice", "stream-1")

	chunks := collectChunks(t, sub)
	require.Len(t, chunks, 4)

	assert.Equal(t, "Hi", chunks[0].Text)
	assert.Equal(t, "Hi there", chunks[1].Text)
	assert.Equal(t, "Hi there!", chunks[2].Text)
	for i, chunk := range chunks[:3] {
		assert.Equal(t, fmt.Sprintf("stream-1-chunk-%d", i+1), chunk.ID)
		assert.False(t, chunk.Complete)
		assert.Equal(t, placeholderID, chunk.MessageID)
	}

	terminal := chunks[3]
	assert.Equal(t, "stream-1-chunk-final", terminal.ID)
	assert.Equal(t, "Hi there!", terminal.Text)
	assert.True(t, terminal.Complete)

	msg, err := st.GetMessage(context.Background(), placeholderID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", msg.Text)
	assert.True(t, msg.Complete)
	assert.Empty(t, msg.Error)
}

func TestRunPublishesExactlyOneTerminalChunk(t *testing.T) {
	client := &fakeClient{tokens: []string{"a", "b"}}
	d, _, b, convID, placeholderID := setup(t, client, Config{MaxTokens: 100})

	sub, err := b.Subscribe(bus.StreamTopic("stream-1"))
	require.NoError(t, err)
	defer sub.Close()

	d.Run(context.Background(), convID, placeholderID, "", "stream-1")

	chunks := collectChunks(t, sub)
	terminals := 0
	for _, chunk := range chunks {
		if chunk.Complete {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	// Nothing may follow the terminal chunk.
	select {
	case data, ok := <-sub.Events():
		if ok {
			t.Fatalf("chunk published after terminal: %s", data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunFailurePublishesFallback(t *testing.T) {
	client := &fakeClient{
		tokens:    []string{"partial"},
		failAfter: 1,
		failErr:   errors.New("upstream exploded"),
	}
	d, st, b, convID, placeholderID := setup(t, client, Config{MaxTokens: 100})

	sub, err := b.Subscribe(bus.StreamTopic("stream-1"))
	require.NoError(t, err)
	defer sub.Close()

	d.Run(context.Background(), convID, placeholderID, "", "stream-1")

	chunks := collectChunks(t, sub)
	terminal := chunks[len(chunks)-1]
	assert.Equal(t, "stream-1-error", terminal.ID)
	assert.Equal(t, FallbackText, terminal.Text)
	assert.True(t, terminal.Complete)

	msg, err := st.GetMessage(context.Background(), placeholderID)
	require.NoError(t, err)
	assert.Equal(t, FallbackText, msg.Text)
	assert.True(t, msg.Complete)
	assert.Contains(t, msg.Error, "upstream exploded")
}

func TestRunCancellationPersistsPartialText(t *testing.T) {
	client := &fakeClient{tokens: []string{"Hi", " there"}, waitCancel: true}
	d, st, b, convID, placeholderID := setup(t, client, Config{MaxTokens: 100})

	sub, err := b.Subscribe(bus.StreamTopic("stream-1"))
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, convID, placeholderID, "", "stream-1")
	}()

	// Wait for both incremental chunks, then pull the plug.
	var seen int
	for seen < 2 {
		select {
		case <-sub.Events():
			seen++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for incremental chunks")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancellation")
	}

	chunks := collectChunks(t, sub)
	require.NotEmpty(t, chunks)
	terminal := chunks[len(chunks)-1]
	assert.True(t, terminal.Complete)
	assert.Equal(t, "Hi there", terminal.Text)

	msg, err := st.GetMessage(context.Background(), placeholderID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", msg.Text)
	assert.True(t, msg.Complete)
}

func TestRunReinjectsSystemMessagesInOrder(t *testing.T) {
	client := &fakeClient{tokens: []string{"Sure."}}
	d, st, _, convID, placeholderID := setup(t, client, Config{MaxTokens: 100, HistoryLimit: 20})

	ctx := context.Background()
	_, err := st.AppendMessage(ctx, convID, model.RoleSystem, "Topic changed to cooking.", "")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, convID, model.RoleUser, "Any recipe ideas?", "")
	require.NoError(t, err)

	d.Run(ctx, convID, placeholderID, "system prompt", "stream-1")

	require.NotNil(t, client.lastReq)
	require.Len(t, client.lastReq.Messages, 3)
	assert.Equal(t, llm.ChatMessage{Role: string(model.RoleUser), Content: "What is the weather?"}, client.lastReq.Messages[0])
	assert.Equal(t, llm.ChatMessage{Role: string(model.RoleSystem), Content: "Topic changed to cooking."}, client.lastReq.Messages[1])
	assert.Equal(t, llm.ChatMessage{Role: string(model.RoleUser), Content: "Any recipe ideas?"}, client.lastReq.Messages[2])
}

func TestRunHistoryExcludesPlaceholderAndTruncates(t *testing.T) {
	client := &fakeClient{tokens: []string{"ok"}}
	d, st, _, convID, placeholderID := setup(t, client, Config{MaxTokens: 100, HistoryLimit: 20})

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := st.AppendMessage(ctx, convID, model.RoleUser, fmt.Sprintf("message %d", i), "")
		require.NoError(t, err)
	}

	d.Run(ctx, convID, placeholderID, "system prompt", "stream-1")

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "system prompt", client.lastReq.System)
	assert.Len(t, client.lastReq.Messages, 20)
	assert.Equal(t, "message 24", client.lastReq.Messages[19].Content)
	for _, turn := range client.lastReq.Messages {
		assert.NotEmpty(t, turn.Content, "placeholder must not appear in prompt context")
	}
}

func TestRunAbsorbsHistoryFetchFailure(t *testing.T) {
	client := &fakeClient{tokens: []string{"never"}}
	st := store.NewMemory()
	b := bus.NewMemory()
	defer b.Close()
	d := New(st, b, client, Config{MaxTokens: 100}, logger.NewNop())

	sub, err := b.Subscribe(bus.StreamTopic("stream-1"))
	require.NoError(t, err)
	defer sub.Close()

	// Unknown conversation: ListMessages succeeds empty, but the update
	// of the missing placeholder fails. Run must still terminate the
	// stream and must not panic.
	d.Run(context.Background(), "no-such-conv", "no-such-msg", "", "stream-1")

	chunks := collectChunks(t, sub)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Complete)
}
