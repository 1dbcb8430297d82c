// Package router maps inbound operations onto the message log and the
// completion driver: it validates mutations, allocates stream ids, and
// kicks off asynchronous assistant turns without blocking the request.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/driver"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

// DefaultSystemPrompt is used when askAssistant omits one.
const DefaultSystemPrompt = "You are a helpful assistant."

// ErrValidation marks rejected input. Callers map it to a 400.
var ErrValidation = errors.New("validation failed")

// Router is the session/request router. One instance serves the broker
// process; it owns the registry of in-flight completion streams.
type Router struct {
	store  store.Store
	driver *driver.Driver
	log    *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // stream id -> cancel
}

// New creates a router over st and d.
func New(st store.Store, d *driver.Driver, log *logger.Logger) *Router {
	return &Router{
		store:  st,
		driver: d,
		log:    log,
		active: make(map[string]context.CancelFunc),
	}
}

// CreateConversation creates a conversation, defaulting the title.
func (r *Router) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}
	return r.store.CreateConversation(ctx, title)
}

// ListConversations returns all conversations.
func (r *Router) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return r.store.ListConversations(ctx)
}

// GetConversation returns one conversation.
func (r *Router) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return r.store.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation and everything under it.
func (r *Router) DeleteConversation(ctx context.Context, id string) error {
	return r.store.DeleteConversation(ctx, id)
}

// ListMessages returns a conversation's messages in append order.
func (r *Router) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	return r.store.ListMessages(ctx, conversationID)
}

// GetMessage returns one message.
func (r *Router) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return r.store.GetMessage(ctx, id)
}

// SendMessage appends a user message. It triggers no AI work by itself.
func (r *Router) SendMessage(ctx context.Context, conversationID, text string) (*model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text must not be empty", ErrValidation)
	}
	return r.store.AppendMessage(ctx, conversationID, model.RoleUser, text, "")
}

// AskAssistant allocates a stream id, creates the placeholder assistant
// message, and starts the completion driver in the background. It
// returns the stream id immediately; the caller subscribes to the
// stream topic for the answer. A client that subscribes late misses
// early chunks but converges from the terminal chunk alone.
func (r *Router) AskAssistant(ctx context.Context, conversationID, systemPrompt string) (string, error) {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return "", err
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	streamID := "stream-" + uuid.NewString()

	placeholder, err := r.store.AppendMessage(ctx, conversationID, model.RoleAssistant, "", streamID)
	if err != nil {
		return "", err
	}

	// Fire and forget: the driver runs on a context detached from the
	// request so a client disconnect does not kill the turn. The driver
	// absorbs its own failures; nothing awaits this goroutine.
	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active[streamID] = cancel
	r.mu.Unlock()

	go func() {
		defer r.release(streamID)
		r.driver.Run(runCtx, conversationID, placeholder.ID, systemPrompt, streamID)
	}()

	return streamID, nil
}

// CancelCompletion cancels an in-flight completion stream. It reports
// whether the stream was active; the driver persists the accumulated
// text and emits the terminal chunk on its way out.
func (r *Router) CancelCompletion(streamID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[streamID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CleanupStaleConversations deletes conversations idle longer than
// maxAge, together with their messages. Per-conversation failures are
// logged and skipped so one bad record does not abort the sweep.
func (r *Router) CleanupStaleConversations(ctx context.Context, maxAge time.Duration) (int, error) {
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	for _, conv := range convs {
		if !conv.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := r.store.DeleteConversation(ctx, conv.ID); err != nil {
			r.log.Warn("cleanup skipped conversation",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.ConversationsCleaned.Inc()
		cleaned++
	}
	if cleaned > 0 {
		r.log.Info("cleanup sweep finished", zap.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

func (r *Router) release(streamID string) {
	r.mu.Lock()
	cancel, ok := r.active[streamID]
	delete(r.active, streamID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
