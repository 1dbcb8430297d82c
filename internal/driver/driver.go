// Package driver runs one assistant turn: it feeds conversation history
// to the completion capability, publishes the reply incrementally as
// cumulative stream chunks, and reconciles the final text into the
// message log.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

// FallbackText is persisted and published when a completion fails before
// producing a final answer. The transcript stays consistent: the client
// sees a normal assistant message, not a broken stream.
const FallbackText = "Something went wrong while generating a reply. Please try again."

// Config holds per-driver completion settings.
type Config struct {
	// Model is the provider model identifier; empty selects the provider default.
	Model string

	// MaxTokens caps the completion length.
	MaxTokens int

	// HistoryLimit truncates the prompt context to the last N messages.
	// Zero sends the full history.
	HistoryLimit int
}

// Driver runs completions. A Driver is stateless across turns; each Run
// call is one assistant turn.
type Driver struct {
	store  store.Store
	bus    bus.Bus
	client llm.Client
	cfg    Config
	log    *logger.Logger
}

// New creates a completion driver.
func New(st store.Store, b bus.Bus, client llm.Client, cfg Config, log *logger.Logger) *Driver {
	return &Driver{store: st, bus: b, client: client, cfg: cfg, log: log}
}

// Run executes one assistant turn for the placeholder message
// assistantMessageID. It never returns an error: by the time it runs,
// the triggering request has already returned its stream id, so every
// failure is absorbed here and surfaced only through the terminal chunk
// and the persisted message. Cancelling ctx stops the upstream stream;
// whatever text accumulated is persisted and the terminal chunk still
// goes out.
//
// Exactly one chunk with Complete=true is published per stream,
// regardless of outcome.
func (d *Driver) Run(ctx context.Context, conversationID, assistantMessageID, systemPrompt, streamID string) {
	start := time.Now()
	log := d.log.With(
		zap.String("conversation_id", conversationID),
		zap.String("stream_id", streamID),
	)
	log.Info("completion started")

	history, err := d.fetchHistory(ctx, conversationID, assistantMessageID)
	if err != nil {
		d.fail(ctx, assistantMessageID, streamID, start, log, err)
		return
	}

	var cumulative string
	seq := 0
	_, err = d.client.CompleteStream(ctx, &llm.CompletionRequest{
		Model:     d.cfg.Model,
		System:    systemPrompt,
		Messages:  history,
		MaxTokens: d.cfg.MaxTokens,
	}, func(token string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cumulative += token
		seq++
		d.publishChunk(model.StreamChunk{
			ID:        fmt.Sprintf("%s-chunk-%d", streamID, seq),
			MessageID: assistantMessageID,
			Text:      cumulative,
			Complete:  false,
			CreatedAt: time.Now().UTC(),
		}, streamID)
		return nil
	})

	switch {
	case err == nil:
		d.finish(ctx, assistantMessageID, streamID, cumulative, start, log)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		d.cancelled(assistantMessageID, streamID, cumulative, start, log)
	default:
		d.fail(ctx, assistantMessageID, streamID, start, log, err)
	}
}

// fetchHistory returns the conversation's prompt context: every stored
// message except the placeholder itself, system turns preserved in
// order, truncated to the configured limit.
func (d *Driver) fetchHistory(ctx context.Context, conversationID, assistantMessageID string) ([]llm.ChatMessage, error) {
	msgs, err := d.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	history := make([]llm.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == assistantMessageID {
			continue
		}
		history = append(history, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}
	if d.cfg.HistoryLimit > 0 && len(history) > d.cfg.HistoryLimit {
		history = history[len(history)-d.cfg.HistoryLimit:]
	}
	return history, nil
}

// finish persists the final text, then publishes the terminal chunk.
func (d *Driver) finish(ctx context.Context, assistantMessageID, streamID, finalText string, start time.Time, log *logger.Logger) {
	complete := true
	if _, err := d.store.UpdateMessage(ctx, assistantMessageID, model.MessagePatch{
		Text:     &finalText,
		Complete: &complete,
	}); err != nil {
		log.Error("persist final text failed", zap.Error(err))
	}

	d.publishChunk(model.StreamChunk{
		ID:        streamID + "-chunk-final",
		MessageID: assistantMessageID,
		Text:      finalText,
		Complete:  true,
		CreatedAt: time.Now().UTC(),
	}, streamID)

	metrics.RecordStream("completed", time.Since(start).Seconds())
	log.Info("completion finished", zap.Int("chars", len(finalText)))
}

// cancelled persists whatever accumulated and still emits the terminal
// chunk, so the placeholder never stays permanently incomplete.
func (d *Driver) cancelled(assistantMessageID, streamID, partial string, start time.Time, log *logger.Logger) {
	complete := true
	// The run context is gone; persistence gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := d.store.UpdateMessage(ctx, assistantMessageID, model.MessagePatch{
		Text:     &partial,
		Complete: &complete,
	}); err != nil {
		log.Error("persist truncated text failed", zap.Error(err))
	}

	d.publishChunk(model.StreamChunk{
		ID:        streamID + "-chunk-final",
		MessageID: assistantMessageID,
		Text:      partial,
		Complete:  true,
		CreatedAt: time.Now().UTC(),
	}, streamID)

	metrics.RecordStream("cancelled", time.Since(start).Seconds())
	log.Info("completion cancelled", zap.Int("chars", len(partial)))
}

// fail publishes the terminal fallback chunk and best-effort persists
// the fallback text plus an error marker onto the placeholder.
func (d *Driver) fail(ctx context.Context, assistantMessageID, streamID string, start time.Time, log *logger.Logger, cause error) {
	log.Error("completion failed", zap.Error(cause))

	// The run context may itself be the failure cause; persistence gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.publishChunk(model.StreamChunk{
		ID:        streamID + "-error",
		MessageID: assistantMessageID,
		Text:      FallbackText,
		Complete:  true,
		CreatedAt: time.Now().UTC(),
	}, streamID)

	fallback := FallbackText
	complete := true
	errText := cause.Error()
	if _, err := d.store.UpdateMessage(ctx, assistantMessageID, model.MessagePatch{
		Text:     &fallback,
		Complete: &complete,
		Error:    &errText,
	}); err != nil {
		log.Error("persist fallback text failed", zap.Error(err))
	}

	metrics.RecordStream("failed", time.Since(start).Seconds())
}

func (d *Driver) publishChunk(chunk model.StreamChunk, streamID string) {
	if err := d.bus.Publish(bus.StreamTopic(streamID), chunk); err != nil {
		d.log.Warn("publish chunk failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	metrics.ChunksPublished.Inc()
}
