package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/middleware"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/router"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler serves server-sent event feeds over bus topics and the
// stream cancel endpoint. SSE delivery is live-only: a subscriber sees
// events published after it attached, never a replay.
type StreamHandler struct {
	router *router.Router
	bus    bus.Bus
	log    *logger.Logger
}

func NewStreamHandler(r *router.Router, b bus.Bus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{router: r, bus: b, log: log}
}

// ConversationEvents handles GET /conversations/{conversationID}/events.
// It stays open until the client disconnects.
func (h *StreamHandler) ConversationEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.router.GetConversation(r.Context(), conversationID); err != nil {
		writeStoreError(w, err)
		return
	}

	sub, err := h.bus.Subscribe(bus.ConversationTopic(conversationID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer sub.Close()

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	sendSSEEvent(w, flusher, "connected", map[string]string{"conversation_id": conversationID})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug("conversation feed closed", zap.String("conversation_id", conversationID))
			return
		case data, open := <-sub.Events():
			if !open {
				return
			}
			sendSSERaw(w, flusher, "message", data)
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// StreamEvents handles GET /streams/{streamID}. It forwards chunks for
// one completion and closes itself once the terminal chunk has gone
// out. Subscribing after the terminal chunk yields only heartbeats; the
// persisted message is the source of truth then.
func (h *StreamHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.bus.Subscribe(bus.StreamTopic(streamID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer sub.Close()

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, open := <-sub.Events():
			if !open {
				return
			}
			sendSSERaw(w, flusher, "chunk", data)

			var chunk model.StreamChunk
			if err := json.Unmarshal(data, &chunk); err == nil && chunk.Complete {
				sendSSEEvent(w, flusher, "done", map[string]string{"stream_id": streamID})
				return
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// Cancel handles DELETE /streams/{streamID}. Cancelling an unknown or
// already finished stream is a 404; the terminal chunk for a real
// cancellation still arrives on the stream topic.
func (h *StreamHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.router.CancelCompletion(streamID) {
		writeError(w, http.StatusNotFound, "no active stream with that id")
		return
	}
	h.log.Info("stream cancel requested", zap.String("stream_id", streamID))
	w.WriteHeader(http.StatusAccepted)
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sendSSERaw(w, flusher, event, payload)
}

func sendSSERaw(w http.ResponseWriter, flusher http.Flusher, event string, payload []byte) error {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
	return nil
}
