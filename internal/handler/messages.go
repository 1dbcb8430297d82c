package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/middleware"
	"github.com/chatrelay/chatrelay/internal/model"
	"github.com/chatrelay/chatrelay/internal/router"
	"github.com/chatrelay/chatrelay/pkg/logger"
)

// MessageHandler serves messages and the assistant trigger.
type MessageHandler struct {
	router *router.Router
	log    *logger.Logger
}

func NewMessageHandler(r *router.Router, log *logger.Logger) *MessageHandler {
	return &MessageHandler{router: r, log: log}
}

// List handles GET /conversations/{conversationID}/messages.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.router.ListMessages(r.Context(), conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: msgs, Total: len(msgs)})
}

// Send handles POST /conversations/{conversationID}/messages. The user
// message is durably appended before the response goes out; no
// completion is started.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.router.SendMessage(r.Context(), conversationID, req.Text)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Get handles GET /messages/{messageID}.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.router.GetMessage(r.Context(), messageID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Ask handles POST /conversations/{conversationID}/assistant. It kicks
// off a completion in the background and returns the stream id at once.
func (h *MessageHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req model.AskAssistantRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID != "" {
		if err := middleware.ValidateMessageID(req.MessageID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := h.router.GetMessage(r.Context(), req.MessageID); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	streamID, err := h.router.AskAssistant(r.Context(), conversationID, req.SystemPrompt)
	if err != nil {
		h.log.Error("ask assistant failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, model.AskAssistantResponse{StreamID: streamID})
}
