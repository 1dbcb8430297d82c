package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/router"
	"github.com/chatrelay/chatrelay/pkg/logger"
)

// AdminHandler serves maintenance endpoints.
type AdminHandler struct {
	router *router.Router
	maxAge time.Duration
	log    *logger.Logger
}

func NewAdminHandler(r *router.Router, maxAge time.Duration, log *logger.Logger) *AdminHandler {
	return &AdminHandler{router: r, maxAge: maxAge, log: log}
}

// Cleanup handles POST /admin/cleanup. It deletes conversations whose
// last activity is older than the configured retention window.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.router.CleanupStaleConversations(r.Context(), h.maxAge)
	if err != nil {
		h.log.Error("cleanup sweep failed", zap.Error(err))
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
