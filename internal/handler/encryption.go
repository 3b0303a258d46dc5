package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

// EncryptionEnabler is the part of service.EncryptionService the handler uses.
type EncryptionEnabler interface {
	EnableEncryption(ctx context.Context, conversationID, userID string, mode model.EncryptionMode, protocol model.Protocol) (*model.Conversation, error)
	Status(ctx context.Context, conversationID, userID string) (model.EncryptionStatus, error)
}

// EncryptionHandler handles HTTP requests for conversation encryption state.
type EncryptionHandler struct {
	service EncryptionEnabler
}

// NewEncryptionHandler creates a new EncryptionHandler.
func NewEncryptionHandler(svc EncryptionEnabler) *EncryptionHandler {
	return &EncryptionHandler{service: svc}
}

// HandleEnable handles POST /api/v1/conversations/{conversation_id}/encryption requests.
func (h *EncryptionHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversation_id")

	var req model.EnableEncryptionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := h.service.EnableEncryption(r.Context(), conversationID, userID, req.Mode, req.Protocol); err != nil {
		writeError(w, r, err)
		return
	}

	status, err := h.service.Status(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleStatus handles GET /api/v1/conversations/{conversation_id}/encryption requests.
func (h *EncryptionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), chi.URLParam(r, "conversation_id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
