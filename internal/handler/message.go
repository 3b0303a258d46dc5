package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

// MessageSender is the part of service.MessageService the handler uses.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, senderID string, req model.SendMessageRequest) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]model.MessageResponse, error)
	RenderMessage(ctx context.Context, msg *model.Message) model.MessageResponse
}

// MessageHandler handles HTTP requests for conversation messages.
type MessageHandler struct {
	service MessageSender
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(svc MessageSender) *MessageHandler {
	return &MessageHandler{service: svc}
}

// HandleSend handles POST /api/v1/conversations/{conversation_id}/messages requests.
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageType == model.MessageSystem {
		writeJSON(w, http.StatusBadRequest, errorResponse("system messages cannot be sent by clients"))
		return
	}

	msg, err := h.service.SendMessage(r.Context(), chi.URLParam(r, "conversation_id"), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.service.RenderMessage(r.Context(), msg))
}

// HandleList handles GET /api/v1/conversations/{conversation_id}/messages requests.
// Optional query parameters: before (RFC 3339) and limit.
func (h *MessageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("before must be an RFC 3339 timestamp"))
			return
		}
		before = t
	}

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	messages, err := h.service.ListMessages(r.Context(), chi.URLParam(r, "conversation_id"), userID, before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}
