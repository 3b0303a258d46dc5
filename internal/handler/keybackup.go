package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/service"
)

const maxDeviceIDLength = 128

// KeyBackups is the part of service.KeyBackupService the handler uses.
type KeyBackups interface {
	Put(ctx context.Context, userID, deviceID string, req model.KeyBackupRequest) (model.KeyBackupResponse, error)
	Get(ctx context.Context, userID, deviceID string) (model.KeyBackupResponse, error)
	List(ctx context.Context, userID string) ([]model.KeyBackupResponse, error)
	Delete(ctx context.Context, userID, deviceID string) error
}

// KeyBackupHandler handles HTTP requests for client key backups.
type KeyBackupHandler struct {
	service KeyBackups
}

// NewKeyBackupHandler creates a new KeyBackupHandler.
func NewKeyBackupHandler(svc KeyBackups) *KeyBackupHandler {
	return &KeyBackupHandler{service: svc}
}

func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid device id"))
		return "", false
	}
	return deviceID, true
}

// HandlePut handles PUT /api/v1/keys/backup/{device_id} requests.
func (h *KeyBackupHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req model.KeyBackupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.Put(r.Context(), userID, deviceID, req)
	if errors.Is(err, service.ErrBackupStale) {
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleGet handles GET /api/v1/keys/backup/{device_id} requests.
func (h *KeyBackupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Get(r.Context(), userID, deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleList handles GET /api/v1/keys/backup requests.
func (h *KeyBackupHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	backups, err := h.service.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// HandleDelete handles DELETE /api/v1/keys/backup/{device_id} requests.
func (h *KeyBackupHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
