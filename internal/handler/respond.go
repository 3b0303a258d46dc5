package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/isopen-io/meeshy-sub013/internal/middleware"
	"github.com/isopen-io/meeshy-sub013/internal/service"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrCallerContractViolation),
		errors.Is(err, service.ErrMalformedPayload),
		errors.Is(err, service.ErrDeviceIDRequired),
		errors.Is(err, service.ErrBlobRequired),
		errors.Is(err, service.ErrBlobInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrKeyNotFound),
		errors.Is(err, service.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnsupportedOperation),
		errors.Is(err, service.ErrConversationStateChanged),
		errors.Is(err, service.ErrBackupStale):
		return http.StatusConflict
	case errors.Is(err, service.ErrAuthenticationFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Internal errors are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse("internal server error"))
		return
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

// decodeBody reads a JSON body of at most maxBodyBytes into v. It writes the
// error response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return false
		}
		if errors.Is(err, service.ErrMalformedPayload) {
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
	}
	return userID, ok
}
