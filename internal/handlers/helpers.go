package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the core's error taxonomy onto HTTP statuses. Unmatched
// errors are treated as internal.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chat.ErrEditForbidden), errors.Is(err, chat.ErrDeleteForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrUnknownMessage), errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, upload.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrInvalidType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, upload.ErrStoreUnavailable),
		errors.Is(err, chat.ErrSendFailed),
		errors.Is(err, chat.ErrEditFailed),
		errors.Is(err, chat.ErrDeleteFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
