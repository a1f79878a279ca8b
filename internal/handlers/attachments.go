package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/studiolink/chat-backend/internal/identity"
	"github.com/studiolink/chat-backend/internal/metrics"
	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

// AttachmentHandler accepts multipart uploads and runs them through the
// attachment pipeline. The explicit attach button and drag-and-drop both
// post here, so the two entry points share validation and behavior.
type AttachmentHandler struct {
	pipeline *upload.Pipeline
}

// NewAttachmentHandler creates a new AttachmentHandler instance.
func NewAttachmentHandler(pipeline *upload.Pipeline) *AttachmentHandler {
	return &AttachmentHandler{pipeline: pipeline}
}

// Upload handles POST /api/conversations/{id}/attachments
// Expects a multipart form with a single "file" part. On success the
// signed file reference is returned; the client then sends the file
// message referencing it.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation ID is required", http.StatusBadRequest)
		return
	}

	user, err := identity.FromRequest(r).CurrentUser()
	if err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "a 'file' part is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	res, err := h.pipeline.Submit(r.Context(), upload.File{
		Name:        header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Reader:      file,
	}, conversationID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrInvalidType), errors.Is(err, upload.ErrTooLarge):
			metrics.Uploads.WithLabelValues("rejected").Inc()
		default:
			metrics.Uploads.WithLabelValues("failed").Inc()
		}
		writeError(w, err)
		return
	}

	metrics.Uploads.WithLabelValues("ok").Inc()
	log.Printf("[Upload] %s attached %s to conversation %s", user.ID, header.Filename, conversationID)
	writeJSON(w, http.StatusCreated, models.UploadResponse{File: res.File, Kind: res.Kind})
}
