package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/identity"
	"github.com/studiolink/chat-backend/internal/metrics"
	"github.com/studiolink/chat-backend/internal/models"
)

// MessageHandler contains HTTP handlers for message operations.
// Provides a polling-based fallback when the websocket is unavailable;
// live clients use /ws and get the optimistic local state there.
type MessageHandler struct {
	persist chat.Persistence
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(persist chat.Persistence) *MessageHandler {
	return &MessageHandler{persist: persist}
}

// GetMessages handles GET /api/conversations/{id}/messages
// Returns messages for the conversation, optionally filtered by 'after'
// timestamp. Query params:
//   - after: ISO 8601 timestamp to get messages after (for polling)
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation ID is required", http.StatusBadRequest)
		return
	}

	var afterTime time.Time
	if afterParam := r.URL.Query().Get("after"); afterParam != "" {
		parsed, err := time.Parse(time.RFC3339Nano, afterParam)
		if err != nil {
			http.Error(w, "invalid 'after' timestamp format", http.StatusBadRequest)
			return
		}
		afterTime = parsed
	}

	messages, err := h.persist.ListMessages(r.Context(), conversationID, afterTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MessagesResponse{Messages: messages})
}

// SendMessage handles POST /api/conversations/{id}/messages
// Persists a message directly; the change feed fans it out to live
// sessions.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
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

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	if req.Content == "" && req.Kind == models.KindText {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        req.Content,
		Kind:           req.Kind,
		File:           req.File,
		ClientToken:    uuid.NewString(),
	}
	if err := msg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stored, err := h.persist.CreateMessage(r.Context(), &msg)
	if err != nil {
		metrics.SendFailures.Inc()
		writeError(w, err)
		return
	}

	metrics.MessagesSent.WithLabelValues(string(stored.Kind)).Inc()
	log.Printf("[Message] Stored message %s in conversation %s from user %s", stored.ID, conversationID, user.ID)
	writeJSON(w, http.StatusCreated, stored)
}

// EditMessage handles PATCH /api/conversations/{id}/messages/{messageID}
// Only the sender may edit; the gate is enforced here because this path
// bypasses the session store.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	user, err := identity.FromRequest(r).CurrentUser()
	if err != nil {
		writeError(w, err)
		return
	}

	var req models.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	existing, err := h.persist.GetMessage(r.Context(), messageID)
	if err != nil {
		// A missing row is the caller's problem; anything else is the
		// backend's and must not read as "not found".
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, chat.ErrUnknownMessage)
		} else {
			writeError(w, fmt.Errorf("%w: %v", chat.ErrEditFailed, err))
		}
		return
	}
	if existing.SenderID != user.ID {
		writeError(w, chat.ErrEditForbidden)
		return
	}

	stored, err := h.persist.UpdateMessage(r.Context(), messageID, req.Content, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// DeleteMessage handles DELETE /api/conversations/{id}/messages/{messageID}
// Only the sender may delete.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	user, err := identity.FromRequest(r).CurrentUser()
	if err != nil {
		writeError(w, err)
		return
	}

	existing, err := h.persist.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, chat.ErrUnknownMessage)
		} else {
			writeError(w, fmt.Errorf("%w: %v", chat.ErrDeleteFailed, err))
		}
		return
	}
	if existing.SenderID != user.ID {
		writeError(w, chat.ErrDeleteForbidden)
		return
	}

	if err := h.persist.DeleteMessage(r.Context(), messageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
