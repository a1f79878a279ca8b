package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/identity"
	"github.com/studiolink/chat-backend/internal/models"
)

// ConversationHandler contains HTTP handlers for the conversation
// directory. All handlers follow RESTful conventions and return JSON
// responses.
type ConversationHandler struct {
	manager *chat.SessionManager
}

// NewConversationHandler creates a new ConversationHandler instance.
func NewConversationHandler(manager *chat.SessionManager) *ConversationHandler {
	return &ConversationHandler{manager: manager}
}

// ListConversations handles GET /api/conversations
// Returns the current user's conversations, most recently active first.
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, err := identity.FromRequest(r).CurrentUser()
	if err != nil {
		writeError(w, err)
		return
	}

	dir := h.manager.DirectoryFor(user.ID)
	if err := dir.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dir.List())
}

// CreateConversation handles POST /api/conversations
// Creates a conversation with the given participants. The current user is
// always included. Note that creating twice with the same participant set
// makes two conversations; clients that want a single direct conversation
// check the list first.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user, err := identity.FromRequest(r).CurrentUser()
	if err != nil {
		writeError(w, err)
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ids := req.ParticipantIDs
	found := false
	for _, id := range ids {
		if id == user.ID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, user.ID)
	}
	if len(ids) < 2 {
		http.Error(w, "a conversation needs at least two participants", http.StatusBadRequest)
		return
	}

	conv, err := h.manager.DirectoryFor(user.ID).Create(r.Context(), ids, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}
