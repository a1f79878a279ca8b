package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/identity"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub     *Hub
	manager *chat.SessionManager
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, manager *chat.SessionManager) *Handler {
	return &Handler{hub: hub, manager: manager}
}

// ServeWS handles WebSocket upgrade requests at /ws/conversations/{id}
// Identity comes from the auth proxy's forwarded headers, or from
// user_id/display_name query params for browser websockets.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation ID required", http.StatusBadRequest)
		return
	}

	// Open the session before upgrading so failures surface as plain
	// HTTP errors.
	session, err := h.manager.Open(r.Context(), identity.FromRequest(r), conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrUnauthenticated) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Upgrade failed: %v", err)
		session.Close()
		return
	}

	log.Printf("[WebSocket] New connection: conversation=%s, user=%s",
		conversationID, session.User.ID)

	// Create client, bind session events to it and register with hub
	client := NewClient(h.hub, conn, session)
	session.OnEvent(client.Notify)
	h.hub.register <- client

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump()

	// Opening a conversation reads it; push the initial snapshot
	if err := session.MarkRead(context.Background(), time.Now().UTC()); err != nil {
		log.Printf("[WebSocket] Initial mark read failed: %v", err)
	}
	client.Notify()
}
