package websocket

import (
	"log"
	"sync"

	"github.com/studiolink/chat-backend/internal/metrics"
)

// Hub maintains the set of connected clients per conversation. Message
// fan-out rides each client's session change feed, so the hub only tracks
// lifecycle: registration, teardown and counts.
type Hub struct {
	// conversations maps conversationID to the set of connected clients
	conversations map[string]map[*Client]bool

	// register requests from clients
	register chan *Client

	// unregister requests from clients
	unregister chan *Client

	// mutex for thread-safe conversation map access
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		conversations: make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
	}
}

// Run starts the hub's main event loop
// This should be called in a goroutine: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// registerClient adds a client to a conversation
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conversations[client.ConversationID] == nil {
		h.conversations[client.ConversationID] = make(map[*Client]bool)
	}

	h.conversations[client.ConversationID][client] = true
	metrics.ActiveSessions.Inc()
	log.Printf("[WebSocket] User %s joined conversation %s (connected: %d)",
		client.UserID, client.ConversationID, len(h.conversations[client.ConversationID]))
}

// unregisterClient removes a client and tears its session down
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.conversations[client.ConversationID]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			// Close the session before the send channel: once the change
			// feed and presence subscription are cancelled, late events
			// are no-ops instead of pushes into a closed channel.
			client.session.Close()
			client.shutdown()
			metrics.ActiveSessions.Dec()

			log.Printf("[WebSocket] User %s left conversation %s (remaining: %d)",
				client.UserID, client.ConversationID, len(clients))

			// Clean up empty conversations
			if len(clients) == 0 {
				delete(h.conversations, client.ConversationID)
			}
		}
	}
}

// GetConversationClientCount returns the number of connected clients in a conversation
func (h *Hub) GetConversationClientCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID])
}
