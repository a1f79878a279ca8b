package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/metrics"
	"github.com/studiolink/chat-backend/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// sendRate caps composer sends per client; a burst covers quick
	// multi-line pastes without letting a loop flood the conversation.
	sendRate  = 5
	sendBurst = 10
)

// clientFrame is the expected format of messages from clients.
type clientFrame struct {
	Type      string             `json:"type"`
	Content   string             `json:"content,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Kind      models.MessageKind `json:"message_type,omitempty"`
	File      *models.FileRef    `json:"file,omitempty"`
	Typing    bool               `json:"typing,omitempty"`
}

// serverFrame is pushed to the client on timeline or presence changes,
// and to report operation errors.
type serverFrame struct {
	Type        string              `json:"type"`
	Timeline    []chat.TimelineItem `json:"timeline,omitempty"`
	TypingUsers []string            `json:"typing_users,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Client represents a single WebSocket connection bound to one chat
// session.
type Client struct {
	hub *Hub

	// WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// session is this client's live binding to the conversation
	session *chat.Session

	limiter *rate.Limiter

	// mu guards closed. A session callback can be mid-flight when the hub
	// tears the client down; push must never hit a closed send channel.
	mu     sync.Mutex
	closed bool

	ConversationID string
	UserID         string
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, session *chat.Session) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, 256),
		session:        session,
		limiter:        rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		ConversationID: session.ConversationID,
		UserID:         session.User.ID,
	}
}

// Notify pushes the current timeline and typing snapshot to the client.
// Registered as the session's event callback; also called once after
// connect for the initial state.
func (c *Client) Notify() {
	c.push(serverFrame{Type: "timeline", Timeline: c.session.Timeline()})
	c.push(serverFrame{Type: "typing", TypingUsers: c.session.TypingUsers()})
}

func (c *Client) push(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[WebSocket] Failed to marshal frame for %s: %v", c.UserID, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client's buffer is full; the write pump will catch up from the
		// next snapshot, so dropping this one loses nothing durable.
		log.Printf("[WebSocket] Dropping frame for slow client %s", c.UserID)
	}
}

// shutdown stops further pushes and releases the write pump. The hub
// calls this exactly once, after the session is closed.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *Client) pushError(err error) {
	c.push(serverFrame{Type: "error", Error: err.Error()})
}

// ReadPump pumps frames from the WebSocket connection into the session
// This runs in its own goroutine per client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] Read error from %s: %v", c.UserID, err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.pushError(errors.New("malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

// handle dispatches one client frame to the session. Operation failures
// are reported back as error frames; the session keeps the optimistic
// state (failed entries stay retryable).
func (c *Client) handle(frame clientFrame) {
	ctx := context.Background()

	switch frame.Type {
	case "message":
		if !c.limiter.Allow() {
			c.pushError(errors.New("sending too fast"))
			return
		}
		if _, err := c.session.SendText(ctx, frame.Content); err != nil {
			metrics.SendFailures.Inc()
			c.pushError(err)
			return
		}
		metrics.MessagesSent.WithLabelValues(string(models.KindText)).Inc()

	case "file":
		if frame.File == nil || !frame.Kind.IsFile() {
			c.pushError(errors.New("file frame requires a file reference and kind"))
			return
		}
		if !c.limiter.Allow() {
			c.pushError(errors.New("sending too fast"))
			return
		}
		if _, err := c.session.SendFileRef(ctx, frame.Kind, *frame.File); err != nil {
			metrics.SendFailures.Inc()
			c.pushError(err)
			return
		}
		metrics.MessagesSent.WithLabelValues(string(frame.Kind)).Inc()

	case "edit":
		if err := c.session.Edit(ctx, frame.MessageID, frame.Content); err != nil {
			c.pushError(err)
		}

	case "delete":
		if err := c.session.Delete(ctx, frame.MessageID); err != nil {
			c.pushError(err)
		}

	case "retry":
		if _, err := c.session.Retry(ctx, frame.MessageID); err != nil {
			c.pushError(err)
		}

	case "typing":
		metrics.TypingSignals.Inc()
		if err := c.session.SetTyping(ctx, frame.Typing); err != nil {
			log.Printf("[WebSocket] Typing broadcast for %s failed: %v", c.UserID, err)
		}

	case "read":
		if err := c.session.MarkRead(ctx, time.Now().UTC()); err != nil {
			log.Printf("[WebSocket] Mark read for %s failed: %v", c.UserID, err)
		}

	default:
		c.pushError(errors.New("unknown frame type"))
	}
}

// WritePump pumps messages from the session to the WebSocket connection
// This runs in its own goroutine per client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each frame separately; concatenating would break JSON
			// parsing on the frontend
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any queued frames as separate writes
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
