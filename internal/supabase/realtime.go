package supabase

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studiolink/chat-backend/internal/models"
)

const (
	// heartbeatPeriod keeps the Realtime socket alive; the server drops
	// connections silent for ~60s.
	heartbeatPeriod = 25 * time.Second

	// reconnectDelay is the initial redial backoff; it doubles up to
	// reconnectDelayMax.
	reconnectDelay    = time.Second
	reconnectDelayMax = 30 * time.Second
)

// Realtime is a client for the Supabase Realtime websocket (Phoenix
// channel protocol). One shared connection carries every topic: database
// change feeds as postgres_changes subscriptions and ephemeral broadcast
// channels. Topics are re-joined automatically after a reconnect.
type Realtime struct {
	wsURL  string
	apiKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]*topicState
	ref     int
	started bool
	closed  bool
}

type topicState struct {
	joinPayload  map[string]interface{}
	nextID       int
	changeFns    map[int]func(models.ChangeEvent)
	broadcastFns map[int]func([]byte)
}

// phoenixFrame is the wire format of every Realtime message.
type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// NewRealtime creates a Realtime client for the given project. The
// connection is dialed lazily on the first subscription.
func NewRealtime(baseURL, apiKey string) *Realtime {
	wsURL := strings.Replace(baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	return &Realtime{
		wsURL:  fmt.Sprintf("%s/realtime/v1/websocket?apikey=%s&vsn=1.0.0", wsURL, apiKey),
		apiKey: apiKey,
		topics: make(map[string]*topicState),
	}
}

// SubscribeChanges joins a conversation's change-feed topic and routes its
// postgres_changes events to fn.
func (r *Realtime) SubscribeChanges(conversationID string, fn func(models.ChangeEvent)) (func(), error) {
	topic := "realtime:conversation:" + conversationID
	join := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]interface{}{"self": false},
			"postgres_changes": []map[string]interface{}{
				{
					"event":  "*",
					"schema": "public",
					"table":  "messages",
					"filter": "conversation_id=eq." + conversationID,
				},
			},
		},
		"access_token": r.apiKey,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, id, err := r.registerLocked(topic, join)
	if err != nil {
		return nil, err
	}
	st.changeFns[id] = fn
	return func() { r.unregister(topic, id, true) }, nil
}

// SubscribeBroadcast joins a broadcast channel's topic and routes its
// payloads to fn.
func (r *Realtime) SubscribeBroadcast(channel string, fn func([]byte)) (func(), error) {
	topic := "realtime:" + channel
	join := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]interface{}{"self": false},
		},
		"access_token": r.apiKey,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, id, err := r.registerLocked(topic, join)
	if err != nil {
		return nil, err
	}
	st.broadcastFns[id] = fn
	return func() { r.unregister(topic, id, false) }, nil
}

// registerLocked ensures the connection is up and the topic joined, then
// hands back the topic state and a handler id.
func (r *Realtime) registerLocked(topic string, join map[string]interface{}) (*topicState, int, error) {
	if r.closed {
		return nil, 0, fmt.Errorf("realtime client is closed")
	}
	if !r.started {
		if err := r.dialLocked(); err != nil {
			return nil, 0, err
		}
		r.started = true
		go r.readLoop()
		go r.heartbeatLoop()
	}

	st, ok := r.topics[topic]
	if !ok {
		st = &topicState{
			joinPayload:  join,
			changeFns:    make(map[int]func(models.ChangeEvent)),
			broadcastFns: make(map[int]func([]byte)),
		}
		r.topics[topic] = st
		if err := r.sendLocked(topic, "phx_join", join); err != nil {
			delete(r.topics, topic)
			return nil, 0, fmt.Errorf("join %s: %w", topic, err)
		}
	}

	id := st.nextID
	st.nextID++
	return st, id, nil
}

func (r *Realtime) unregister(topic string, id int, change bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.topics[topic]
	if !ok {
		return
	}
	if change {
		delete(st.changeFns, id)
	} else {
		delete(st.broadcastFns, id)
	}
	if len(st.changeFns)+len(st.broadcastFns) == 0 {
		delete(r.topics, topic)
		if err := r.sendLocked(topic, "phx_leave", map[string]interface{}{}); err != nil {
			log.Printf("[Realtime] Leave %s failed: %v", topic, err)
		}
	}
}

func (r *Realtime) dialLocked() error {
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	r.conn = conn
	return nil
}

// sendLocked writes one frame. Callers hold r.mu, which doubles as the
// write mutex.
func (r *Realtime) sendLocked(topic, event string, payload interface{}) error {
	if r.conn == nil {
		return fmt.Errorf("not connected")
	}
	r.ref++
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.conn.WriteJSON(phoenixFrame{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     strconv.Itoa(r.ref),
	})
}

// readLoop pumps frames off the socket, reconnecting with backoff on
// failure and re-joining every live topic.
func (r *Realtime) readLoop() {
	delay := reconnectDelay
	for {
		r.mu.Lock()
		conn := r.conn
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		var frame phoenixFrame
		var err error
		if conn == nil {
			err = fmt.Errorf("not connected")
		} else {
			err = conn.ReadJSON(&frame)
		}
		if err != nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			log.Printf("[Realtime] Connection lost: %v (reconnecting in %v)", err, delay)
			if r.conn != nil {
				r.conn.Close()
				r.conn = nil
			}
			r.mu.Unlock()

			time.Sleep(delay)
			if delay < reconnectDelayMax {
				delay *= 2
			}

			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			if err := r.dialLocked(); err != nil {
				r.mu.Unlock()
				continue
			}
			for topic, st := range r.topics {
				if err := r.sendLocked(topic, "phx_join", st.joinPayload); err != nil {
					log.Printf("[Realtime] Rejoin %s failed: %v", topic, err)
				}
			}
			r.mu.Unlock()
			continue
		}
		delay = reconnectDelay
		r.dispatch(frame)
	}
}

func (r *Realtime) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.conn != nil {
			if err := r.sendLocked("phoenix", "heartbeat", map[string]interface{}{}); err != nil {
				log.Printf("[Realtime] Heartbeat failed: %v", err)
			}
		}
		r.mu.Unlock()
	}
}

// dispatch routes one incoming frame to the topic's handlers.
func (r *Realtime) dispatch(frame phoenixFrame) {
	switch frame.Event {
	case "postgres_changes":
		ev, ok := parseChange(frame.Payload)
		if !ok {
			return
		}
		r.mu.Lock()
		var fns []func(models.ChangeEvent)
		if st, ok := r.topics[frame.Topic]; ok {
			for _, fn := range st.changeFns {
				fns = append(fns, fn)
			}
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}

	case "broadcast":
		var body struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			log.Printf("[Realtime] Malformed broadcast on %s: %v", frame.Topic, err)
			return
		}
		r.mu.Lock()
		var fns []func([]byte)
		if st, ok := r.topics[frame.Topic]; ok {
			for _, fn := range st.broadcastFns {
				fns = append(fns, fn)
			}
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(body.Payload)
		}

	case "phx_reply", "phx_close", "presence_state", "presence_diff", "system":
		// Protocol chatter; nothing to route.
	}
}

// parseChange converts a postgres_changes payload into a ChangeEvent.
// Delete events only carry the old row's identity columns.
func parseChange(payload []byte) (models.ChangeEvent, bool) {
	var body struct {
		Data struct {
			Type      string          `json:"type"`
			Record    json.RawMessage `json:"record"`
			OldRecord json.RawMessage `json:"old_record"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[Realtime] Malformed change payload: %v", err)
		return models.ChangeEvent{}, false
	}

	var ev models.ChangeEvent
	var raw json.RawMessage
	switch body.Data.Type {
	case "INSERT":
		ev.Type = models.ChangeInsert
		raw = body.Data.Record
	case "UPDATE":
		ev.Type = models.ChangeUpdate
		raw = body.Data.Record
	case "DELETE":
		ev.Type = models.ChangeDelete
		raw = body.Data.OldRecord
	default:
		return models.ChangeEvent{}, false
	}

	var row messageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		log.Printf("[Realtime] Malformed change record: %v", err)
		return models.ChangeEvent{}, false
	}
	ev.Message = row.toModel()
	return ev, true
}

// Close tears the connection down. Subscriptions stop delivering; the
// client cannot be reused.
func (r *Realtime) Close() {
	r.mu.Lock()
	r.closed = true
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}
