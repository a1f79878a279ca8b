package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolink/chat-backend/internal/broker"
	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/identity"
	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

type gatewayFixture struct {
	store *broker.Store
	mgr   *chat.SessionManager
	conv  string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store := broker.NewStore()
	store.SetDisplayName("alice", "Alice")
	store.SetDisplayName("bob", "Bob")
	bus := broker.NewMemory()
	pipeline := upload.NewPipeline(broker.NewBlobs(), 0, 0)
	mgr := chat.NewSessionManager(store, bus, pipeline, time.Second)

	conv, err := store.CreateConversation(context.Background(), []string{"alice", "bob"}, "Alice & Bob")
	require.NoError(t, err)

	return &gatewayFixture{store: store, mgr: mgr, conv: conv.ID}
}

func (f *gatewayFixture) open(t *testing.T, id, name string) *chat.Session {
	t.Helper()
	sess, err := f.mgr.Open(context.Background(),
		identity.Static{User: models.User{ID: id, DisplayName: name}}, f.conv)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

// drainFrames empties the client's outbound buffer without blocking.
func drainFrames(c *Client) []serverFrame {
	var out []serverFrame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var frame serverFrame
			if err := json.Unmarshal(data, &frame); err == nil {
				out = append(out, frame)
			}
		default:
			return out
		}
	}
}

func errorFrames(frames []serverFrame) []serverFrame {
	var out []serverFrame
	for _, f := range frames {
		if f.Type == "error" {
			out = append(out, f)
		}
	}
	return out
}

func TestHubRegisterUnregisterLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	sess := f.open(t, "alice", "Alice")
	client := NewClient(hub, nil, sess)

	hub.registerClient(client)
	assert.Equal(t, 1, hub.GetConversationClientCount(f.conv))

	hub.unregisterClient(client)
	assert.Equal(t, 0, hub.GetConversationClientCount(f.conv))

	// The session went down with the client.
	_, err := sess.SendText(context.Background(), "too late")
	require.ErrorIs(t, err, chat.ErrStoreClosed)
}

func TestPeerSendDuringClientTeardown(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")

	clientA := NewClient(hub, nil, a)
	clientB := NewClient(hub, nil, b)
	a.OnEvent(clientA.Notify)
	b.OnEvent(clientB.Notify)
	hub.registerClient(clientA)
	hub.registerClient(clientB)

	hub.unregisterClient(clientA)

	// Traffic landing in the teardown window must be swallowed, never
	// pushed into the closed send channel.
	require.NotPanics(t, func() {
		_, err := b.SendText(context.Background(), "hello alice")
		require.NoError(t, err)

		// A session callback that was already in flight when the hub
		// tore the client down lands the same way.
		clientA.Notify()
	})

	assert.NotEmpty(t, drainFrames(clientB), "surviving client still gets snapshots")
}

func TestHandleMessageFrame(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	sess := f.open(t, "alice", "Alice")
	client := NewClient(hub, nil, sess)
	sess.OnEvent(client.Notify)

	client.handle(clientFrame{Type: "message", Content: "hello"})

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.StateConfirmed, msgs[0].State)
	assert.Empty(t, errorFrames(drainFrames(client)))
}

func TestHandleEditAndDeleteFrames(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	sess := f.open(t, "alice", "Alice")
	client := NewClient(hub, nil, sess)

	client.handle(clientFrame{Type: "message", Content: "v1"})
	id := sess.Messages()[0].ID

	client.handle(clientFrame{Type: "edit", MessageID: id, Content: "v2"})
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Content)
	assert.True(t, msgs[0].Edited)

	client.handle(clientFrame{Type: "delete", MessageID: id})
	assert.Empty(t, sess.Messages())
}

func TestHandleTypingFrame(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")
	clientA := NewClient(hub, nil, a)

	clientA.handle(clientFrame{Type: "typing", Typing: true})
	assert.Equal(t, []string{"Alice"}, b.TypingUsers())

	clientA.handle(clientFrame{Type: "typing", Typing: false})
	assert.Empty(t, b.TypingUsers())
}

func TestHandleRejectsMalformedFrames(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	sess := f.open(t, "alice", "Alice")
	client := NewClient(hub, nil, sess)

	client.handle(clientFrame{Type: "file", Kind: models.KindImage}) // no reference
	client.handle(clientFrame{Type: "teleport"})

	frames := errorFrames(drainFrames(client))
	require.Len(t, frames, 2)
	assert.Empty(t, sess.Messages())
}

func TestHandleRateLimitsFloods(t *testing.T) {
	f := newGatewayFixture(t)
	hub := NewHub()
	sess := f.open(t, "alice", "Alice")
	client := NewClient(hub, nil, sess)

	for i := 0; i < 2*sendBurst; i++ {
		client.handle(clientFrame{Type: "message", Content: "spam"})
	}

	// The burst gets through; the rest bounce with an error frame.
	msgs := sess.Messages()
	assert.LessOrEqual(t, len(msgs), sendBurst+1)
	rejected := errorFrames(drainFrames(client))
	require.NotEmpty(t, rejected)
	assert.Contains(t, rejected[0].Error, "too fast")
}
