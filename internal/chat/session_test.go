package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolink/chat-backend/internal/broker"
	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

type staticIdent struct {
	user models.User
}

func (s staticIdent) CurrentUser() (*models.User, error) {
	u := s.user
	return &u, nil
}

type chatFixture struct {
	store *broker.Store
	bus   *broker.Memory
	mgr   *SessionManager
	conv  string
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	store := broker.NewStore()
	store.SetDisplayName("alice", "Alice")
	store.SetDisplayName("bob", "Bob")
	bus := broker.NewMemory()
	pipeline := upload.NewPipeline(broker.NewBlobs(), 0, 0)
	mgr := NewSessionManager(store, bus, pipeline, 200*time.Millisecond)

	conv, err := store.CreateConversation(context.Background(), []string{"alice", "bob"}, "Alice & Bob")
	require.NoError(t, err)

	return &chatFixture{store: store, bus: bus, mgr: mgr, conv: conv.ID}
}

func (f *chatFixture) open(t *testing.T, id, name string) *Session {
	t.Helper()
	sess, err := f.mgr.Open(context.Background(), staticIdent{models.User{ID: id, DisplayName: name}}, f.conv)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestOpenRejectsMissingIdentity(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.mgr.Open(context.Background(), staticIdent{}, f.conv)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTwoSessionsConverge(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")

	// Record every state bob's view passes through; the pending state is
	// the sender's alone and must never cross the wire.
	var mu sync.Mutex
	var observed []models.DeliveryState
	b.OnEvent(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range b.Messages() {
			observed = append(observed, m.State)
		}
	})

	sent, err := a.SendText(context.Background(), "hello bob")
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, sent.State)

	aMsgs := a.Messages()
	bMsgs := b.Messages()
	require.Len(t, aMsgs, 1)
	require.Len(t, bMsgs, 1)
	assert.Equal(t, aMsgs[0].ID, bMsgs[0].ID)
	assert.Equal(t, "hello bob", bMsgs[0].Content)
	assert.Equal(t, models.StateConfirmed, bMsgs[0].State)

	mu.Lock()
	defer mu.Unlock()
	for _, st := range observed {
		assert.Equal(t, models.StateConfirmed, st, "a peer must never observe a pending message")
	}
}

func TestEditAndDeletePropagate(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")

	sent, err := a.SendText(context.Background(), "first")
	require.NoError(t, err)

	require.NoError(t, a.Edit(context.Background(), sent.ID, "first, edited"))
	bMsgs := b.Messages()
	require.Len(t, bMsgs, 1)
	assert.Equal(t, "first, edited", bMsgs[0].Content)
	assert.True(t, bMsgs[0].Edited)

	require.NoError(t, a.Delete(context.Background(), sent.ID))
	assert.Empty(t, b.Messages())
	assert.Empty(t, a.Messages())
}

func TestOpenLoadsHistory(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two"} {
		_, err := f.store.CreateMessage(ctx, &models.Message{
			ConversationID: f.conv,
			SenderID:       "bob",
			Content:        content,
			Kind:           models.KindText,
		})
		require.NoError(t, err)
	}

	a := f.open(t, "alice", "Alice")
	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, models.StateConfirmed, msgs[0].State)
}

func TestReopenReplacesSubscription(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateConversation(ctx, []string{"alice", "bob"}, "Second")
	require.NoError(t, err)

	first := f.open(t, "alice", "Alice")
	require.Equal(t, 1, f.store.SubscriberCount(f.conv))

	second, err := f.mgr.Open(ctx, staticIdent{models.User{ID: "alice", DisplayName: "Alice"}}, other.ID)
	require.NoError(t, err)
	t.Cleanup(second.Close)

	assert.Equal(t, 0, f.store.SubscriberCount(f.conv), "old feed must be cancelled on switch")
	assert.Equal(t, 1, f.store.SubscriberCount(other.ID))
	assert.Equal(t, 1, f.mgr.ActiveSessions())

	// The superseded session is dead.
	_, err = first.SendText(ctx, "too late")
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestSendAttachment(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")

	msg, err := a.SendAttachment(context.Background(), upload.File{
		Name:        "photo.png",
		Size:        64,
		ContentType: "image/png",
		Reader:      strings.NewReader(strings.Repeat("x", 64)),
	})
	require.NoError(t, err)

	assert.Equal(t, models.KindImage, msg.Kind)
	assert.Equal(t, "Shared an image", msg.Content)
	require.NotNil(t, msg.File)
	assert.Equal(t, "photo.png", msg.File.Name)
	assert.NotEmpty(t, msg.File.URL)

	bMsgs := b.Messages()
	require.Len(t, bMsgs, 1)
	require.NotNil(t, bMsgs[0].File)
	assert.Equal(t, msg.File.URL, bMsgs[0].File.URL)
}

func TestSendAttachmentRejectionLeavesNoMessage(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")

	_, err := a.SendAttachment(context.Background(), upload.File{
		Name:        "movie.mp4",
		Size:        64,
		ContentType: "video/mp4",
		Reader:      strings.NewReader("data"),
	})
	require.ErrorIs(t, err, upload.ErrInvalidType)
	assert.Empty(t, a.Messages(), "rejected upload must not produce a message")
}

func TestSendTextRejectsBlankContent(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")

	_, err := a.SendText(context.Background(), "   \n\t")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, a.Messages())
}

func TestTypingAcrossSessions(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")
	b := f.open(t, "bob", "Bob")

	require.NoError(t, a.SetTyping(context.Background(), true))
	assert.Equal(t, []string{"Alice"}, b.TypingUsers())
	assert.Empty(t, a.TypingUsers())

	require.NoError(t, a.SetTyping(context.Background(), false))
	assert.Empty(t, b.TypingUsers())
}

func TestTimelineProjection(t *testing.T) {
	f := newChatFixture(t)
	a := f.open(t, "alice", "Alice")

	_, err := a.SendText(context.Background(), "one")
	require.NoError(t, err)
	_, err = a.SendText(context.Background(), "two")
	require.NoError(t, err)

	items := a.Timeline()
	require.Len(t, items, 3)
	assert.Equal(t, ItemDivider, items[0].Type)
	assert.True(t, items[1].ShowAvatar)
	assert.False(t, items[2].ShowAvatar)
}
