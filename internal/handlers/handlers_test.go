package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolink/chat-backend/internal/broker"
	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/identity"
	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

type apiFixture struct {
	store  *broker.Store
	router *chi.Mux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := broker.NewStore()
	store.SetDisplayName("alice", "Alice")
	store.SetDisplayName("bob", "Bob")
	bus := broker.NewMemory()
	pipeline := upload.NewPipeline(broker.NewBlobs(), 0, 0)
	manager := chat.NewSessionManager(store, bus, pipeline, 0)

	conversations := NewConversationHandler(manager)
	messages := NewMessageHandler(store)
	attachments := NewAttachmentHandler(pipeline)

	r := chi.NewRouter()
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", conversations.ListConversations)
		r.Post("/", conversations.CreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/messages", messages.GetMessages)
			r.Post("/messages", messages.SendMessage)
			r.Patch("/messages/{messageID}", messages.EditMessage)
			r.Delete("/messages/{messageID}", messages.DeleteMessage)
			r.Post("/attachments", attachments.Upload)
		})
	})
	return &apiFixture{store: store, router: r}
}

func (f *apiFixture) do(method, target, userID string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		r.Header.Set(identity.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func (f *apiFixture) conversation(t *testing.T) string {
	t.Helper()
	conv, err := f.store.CreateConversation(context.Background(), []string{"alice", "bob"}, "Alice & Bob")
	require.NoError(t, err)
	return conv.ID
}

func TestSendMessageRequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	body, _ := json.Marshal(models.SendMessageRequest{Content: "hi"})
	w := f.do(http.MethodPost, "/api/conversations/"+conv+"/messages", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendMessageRequiresContent(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	body, _ := json.Marshal(models.SendMessageRequest{})
	w := f.do(http.MethodPost, "/api/conversations/"+conv+"/messages", "alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendAndListMessages(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	body, _ := json.Marshal(models.SendMessageRequest{Content: "hello"})
	w := f.do(http.MethodPost, "/api/conversations/"+conv+"/messages", "alice", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var sent models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "alice", sent.SenderID)
	assert.Equal(t, models.KindText, sent.Kind)

	w = f.do(http.MethodGet, "/api/conversations/"+conv+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list models.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hello", list.Messages[0].Content)

	// Polling with an 'after' cursor past the message returns nothing.
	after := sent.CreatedAt.Add(time.Second).Format(time.RFC3339Nano)
	w = f.do(http.MethodGet, "/api/conversations/"+conv+"/messages?after="+after, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Messages)
}

func TestGetMessagesRejectsBadCursor(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	w := f.do(http.MethodGet, "/api/conversations/"+conv+"/messages?after=yesterday", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEditRejectedForNonSender(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	body, _ := json.Marshal(models.SendMessageRequest{Content: "alice's"})
	w := f.do(http.MethodPost, "/api/conversations/"+conv+"/messages", "alice", body)
	require.Equal(t, http.StatusCreated, w.Code)
	var sent models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))

	edit, _ := json.Marshal(models.EditMessageRequest{Content: "hijacked"})
	w = f.do(http.MethodPatch, "/api/conversations/"+conv+"/messages/"+sent.ID, "bob", edit)
	assert.Equal(t, http.StatusForbidden, w.Code)

	stored, err := f.store.GetMessage(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice's", stored.Content)
}

func TestEditAndDeleteBySender(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	body, _ := json.Marshal(models.SendMessageRequest{Content: "v1"})
	w := f.do(http.MethodPost, "/api/conversations/"+conv+"/messages", "alice", body)
	require.Equal(t, http.StatusCreated, w.Code)
	var sent models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))

	edit, _ := json.Marshal(models.EditMessageRequest{Content: "v2"})
	w = f.do(http.MethodPatch, "/api/conversations/"+conv+"/messages/"+sent.ID, "alice", edit)
	require.Equal(t, http.StatusOK, w.Code)

	var edited models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edited))
	assert.Equal(t, "v2", edited.Content)
	assert.True(t, edited.Edited)

	w = f.do(http.MethodDelete, "/api/conversations/"+conv+"/messages/"+sent.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := f.store.GetMessage(context.Background(), sent.ID)
	assert.Error(t, err)
}

// outageStore fails every read the way an unreachable backend would.
type outageStore struct {
	*broker.Store
}

func (o *outageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return nil, errors.New("upstream timeout")
}

func TestEditDuringBackendOutageIsBadGateway(t *testing.T) {
	store := broker.NewStore()
	conv, err := store.CreateConversation(context.Background(), []string{"alice", "bob"}, "Alice & Bob")
	require.NoError(t, err)
	sent, err := store.CreateMessage(context.Background(), &models.Message{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hello",
		Kind:           models.KindText,
	})
	require.NoError(t, err)

	h := NewMessageHandler(&outageStore{store})
	router := chi.NewRouter()
	router.Patch("/api/conversations/{id}/messages/{messageID}", h.EditMessage)
	router.Delete("/api/conversations/{id}/messages/{messageID}", h.DeleteMessage)

	// An outage is the backend's fault, not a missing row.
	body, _ := json.Marshal(models.EditMessageRequest{Content: "v2"})
	r := httptest.NewRequest(http.MethodPatch, "/api/conversations/"+conv.ID+"/messages/"+sent.ID, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(identity.HeaderUserID, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	r = httptest.NewRequest(http.MethodDelete, "/api/conversations/"+conv.ID+"/messages/"+sent.ID, nil)
	r.Header.Set(identity.HeaderUserID, "alice")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDeleteUnknownMessage(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	w := f.do(http.MethodDelete, "/api/conversations/"+conv+"/messages/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateConversationAddsCurrentUser(t *testing.T) {
	f := newAPIFixture(t)

	body, _ := json.Marshal(models.CreateConversationRequest{ParticipantIDs: []string{"bob"}, Title: "Bob"})
	w := f.do(http.MethodPost, "/api/conversations/", "alice", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	require.Len(t, conv.Participants, 2)

	ids := []string{conv.Participants[0].UserID, conv.Participants[1].UserID}
	assert.Contains(t, ids, "alice")
	assert.Contains(t, ids, "bob")
}

func TestCreateConversationNeedsAPeer(t *testing.T) {
	f := newAPIFixture(t)

	body, _ := json.Marshal(models.CreateConversationRequest{})
	w := f.do(http.MethodPost, "/api/conversations/", "alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListConversations(t *testing.T) {
	f := newAPIFixture(t)
	f.conversation(t)

	w := f.do(http.MethodGet, "/api/conversations/", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list []models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// A user outside the conversation sees nothing.
	w = f.do(http.MethodGet, "/api/conversations/", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func multipartBody(t *testing.T, filename, contentType, data string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAttachment(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	buf, contentType := multipartBody(t, "photo.png", "image/png", strings.Repeat("x", 32))
	r := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv+"/attachments", buf)
	r.Header.Set("Content-Type", contentType)
	r.Header.Set(identity.HeaderUserID, "alice")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	var res models.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, models.KindImage, res.Kind)
	assert.Equal(t, "photo.png", res.File.Name)
	assert.NotEmpty(t, res.File.URL)
}

func TestUploadRejectsUnknownType(t *testing.T) {
	f := newAPIFixture(t)
	conv := f.conversation(t)

	buf, contentType := multipartBody(t, "movie.mp4", "video/mp4", "data")
	r := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv+"/attachments", buf)
	r.Header.Set("Content-Type", contentType)
	r.Header.Set(identity.HeaderUserID, "alice")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}
