package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/studiolink/chat-backend/internal/config"
	"github.com/studiolink/chat-backend/internal/models"
)

// Client is a wrapper around the Supabase REST API: PostgREST for
// conversations, participants and messages, the Storage API for
// attachment blobs and the Realtime API for change feeds and broadcast.
// It uses the service role key for backend operations with elevated
// privileges.
type Client struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
	realtime   *Realtime
}

// NewClient creates a new Supabase client with the given configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.SupabaseURL,
		apiKey:  cfg.SupabaseKey,
		bucket:  cfg.StorageBucket,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		realtime: NewRealtime(cfg.SupabaseURL, cfg.SupabaseKey),
	}
}

// doRequest executes an HTTP request to the Supabase REST API.
// It automatically adds authentication headers and handles the response.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	reqURL := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Add Supabase authentication headers
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("supabase error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// messageRow is the messages table shape. Attachment fields are flat
// columns; the model folds them into a FileRef.
type messageRow struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	FileURL        string    `json:"file_url,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	ClientToken    string    `json:"client_token,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	IsEdited       bool      `json:"is_edited"`
}

func (r messageRow) toModel() models.Message {
	m := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Kind:           models.MessageKind(r.MessageType),
		ClientToken:    r.ClientToken,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Edited:         r.IsEdited,
	}
	if r.FileURL != "" {
		m.File = &models.FileRef{URL: r.FileURL, Name: r.FileName}
	}
	return m
}

func rowFromModel(m *models.Message) messageRow {
	r := messageRow{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    string(m.Kind),
		ClientToken:    m.ClientToken,
		IsEdited:       m.Edited,
	}
	if m.File != nil {
		r.FileURL = m.File.URL
		r.FileName = m.File.Name
	}
	return r
}

// conversationRow is the conversations table shape with embedded
// participants (PostgREST resource embedding).
type conversationRow struct {
	ID           string           `json:"id"`
	Title        string           `json:"title,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Participants []participantRow `json:"participants,omitempty"`
}

type participantRow struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	JoinedAt       time.Time `json:"joined_at,omitempty"`
	LastReadAt     time.Time `json:"last_read_at,omitempty"`
}

func (r conversationRow) toModel() models.Conversation {
	conv := models.Conversation{
		ID:        r.ID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, p := range r.Participants {
		conv.Participants = append(conv.Participants, models.Participant{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			JoinedAt:       p.JoinedAt,
			LastReadAt:     p.LastReadAt,
		})
	}
	return conv
}

// CreateMessage inserts a message and bumps the conversation's activity
// timestamp. The stored copy (server id, timestamps) is returned.
func (c *Client) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	respBody, err := c.doRequest(ctx, "POST", "messages", rowFromModel(msg))
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("message insert returned no rows")
	}

	stored := rows[0].toModel()

	// Bump the conversation so directory ordering follows activity.
	bump := map[string]interface{}{"updated_at": stored.CreatedAt}
	endpoint := fmt.Sprintf("conversations?id=eq.%s", url.QueryEscape(stored.ConversationID))
	if _, err := c.doRequest(ctx, "PATCH", endpoint, bump); err != nil {
		return nil, fmt.Errorf("failed to bump conversation activity: %w", err)
	}

	return &stored, nil
}

// UpdateMessage replaces a message's content and marks it edited.
func (c *Client) UpdateMessage(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error) {
	data := map[string]interface{}{
		"content":    content,
		"is_edited":  true,
		"updated_at": editedAt.UTC(),
	}
	endpoint := fmt.Sprintf("messages?id=eq.%s", url.QueryEscape(id))
	respBody, err := c.doRequest(ctx, "PATCH", endpoint, data)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	stored := rows[0].toModel()
	return &stored, nil
}

// DeleteMessage removes a message permanently.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("messages?id=eq.%s", url.QueryEscape(id))
	_, err := c.doRequest(ctx, "DELETE", endpoint, nil)
	return err
}

// GetMessage retrieves a single message by ID.
func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	endpoint := fmt.Sprintf("messages?id=eq.%s&select=*", url.QueryEscape(id))
	respBody, err := c.doRequest(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	stored := rows[0].toModel()
	return &stored, nil
}

// ListMessages retrieves a conversation's messages, oldest first,
// optionally only those created after the given timestamp.
func (c *Client) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]models.Message, error) {
	endpoint := fmt.Sprintf("messages?conversation_id=eq.%s&select=*&order=created_at.asc",
		url.QueryEscape(conversationID))
	if !after.IsZero() {
		endpoint += fmt.Sprintf("&created_at=gt.%s", url.QueryEscape(after.UTC().Format(time.RFC3339Nano)))
	}

	respBody, err := c.doRequest(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse messages: %w", err)
	}

	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListConversationsFor retrieves the user's conversations with their
// participants, most recently active first.
func (c *Client) ListConversationsFor(ctx context.Context, userID string) ([]models.Conversation, error) {
	// Membership first, then the conversations with embedded participants.
	endpoint := fmt.Sprintf("participants?user_id=eq.%s&select=conversation_id", url.QueryEscape(userID))
	respBody, err := c.doRequest(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	var memberships []participantRow
	if err := json.Unmarshal(respBody, &memberships); err != nil {
		return nil, fmt.Errorf("failed to parse participants: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.ConversationID)
	}

	endpoint = fmt.Sprintf("conversations?id=in.(%s)&select=*,participants(*)&order=updated_at.desc",
		url.QueryEscape(strings.Join(ids, ",")))
	respBody, err = c.doRequest(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	var rows []conversationRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse conversations: %w", err)
	}

	out := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CreateConversation inserts a conversation and its participant rows.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, title string) (*models.Conversation, error) {
	respBody, err := c.doRequest(ctx, "POST", "conversations", map[string]interface{}{"title": title})
	if err != nil {
		return nil, err
	}

	var rows []conversationRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("conversation insert returned no rows")
	}
	conv := rows[0].toModel()

	parts := make([]participantRow, 0, len(participantIDs))
	for _, id := range participantIDs {
		parts = append(parts, participantRow{ConversationID: conv.ID, UserID: id})
	}
	respBody, err = c.doRequest(ctx, "POST", "participants", parts)
	if err != nil {
		return nil, fmt.Errorf("failed to add participants: %w", err)
	}

	var stored []participantRow
	if err := json.Unmarshal(respBody, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse participants: %w", err)
	}
	for _, p := range stored {
		conv.Participants = append(conv.Participants, models.Participant{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			JoinedAt:       p.JoinedAt,
			LastReadAt:     p.LastReadAt,
		})
	}
	return &conv, nil
}

// UpdateLastRead advances a participant's last-read marker. The filter
// only matches rows with an older marker, so the column never moves
// backwards even under concurrent calls.
func (c *Client) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	data := map[string]interface{}{"last_read_at": at.UTC()}
	endpoint := fmt.Sprintf("participants?conversation_id=eq.%s&user_id=eq.%s&last_read_at=lt.%s",
		url.QueryEscape(conversationID), url.QueryEscape(userID),
		url.QueryEscape(at.UTC().Format(time.RFC3339Nano)))
	_, err := c.doRequest(ctx, "PATCH", endpoint, data)
	return err
}

// Subscribe registers for a conversation's change feed over the Realtime
// websocket.
func (c *Client) Subscribe(conversationID string, fn func(models.ChangeEvent)) (func(), error) {
	return c.realtime.SubscribeChanges(conversationID, fn)
}

// Broadcaster returns the ephemeral broadcast collaborator backed by the
// Realtime API.
func (c *Client) Broadcaster() *Broadcast {
	return &Broadcast{client: c}
}

// Close shuts the realtime connection down.
func (c *Client) Close() {
	c.realtime.Close()
}
