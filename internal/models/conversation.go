package models

import "time"

// User identifies the authenticated user as reported by the identity
// provider. DisplayName is the label shown to other participants.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Conversation is a multi-party message thread. Conversations are never
// hard-deleted; UpdatedAt is bumped on each new message and drives the
// most-recently-active ordering in the directory.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Participant links a user to a conversation. The (conversation, user)
// pair is unique; LastReadAt only ever advances.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// CreateConversationRequest is the request body for creating a conversation.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Title          string   `json:"title,omitempty"`
}

// SendMessageRequest is the request body for sending a message over the
// REST fallback. File must be set exactly when Kind is a file kind.
type SendMessageRequest struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"message_type"`
	File    *FileRef    `json:"file,omitempty"`
}

// EditMessageRequest is the request body for editing a message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessagesResponse is the response for fetching messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// UploadResponse is returned after a successful attachment upload. The
// caller uses it to construct the file message.
type UploadResponse struct {
	File FileRef     `json:"file"`
	Kind MessageKind `json:"message_type"`
}
