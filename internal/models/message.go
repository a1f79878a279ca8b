package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by persistence implementations when a lookup
// matches no row. Callers use it to tell a missing record apart from a
// transport failure.
var ErrNotFound = errors.New("not found")

// MessageKind discriminates the message variant. Every kind other than
// KindText must carry a file reference; KindText must not.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindDocument:
		return true
	}
	return false
}

// IsFile reports whether k requires an attached file reference.
func (k MessageKind) IsFile() bool {
	return k.Valid() && k != KindText
}

// FileRef points at an uploaded attachment. URL is a time-bounded signed
// retrieval link, Name is the original file name for display.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Message is one entry in a conversation.
// For optimistic messages the ID is client-generated until the server
// confirms the write; ClientToken is the correlation token used to match
// the eventual echo back to the optimistic entry.
type Message struct {
	// ID is the message identifier. Client-generated for optimistic
	// entries, replaced by the server id on confirmation.
	ID string `json:"id"`

	// ConversationID is the conversation this message belongs to.
	ConversationID string `json:"conversation_id"`

	// SenderID is the sending user's id.
	SenderID string `json:"sender_id"`

	// Content is the message text. File messages carry a human-readable
	// placeholder such as "Shared an image".
	Content string `json:"content"`

	// Kind is the message variant (text, image, audio, document).
	Kind MessageKind `json:"message_type"`

	// File is the attachment reference, present exactly when Kind.IsFile().
	File *FileRef `json:"file,omitempty"`

	// ClientToken is the client-side correlation token carried on send and
	// echoed back on the change feed. Empty for messages created elsewhere.
	ClientToken string `json:"client_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Edited is set true only by a successful edit.
	Edited bool `json:"is_edited"`
}

// Validate checks the kind/file invariant.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.Kind.IsFile() && m.File == nil {
		return fmt.Errorf("%s message requires a file reference", m.Kind)
	}
	if m.Kind == KindText && m.File != nil {
		return fmt.Errorf("text message must not carry a file reference")
	}
	return nil
}

// DeliveryState tracks an optimistic message's transmission status.
type DeliveryState string

const (
	// StatePending means the local entry is awaiting server confirmation.
	StatePending DeliveryState = "pending"

	// StateFailed means persistence failed; the entry stays visible and
	// retryable, never silently dropped.
	StateFailed DeliveryState = "failed"

	// StateConfirmed means the entry reflects the server's copy.
	StateConfirmed DeliveryState = "confirmed"
)

// LocalMessage is a message as held by the local store, annotated with its
// delivery state. Remote messages are always confirmed.
type LocalMessage struct {
	Message
	State DeliveryState `json:"state"`
}

// ChangeType classifies a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one entry from the conversation change feed.
type ChangeEvent struct {
	Type    ChangeType `json:"type"`
	Message Message    `json:"message"`
}

// TypingSignal is an ephemeral typing-presence broadcast. Never persisted;
// receivers drop it once ExpiresAt passes without a refresh.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	DisplayName    string    `json:"display_name"`
	Typing         bool      `json:"typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}
