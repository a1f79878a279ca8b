package chat

import (
	"context"
	"time"

	"github.com/studiolink/chat-backend/internal/models"
)

// Identity is the external identity provider. CurrentUser returns
// ErrUnauthenticated when no user is signed in; all mutating operations
// require a non-nil user.
type Identity interface {
	CurrentUser() (*models.User, error)
}

// Persistence is the durable store for conversations, participants and
// messages, plus the per-conversation change feed. The backing
// implementation (PostgREST, in-memory, ...) is out of scope for the core;
// only this contract matters.
type Persistence interface {
	// CreateMessage persists a message and returns the stored copy with
	// the server-assigned id and timestamps. The message's ClientToken is
	// persisted and echoed on the change feed.
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// UpdateMessage replaces a message's content, marks it edited and
	// returns the stored copy.
	UpdateMessage(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error)

	// DeleteMessage removes a message permanently.
	DeleteMessage(ctx context.Context, id string) error

	// GetMessage fetches a single message by id.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// ListMessages returns a conversation's messages created after the
	// given time (all of them when after is zero), oldest first.
	ListMessages(ctx context.Context, conversationID string, after time.Time) ([]models.Message, error)

	// ListConversationsFor returns the conversations the user belongs to,
	// including participants.
	ListConversationsFor(ctx context.Context, userID string) ([]models.Conversation, error)

	// CreateConversation creates a conversation with the given
	// participants. Not idempotent: two calls with the same participant
	// set create two conversations; callers de-duplicate if they care.
	CreateConversation(ctx context.Context, participantIDs []string, title string) (*models.Conversation, error)

	// UpdateLastRead advances a participant's last-read marker.
	UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// Subscribe registers for the conversation's change feed. Events are
	// delivered pushed, in arrival order, until the returned cancel
	// function is called.
	Subscribe(conversationID string, fn func(models.ChangeEvent)) (cancel func(), err error)
}

// Broadcaster is the ephemeral pub/sub collaborator used for typing
// signals. Delivery is best-effort, at-most-once; payloads are opaque
// JSON-encoded bytes.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, fn func(payload []byte)) (cancel func(), err error)
}
