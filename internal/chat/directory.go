package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/studiolink/chat-backend/internal/models"
)

// Directory is one user's conversation list, ordered most-recently-active
// first. It owns the list and participant metadata exclusively; message
// contents live in the per-conversation Store.
type Directory struct {
	mu sync.Mutex

	userID  string
	persist Persistence
	convs   []models.Conversation
}

// NewDirectory creates an empty directory for the user. Call Refresh to
// populate it.
func NewDirectory(persist Persistence, userID string) *Directory {
	return &Directory{userID: userID, persist: persist}
}

// Refresh re-pulls the user's conversations from persistence.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.persist.ListConversationsFor(ctx, d.userID)
	if err != nil {
		return fmt.Errorf("list conversations for %s: %w", d.userID, err)
	}
	d.mu.Lock()
	d.convs = convs
	d.resortLocked()
	d.mu.Unlock()
	return nil
}

// List returns a snapshot of the conversations, most recently active
// first.
func (d *Directory) List() []models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Conversation, len(d.convs))
	copy(out, d.convs)
	return out
}

// Get returns the conversation with the given id, if present.
func (d *Directory) Get(conversationID string) (*models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.convs {
		if d.convs[i].ID == conversationID {
			c := d.convs[i]
			return &c, true
		}
	}
	return nil, false
}

// Create makes a new conversation with the given participants and places
// it at the top of the list.
//
// Create is not idempotent: two calls with the same participant set make
// two conversations. Callers that want one direct conversation per pair
// must check List before calling.
func (d *Directory) Create(ctx context.Context, participantIDs []string, title string) (*models.Conversation, error) {
	conv, err := d.persist.CreateConversation(ctx, participantIDs, title)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	d.mu.Lock()
	d.convs = append(d.convs, *conv)
	d.resortLocked()
	d.mu.Unlock()
	return conv, nil
}

// Bump records new activity on a conversation and re-sorts the list so it
// rises to the top. Older timestamps are ignored.
func (d *Directory) Bump(conversationID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.convs {
		if d.convs[i].ID == conversationID {
			if at.After(d.convs[i].UpdatedAt) {
				d.convs[i].UpdatedAt = at
				d.resortLocked()
			}
			return
		}
	}
}

// MarkRead advances the user's last-read marker for a conversation.
// The marker is monotonic: an older timestamp is a no-op and nothing is
// persisted for it.
func (d *Directory) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	d.mu.Lock()
	advanced := false
	for i := range d.convs {
		if d.convs[i].ID != conversationID {
			continue
		}
		for j := range d.convs[i].Participants {
			part := &d.convs[i].Participants[j]
			if part.UserID == d.userID && at.After(part.LastReadAt) {
				part.LastReadAt = at
				advanced = true
			}
		}
	}
	d.mu.Unlock()

	if !advanced {
		return nil
	}
	if err := d.persist.UpdateLastRead(ctx, conversationID, d.userID, at); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

// resortLocked keeps the list ordered by updated_at descending. Stable so
// equal timestamps keep their relative order.
func (d *Directory) resortLocked() {
	sort.SliceStable(d.convs, func(i, j int) bool {
		return d.convs[i].UpdatedAt.After(d.convs[j].UpdatedAt)
	})
}
